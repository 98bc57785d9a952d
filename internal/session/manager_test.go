package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pump-trading-bot/internal/circuit"
	"pump-trading-bot/internal/events"
)

// fakeAdapter is a market adapter double with per-symbol failure injection
type fakeAdapter struct {
	mu           sync.Mutex
	failSymbols  map[string]bool
	subscribed   map[string]int
	unsubscribed map[string]int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		failSymbols:  make(map[string]bool),
		subscribed:   make(map[string]int),
		unsubscribed: make(map[string]int),
	}
}

func (f *fakeAdapter) SubscribeSymbol(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSymbols[symbol] {
		return errors.New("subscribe refused")
	}
	f.subscribed[symbol]++
	return nil
}

func (f *fakeAdapter) UnsubscribeSymbol(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed[symbol]++
	return nil
}

func newTestManager(config Config) (*Manager, *fakeAdapter, *events.Bus) {
	bus := events.NewBus(zerolog.Nop())
	adapter := newFakeAdapter()
	breakers := circuit.NewRegistry(circuit.DefaultConfig())
	m := NewManager(config, adapter, breakers, bus, zerolog.Nop())
	return m, adapter, bus
}

type topicRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func record(bus *events.Bus, topics ...events.Topic) *topicRecorder {
	r := &topicRecorder{}
	for _, topic := range topics {
		bus.Subscribe(topic, func(e events.Event) {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *topicRecorder) count(topic events.Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Topic == topic {
			n++
		}
	}
	return n
}

// TestStartSessionRunsWithSubscriptions verifies the happy path
func TestStartSessionRunsWithSubscriptions(t *testing.T) {
	m, adapter, bus := newTestManager(DefaultConfig())
	rec := record(bus, events.TopicSessionStarted)

	session, err := m.StartSession("client-1", []string{"PUMPUSDT", "MOONUSDT"}, ModePaper)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if session.State != StateRunning {
		t.Errorf("Expected RUNNING, got %s", session.State)
	}
	if adapter.subscribed["PUMPUSDT"] != 1 || adapter.subscribed["MOONUSDT"] != 1 {
		t.Errorf("Expected both symbols subscribed: %v", adapter.subscribed)
	}
	if rec.count(events.TopicSessionStarted) != 1 {
		t.Error("Expected a session.started event")
	}
}

// TestStartSessionQuotas verifies client, total and symbol limits
func TestStartSessionQuotas(t *testing.T) {
	config := DefaultConfig()
	config.MaxSessionsPerClient = 2
	config.MaxTotalSessions = 3
	config.MaxSymbolsPerSession = 2
	// Generous rate limits so quota checks are what rejects
	config.OpsPerSecond = 1000
	config.OpsPerMinute = 10000
	config.BurstLimit = 1000
	m, _, _ := newTestManager(config)

	t.Run("symbols per session", func(t *testing.T) {
		if _, err := m.StartSession("c", []string{"A", "B", "C"}, ModePaper); err == nil {
			t.Error("Expected symbol quota rejection")
		}
	})

	t.Run("no symbols", func(t *testing.T) {
		if _, err := m.StartSession("c", nil, ModePaper); err == nil {
			t.Error("Expected empty symbol rejection")
		}
	})

	t.Run("sessions per client", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			if _, err := m.StartSession("greedy", []string{fmt.Sprintf("S%d", i)}, ModePaper); err != nil {
				t.Fatalf("StartSession %d failed: %v", i, err)
			}
		}
		if _, err := m.StartSession("greedy", []string{"S9"}, ModePaper); err == nil {
			t.Error("Expected per-client quota rejection")
		}
	})

	t.Run("total sessions", func(t *testing.T) {
		if _, err := m.StartSession("other", []string{"T1"}, ModePaper); err != nil {
			t.Fatalf("StartSession failed: %v", err)
		}
		if _, err := m.StartSession("another", []string{"T2"}, ModePaper); err == nil {
			t.Error("Expected total quota rejection")
		}
	})
}

// TestStartSessionFailsWithoutAnySubscription verifies cleanup when every
// symbol subscription is refused
func TestStartSessionFailsWithoutAnySubscription(t *testing.T) {
	m, adapter, _ := newTestManager(DefaultConfig())
	adapter.failSymbols["PUMPUSDT"] = true

	if _, err := m.StartSession("client-1", []string{"PUMPUSDT"}, ModePaper); err == nil {
		t.Fatal("Expected failure when no subscription succeeds")
	}
	if m.SessionCount() != 0 {
		t.Error("Expected failed session removed")
	}
}

// TestCanSubscribeSymbolRateLimit verifies the per-second sliding window
func TestCanSubscribeSymbolRateLimit(t *testing.T) {
	config := DefaultConfig()
	config.OpsPerSecond = 3
	m, _, _ := newTestManager(config)

	base := time.Now()
	m.SetClock(func() time.Time { return base })

	for i := 0; i < 3; i++ {
		if ok, reason := m.CanSubscribeSymbol("PUMPUSDT"); !ok {
			t.Fatalf("Expected admission %d, got %q", i, reason)
		}
	}
	if ok, _ := m.CanSubscribeSymbol("PUMPUSDT"); ok {
		t.Error("Expected per-second rejection")
	}

	// Window slides past the burst
	m.SetClock(func() time.Time { return base.Add(2 * time.Second) })
	if ok, reason := m.CanSubscribeSymbol("PUMPUSDT"); !ok {
		t.Errorf("Expected admission after window slid, got %q", reason)
	}
}

// TestCanSubscribeSymbolHonorsBreaker verifies an open breaker blocks
// subscriptions for its symbol
func TestCanSubscribeSymbolHonorsBreaker(t *testing.T) {
	m, _, _ := newTestManager(DefaultConfig())

	breaker := m.breakers.Get("PUMPUSDT")
	for i := 0; i < 5; i++ {
		breaker.RecordFailure()
	}

	if ok, reason := m.CanSubscribeSymbol("PUMPUSDT"); ok {
		t.Error("Expected rejection with breaker open")
	} else if reason == "" {
		t.Error("Expected a reason")
	}

	// Other symbols are unaffected
	if ok, _ := m.CanSubscribeSymbol("MOONUSDT"); !ok {
		t.Error("Expected other symbols admitted")
	}
}

// TestRecordOperationOpensCircuit verifies repeated failures suspend the
// subscribed sessions and publish session.circuit_opened
func TestRecordOperationOpensCircuit(t *testing.T) {
	m, _, bus := newTestManager(DefaultConfig())
	rec := record(bus, events.TopicSessionCircuitOpened)

	session, err := m.StartSession("client-1", []string{"PUMPUSDT"}, ModePaper)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		m.RecordOperation(session.SessionID, "PUMPUSDT", false, "order")
	}

	got, _ := m.GetSession(session.SessionID)
	if got.State != StateCircuitOpen {
		t.Errorf("Expected CIRCUIT_OPEN, got %s", got.State)
	}
	if got.Failures != 5 {
		t.Errorf("Expected 5 failures, got %d", got.Failures)
	}
	if rec.count(events.TopicSessionCircuitOpened) != 1 {
		t.Errorf("Expected 1 circuit_opened event, got %d", rec.count(events.TopicSessionCircuitOpened))
	}
}

// TestStopSessionUnsubscribes verifies stop tears down subscriptions
func TestStopSessionUnsubscribes(t *testing.T) {
	m, adapter, bus := newTestManager(DefaultConfig())
	rec := record(bus, events.TopicSessionStopped)

	session, err := m.StartSession("client-1", []string{"PUMPUSDT"}, ModePaper)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	m.StopSession(session.SessionID, "test")

	if m.SessionCount() != 0 {
		t.Error("Expected session removed")
	}
	if adapter.unsubscribed["PUMPUSDT"] != 1 {
		t.Errorf("Expected symbol unsubscribed: %v", adapter.unsubscribed)
	}
	if rec.count(events.TopicSessionStopped) != 1 {
		t.Error("Expected a session.stopped event")
	}

	// Idempotent for unknown IDs
	m.StopSession("no-such-session", "test")
}

// TestInactiveAndExpiredSweeps verifies the background-loop selectors
func TestInactiveAndExpiredSweeps(t *testing.T) {
	m, _, _ := newTestManager(DefaultConfig())

	session, err := m.StartSession("client-1", []string{"PUMPUSDT"}, ModePaper)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	if ids := m.inactiveSessions(); len(ids) != 0 {
		t.Errorf("Expected no inactive sessions, got %v", ids)
	}

	// 6 minutes idle crosses the 300s inactivity timeout
	m.SetClock(func() time.Time { return time.Now().Add(6 * time.Minute) })
	if ids := m.inactiveSessions(); len(ids) != 1 || ids[0] != session.SessionID {
		t.Errorf("Expected the session flagged inactive, got %v", ids)
	}
	if ids := m.expiredSessions(); len(ids) != 0 {
		t.Errorf("Expected no expired sessions at 6 minutes, got %v", ids)
	}

	m.SetClock(func() time.Time { return time.Now().Add(25 * time.Hour) })
	if ids := m.expiredSessions(); len(ids) != 1 {
		t.Errorf("Expected the session expired at 25h, got %v", ids)
	}
}

// TestOperationRingBounded verifies the timestamp buffer never exceeds its
// capacity
func TestOperationRingBounded(t *testing.T) {
	ring := newOpRing(1000)
	base := time.Now()

	for i := 0; i < 1500; i++ {
		ring.Add(base.Add(time.Duration(i) * time.Millisecond))
	}

	if ring.Len() != 1000 {
		t.Fatalf("Expected ring capped at 1000, got %d", ring.Len())
	}
	// Only the newest 1000 stamps survive
	if got := ring.CountSince(base.Add(499 * time.Millisecond)); got != 1000 {
		t.Errorf("Expected 1000 stamps after cutoff, got %d", got)
	}
	if got := ring.CountSince(base.Add(1400 * time.Millisecond)); got != 99 {
		t.Errorf("Expected 99 stamps after late cutoff, got %d", got)
	}
}
