// Package session provides admission control for multi-tenant trading
// sessions: resource quotas, a global sliding-window rate limit, and
// per-symbol circuit breakers shared across all sessions.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pump-trading-bot/internal/circuit"
	"pump-trading-bot/internal/events"
)

// Mode is the execution mode of a session
type Mode string

const (
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
	ModeBacktest Mode = "backtest"
)

// State is the session lifecycle state
type State string

const (
	StatePending     State = "PENDING"
	StateRunning     State = "RUNNING"
	StateFailed      State = "FAILED"
	StateStopped     State = "STOPPED"
	StateCircuitOpen State = "CIRCUIT_OPEN"
)

// MarketAdapter is the single upstream market connection sessions multiplex
// over
type MarketAdapter interface {
	SubscribeSymbol(ctx context.Context, symbol string) error
	UnsubscribeSymbol(ctx context.Context, symbol string) error
}

// Session is one client's trading session
type Session struct {
	SessionID    string    `json:"session_id"`
	ClientID     string    `json:"client_id"`
	Symbols      []string  `json:"symbols"`
	Mode         Mode      `json:"mode"`
	State        State     `json:"state"`
	StartTime    time.Time `json:"start_time"`
	LastActivity time.Time `json:"last_activity"`

	Operations int `json:"operations"`
	Failures   int `json:"failures"`
	Throttled  int `json:"throttled"`

	ActiveSubscriptions map[string]bool `json:"active_subscriptions"`
}

// Config holds the admission-control policy
type Config struct {
	MaxSessionsPerClient int
	MaxTotalSessions     int
	MaxSymbolsPerSession int

	OpsPerSecond int
	OpsPerMinute int
	BurstLimit   int

	RingCapacity int

	HeartbeatInterval time.Duration
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	MaxSessionAge     time.Duration
}

// DefaultConfig returns the standard admission policy
func DefaultConfig() Config {
	return Config{
		MaxSessionsPerClient: 5,
		MaxTotalSessions:     50,
		MaxSymbolsPerSession: 20,
		OpsPerSecond:         10,
		OpsPerMinute:         300,
		BurstLimit:           50,
		RingCapacity:         1000,
		HeartbeatInterval:    30 * time.Second,
		InactivityTimeout:    300 * time.Second,
		SweepInterval:        300 * time.Second,
		MaxSessionAge:        24 * time.Hour,
	}
}

// burstWindow is the short window the burst limit is measured over
const burstWindow = 10 * time.Second

// Manager owns session lifecycle and admission control. Rate-limit state and
// the session table share one mutex so the check-record-query sequence in
// CanSubscribeSymbol is atomic.
type Manager struct {
	mu sync.Mutex

	config   Config
	sessions map[string]*Session
	ops      *opRing

	breakers *circuit.Registry
	adapter  MarketAdapter
	bus      *events.Bus
	logger   zerolog.Logger

	loopCtx    context.Context
	cancelLoop context.CancelFunc
	loopWG     sync.WaitGroup

	now func() time.Time
}

// NewManager creates a session manager on top of one market adapter
func NewManager(config Config, adapter MarketAdapter, breakers *circuit.Registry, bus *events.Bus, logger zerolog.Logger) *Manager {
	if config.RingCapacity <= 0 {
		config.RingCapacity = DefaultConfig().RingCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:     config,
		sessions:   make(map[string]*Session),
		ops:        newOpRing(config.RingCapacity),
		breakers:   breakers,
		adapter:    adapter,
		bus:        bus,
		logger:     logger.With().Str("component", "SessionManager").Logger(),
		loopCtx:    ctx,
		cancelLoop: cancel,
		now:        time.Now,
	}
}

// SetClock overrides the time source for deterministic tests
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Start launches the health heartbeat and the expiry sweeper
func (m *Manager) Start() {
	m.loopWG.Add(2)
	go m.heartbeatLoop()
	go m.sweepLoop()
	m.logger.Info().
		Int("max_total_sessions", m.config.MaxTotalSessions).
		Msg("Session manager started")
}

// Stop halts the background loops and stops every session
func (m *Manager) Stop() {
	m.cancelLoop()
	m.loopWG.Wait()

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.StopSession(id, "manager shutdown")
	}
	m.logger.Info().Msg("Session manager stopped")
}

// StartSession admits a new session: quota checks, breaker installation and
// symbol subscriptions. The session runs if at least one subscription
// succeeds.
func (m *Manager) StartSession(clientID string, symbols []string, mode Mode) (*Session, error) {
	m.mu.Lock()

	if len(m.sessions) >= m.config.MaxTotalSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("session limit reached (%d)", m.config.MaxTotalSessions)
	}
	clientSessions := 0
	for _, s := range m.sessions {
		if s.ClientID == clientID {
			clientSessions++
		}
	}
	if clientSessions >= m.config.MaxSessionsPerClient {
		m.mu.Unlock()
		return nil, fmt.Errorf("client %s session limit reached (%d)", clientID, m.config.MaxSessionsPerClient)
	}
	if len(symbols) == 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("session needs at least one symbol")
	}
	if len(symbols) > m.config.MaxSymbolsPerSession {
		m.mu.Unlock()
		return nil, fmt.Errorf("too many symbols: %d > %d", len(symbols), m.config.MaxSymbolsPerSession)
	}

	now := m.now()
	session := &Session{
		SessionID:           uuid.NewString(),
		ClientID:            clientID,
		Symbols:             symbols,
		Mode:                mode,
		State:               StatePending,
		StartTime:           now,
		LastActivity:        now,
		ActiveSubscriptions: make(map[string]bool),
	}
	m.sessions[session.SessionID] = session
	m.mu.Unlock()

	// Breakers are global per symbol; installing is idempotent
	for _, symbol := range symbols {
		m.breakers.Get(symbol)
	}

	subscribed := 0
	for _, symbol := range symbols {
		if ok, reason := m.CanSubscribeSymbol(symbol); !ok {
			m.mu.Lock()
			session.Throttled++
			m.mu.Unlock()
			m.logger.Warn().
				Str("session_id", session.SessionID).
				Str("symbol", symbol).
				Str("reason", reason).
				Msg("Subscription rejected")
			continue
		}
		if err := m.adapter.SubscribeSymbol(m.loopCtx, symbol); err != nil {
			m.breakers.Get(symbol).RecordFailure()
			m.logger.Warn().Err(err).
				Str("session_id", session.SessionID).
				Str("symbol", symbol).
				Msg("Subscription failed")
			continue
		}
		m.mu.Lock()
		session.ActiveSubscriptions[symbol] = true
		m.mu.Unlock()
		subscribed++
	}

	if subscribed == 0 {
		m.mu.Lock()
		session.State = StateFailed
		delete(m.sessions, session.SessionID)
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s: no symbol subscriptions succeeded", session.SessionID)
	}

	m.mu.Lock()
	session.State = StateRunning
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Topic: events.TopicSessionStarted,
		Data: map[string]interface{}{
			"session_id": session.SessionID,
			"client_id":  clientID,
			"symbols":    symbols,
			"mode":       string(mode),
			"timestamp":  now.Unix(),
		},
	})
	m.logger.Info().
		Str("session_id", session.SessionID).
		Str("client_id", clientID).
		Int("subscribed", subscribed).
		Msg("Session started")

	return session, nil
}

// CanSubscribeSymbol runs the atomic admission sequence: rate-limit check,
// operation recording, then the symbol's circuit breaker.
func (m *Manager) CanSubscribeSymbol(symbol string) (bool, string) {
	m.mu.Lock()
	now := m.now()

	if got := m.ops.CountSince(now.Add(-time.Second)); got >= m.config.OpsPerSecond {
		m.mu.Unlock()
		return false, fmt.Sprintf("rate limit: %d ops in the last second", got)
	}
	if got := m.ops.CountSince(now.Add(-time.Minute)); got >= m.config.OpsPerMinute {
		m.mu.Unlock()
		return false, fmt.Sprintf("rate limit: %d ops in the last minute", got)
	}
	if got := m.ops.CountSince(now.Add(-burstWindow)); got >= m.config.BurstLimit {
		m.mu.Unlock()
		return false, fmt.Sprintf("burst limit: %d ops in the last %v", got, burstWindow)
	}

	m.ops.Add(now)
	m.mu.Unlock()

	if ok, reason := m.breakers.Get(symbol).Allow(); !ok {
		return false, reason
	}
	return true, ""
}

// RecordOperation feeds an operation outcome into the symbol's breaker and
// the session counters. A breaker opening flips every session subscribed to
// the symbol into CIRCUIT_OPEN.
func (m *Manager) RecordOperation(sessionID, symbol string, success bool, opType string) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok {
		session.Operations++
		session.LastActivity = m.now()
		if !success {
			session.Failures++
		}
	}
	m.mu.Unlock()

	breaker := m.breakers.Get(symbol)
	if success {
		breaker.RecordSuccess()
		return
	}

	breaker.RecordFailure()
	if breaker.State() != circuit.StateOpen {
		return
	}

	m.mu.Lock()
	affected := make([]*Session, 0, 1)
	for _, s := range m.sessions {
		if s.ActiveSubscriptions[symbol] && s.State == StateRunning {
			s.State = StateCircuitOpen
			affected = append(affected, s)
		}
	}
	m.mu.Unlock()

	for _, s := range affected {
		m.bus.Publish(events.Event{
			Topic: events.TopicSessionCircuitOpened,
			Data: map[string]interface{}{
				"session_id": s.SessionID,
				"symbol":     symbol,
				"op_type":    opType,
				"timestamp":  m.now().Unix(),
			},
		})
		m.logger.Warn().
			Str("session_id", s.SessionID).
			Str("symbol", symbol).
			Msg("Circuit opened, session suspended")
	}
}

// StopSession unsubscribes the session's symbols and removes it
func (m *Manager) StopSession(sessionID, reason string) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	subscribed := make([]string, 0, len(session.ActiveSubscriptions))
	for symbol, active := range session.ActiveSubscriptions {
		if active {
			subscribed = append(subscribed, symbol)
		}
	}
	session.State = StateStopped
	m.mu.Unlock()

	for _, symbol := range subscribed {
		if err := m.adapter.UnsubscribeSymbol(context.Background(), symbol); err != nil {
			m.logger.Warn().Err(err).
				Str("session_id", sessionID).
				Str("symbol", symbol).
				Msg("Unsubscribe failed during stop")
		}
	}

	m.bus.Publish(events.Event{
		Topic: events.TopicSessionStopped,
		Data: map[string]interface{}{
			"session_id": sessionID,
			"reason":     reason,
			"timestamp":  m.now().Unix(),
		},
	})
	m.logger.Info().
		Str("session_id", sessionID).
		Str("reason", reason).
		Msg("Session stopped")
}

// GetSession returns a copy of a session's current state
func (m *Manager) GetSession(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	copied := *session
	copied.ActiveSubscriptions = make(map[string]bool, len(session.ActiveSubscriptions))
	for k, v := range session.ActiveSubscriptions {
		copied.ActiveSubscriptions[k] = v
	}
	return &copied, true
}

// SessionCount returns the number of live sessions
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// OperationRingLen exposes the rate-limit buffer length for diagnostics
func (m *Manager) OperationRingLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops.Len()
}

func (m *Manager) heartbeatLoop() {
	defer m.loopWG.Done()

	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.loopCtx.Done():
			return
		case <-ticker.C:
			m.publishHealth()
			for _, id := range m.inactiveSessions() {
				m.StopSession(id, "inactive")
			}
		}
	}
}

func (m *Manager) sweepLoop() {
	defer m.loopWG.Done()

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.loopCtx.Done():
			return
		case <-ticker.C:
			for _, id := range m.expiredSessions() {
				m.StopSession(id, "expired")
			}
		}
	}
}

func (m *Manager) publishHealth() {
	m.mu.Lock()
	running, circuitOpen := 0, 0
	for _, s := range m.sessions {
		switch s.State {
		case StateRunning:
			running++
		case StateCircuitOpen:
			circuitOpen++
		}
	}
	total := len(m.sessions)
	ringLen := m.ops.Len()
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Topic: events.TopicSessionHealth,
		Data: map[string]interface{}{
			"sessions":     total,
			"running":      running,
			"circuit_open": circuitOpen,
			"op_ring_len":  ringLen,
			"timestamp":    m.now().Unix(),
		},
	})
}

// inactiveSessions lists sessions idle past the inactivity timeout
func (m *Manager) inactiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.config.InactivityTimeout)
	var ids []string
	for id, s := range m.sessions {
		if s.LastActivity.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// expiredSessions lists sessions older than the maximum age
func (m *Manager) expiredSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.config.MaxSessionAge)
	var ids []string
	for id, s := range m.sessions {
		if s.StartTime.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
