package engine

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pump-trading-bot/internal/events"
	"pump-trading-bot/internal/order"
	"pump-trading-bot/internal/risk"
	"pump-trading-bot/internal/strategy"
	"pump-trading-bot/internal/telemetry"
)

type testRig struct {
	bus     *events.Bus
	orders  *order.Manager
	engine  *StrategyManager
	metrics *telemetry.Registry
}

func newTestRig(t *testing.T, config Config) *testRig {
	t.Helper()

	bus := events.NewBus(zerolog.Nop())
	orders := order.NewManager(bus, order.NewSlippageSimulator(1), zerolog.Nop())
	metrics := telemetry.NewRegistry()
	engine := NewStrategyManager(config, bus, orders, nil, metrics, zerolog.Nop())
	engine.Start()
	t.Cleanup(engine.Shutdown)

	return &testRig{bus: bus, orders: orders, engine: engine, metrics: metrics}
}

func gte(indicator string, value float64) strategy.Condition {
	return strategy.Condition{ConditionType: indicator, Operator: strategy.OpGTE, Value: value, Enabled: true}
}

func lte(indicator string, value float64) strategy.Condition {
	return strategy.Condition{ConditionType: indicator, Operator: strategy.OpLTE, Value: value, Enabled: true}
}

func lt(indicator string, value float64) strategy.Condition {
	return strategy.Condition{ConditionType: indicator, Operator: strategy.OpLT, Value: value, Enabled: true}
}

// pumpTrader builds the canonical long pump strategy used across scenarios
func pumpTrader(symbol string) *strategy.Strategy {
	s := strategy.New("pump_trader", strategy.DirectionLong, symbol)
	s.S1.Conditions = []strategy.Condition{gte("pump_magnitude_pct", 5), gte("volume_surge_ratio", 2)}
	s.Z1.Conditions = []strategy.Condition{gte("pump_magnitude_pct", 4)}
	s.ZE1.Conditions = []strategy.Condition{gte("profit_pct", 10)}
	s.E1.Conditions = []strategy.Condition{lte("price_velocity", -15)}
	return s
}

type signalRecorder struct {
	mu      sync.Mutex
	signals []events.Event
}

func recordSignals(bus *events.Bus) *signalRecorder {
	r := &signalRecorder{}
	bus.Subscribe(events.TopicSignalGenerated, func(e events.Event) {
		r.mu.Lock()
		r.signals = append(r.signals, e)
		r.mu.Unlock()
	})
	return r
}

func (r *signalRecorder) ofType(signalType string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.signals {
		if e.Data["signal_type"] == signalType {
			out = append(out, e)
		}
	}
	return out
}

func mustState(t *testing.T, engine *StrategyManager, name string, want strategy.State) {
	t.Helper()
	got, ok := engine.StrategyState(name)
	if !ok {
		t.Fatalf("Strategy %s not registered", name)
	}
	if got != want {
		t.Fatalf("Expected state %s, got %s", want, got)
	}
}

// TestFullProfitableCycle walks a long strategy through detection, entry,
// profit-taking and exit
func TestFullProfitableCycle(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	rec := recordSignals(rig.bus)

	s := pumpTrader("PUMPUSDT")
	if err := rig.engine.AddStrategy(s); err != nil {
		t.Fatalf("AddStrategy failed: %v", err)
	}

	// Detection: both S1 conditions met
	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "pump_magnitude_pct", 7.5)
	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "volume_surge_ratio", 3.0)
	mustState(t, rig.engine, "pump_trader", strategy.StateSignalDetected)

	entry := rec.ofType("S1")
	if len(entry) != 1 {
		t.Fatalf("Expected 1 S1 signal, got %d", len(entry))
	}
	if entry[0].Data["side"] != "buy" || entry[0].Data["action"] != "BUY" {
		t.Errorf("Expected buy/BUY signal, got %v/%v", entry[0].Data["side"], entry[0].Data["action"])
	}
	if status := rig.engine.SlotStatus(); status["held"].(int) != 1 {
		t.Errorf("Expected 1 held slot, got %v", status["held"])
	}

	// Entry gate: Z1 passes, price cached for sizing
	rig.bus.PublishPriceUpdate("PUMPUSDT", 51000)
	mustState(t, rig.engine, "pump_trader", strategy.StateEntryEvaluation)

	// Next evaluation submits the entry order
	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "pump_magnitude_pct", 6.0)
	mustState(t, rig.engine, "pump_trader", strategy.StatePositionActive)

	pos := rig.orders.GetPosition("PUMPUSDT")
	if pos == nil || pos.Quantity <= 0 {
		t.Fatalf("Expected an open LONG position, got %+v", pos)
	}

	// Profit gate triggers the close path
	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "profit_pct", 12)
	mustState(t, rig.engine, "pump_trader", strategy.StateCloseOrderEvaluation)
	if len(rec.ofType("ZE1")) != 1 {
		t.Fatal("Expected a ZE1 signal")
	}

	// Close order executes on the next tick
	rig.bus.PublishPriceUpdate("PUMPUSDT", 56000)
	mustState(t, rig.engine, "pump_trader", strategy.StateExited)

	if pos := rig.orders.GetPosition("PUMPUSDT"); pos.Quantity != 0 {
		t.Errorf("Expected flat position after close, got %v", pos.Quantity)
	}
	if status := rig.engine.SlotStatus(); status["held"].(int) != 0 {
		t.Errorf("Expected slot released after exit, got %v held", status["held"])
	}
	if s.CooldownReason != "position_exited" {
		t.Errorf("Expected exit cooldown armed, got %q", s.CooldownReason)
	}
}

// TestEmergencyOverridesProfit verifies the emergency gate wins when both
// exit gates would trigger on the same tick
func TestEmergencyOverridesProfit(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	rec := recordSignals(rig.bus)

	s := pumpTrader("PUMPUSDT")
	rig.engine.AddStrategy(s)

	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "pump_magnitude_pct", 7.5)
	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "volume_surge_ratio", 3.0)
	rig.bus.PublishPriceUpdate("PUMPUSDT", 51000)
	// The crash indicator lands in the cache while the entry order goes out
	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "price_velocity", -20)
	mustState(t, rig.engine, "pump_trader", strategy.StatePositionActive)

	// Both gates now true: E1 (price_velocity) must win over ZE1 (profit)
	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "profit_pct", 10)

	if len(rec.ofType("ZE1")) != 0 {
		t.Error("ZE1 must not fire when E1 triggers on the same tick")
	}
	if len(rec.ofType("E1")) != 1 {
		t.Fatal("Expected an E1 signal")
	}
	if s.CooldownReason != "emergency_exit" {
		t.Errorf("Expected emergency cooldown, got %q", s.CooldownReason)
	}
	remaining := time.Until(s.CooldownUntil)
	if remaining < 29*time.Minute || remaining > 30*time.Minute {
		t.Errorf("Expected ~30 min cooldown, got %v", remaining)
	}
	if pos := rig.orders.GetPosition("PUMPUSDT"); pos != nil && pos.Quantity != 0 {
		t.Errorf("Expected position liquidated, got %v", pos.Quantity)
	}
}

// TestCancellationReleasesResources verifies O1 aborts a detected signal,
// returns the slot and lock, and arms the cancellation cooldown
func TestCancellationReleasesResources(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())

	s := pumpTrader("PUMPUSDT")
	s.O1.Conditions = []strategy.Condition{lt("pump_magnitude_pct", 3)}
	rig.engine.AddStrategy(s)

	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "pump_magnitude_pct", 7.5)
	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "volume_surge_ratio", 3.0)
	mustState(t, rig.engine, "pump_trader", strategy.StateSignalDetected)

	// Pump fades below the cancellation threshold
	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "pump_magnitude_pct", 2.0)
	mustState(t, rig.engine, "pump_trader", strategy.StateSignalCancelled)

	if status := rig.engine.SlotStatus(); status["held"].(int) != 0 {
		t.Errorf("Expected slot released on cancellation, got %v held", status["held"])
	}
	if _, held := rig.engine.locks.Owner("PUMPUSDT"); held {
		t.Error("Expected symbol lock released on cancellation")
	}
	if s.CooldownReason != "signal_cancelled" {
		t.Errorf("Expected cancellation cooldown, got %q", s.CooldownReason)
	}
	remaining := time.Until(s.CooldownUntil)
	if remaining < 4*time.Minute || remaining > 5*time.Minute {
		t.Errorf("Expected ~5 min cooldown, got %v", remaining)
	}
}

// TestSlotEventsUseSignalNamespace verifies slot arbitration publishes
// signal.slot_acquired and signal.slot_released
func TestSlotEventsUseSignalNamespace(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())

	acquired := make(chan events.Event, 1)
	released := make(chan events.Event, 1)
	rig.bus.Subscribe(events.Topic("signal.slot_acquired"), func(e events.Event) {
		select {
		case acquired <- e:
		default:
		}
	})
	rig.bus.Subscribe(events.Topic("signal.slot_released"), func(e events.Event) {
		select {
		case released <- e:
		default:
		}
	})

	s := pumpTrader("PUMPUSDT")
	s.O1.Conditions = []strategy.Condition{lt("pump_magnitude_pct", 3)}
	rig.engine.AddStrategy(s)

	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "pump_magnitude_pct", 7.5)
	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "volume_surge_ratio", 3.0)
	mustState(t, rig.engine, "pump_trader", strategy.StateSignalDetected)

	select {
	case e := <-acquired:
		if e.Data["strategy_name"].(string) != "pump_trader" {
			t.Errorf("Unexpected slot_acquired payload: %v", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected signal.slot_acquired event")
	}

	// Cancellation returns the slot
	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "pump_magnitude_pct", 2.0)
	mustState(t, rig.engine, "pump_trader", strategy.StateSignalCancelled)

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected signal.slot_released event")
	}
}

// TestEmptyCancellationGroupNeverCancels verifies an empty O1 leaves a
// detected signal alone
func TestEmptyCancellationGroupNeverCancels(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())

	s := pumpTrader("PUMPUSDT")
	s.Z1.Conditions = []strategy.Condition{gte("pump_magnitude_pct", 100)} // keep it parked
	rig.engine.AddStrategy(s)

	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "pump_magnitude_pct", 7.5)
	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "volume_surge_ratio", 3.0)
	mustState(t, rig.engine, "pump_trader", strategy.StateSignalDetected)

	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "pump_magnitude_pct", 6.0)
	mustState(t, rig.engine, "pump_trader", strategy.StateSignalDetected)
}

// TestSlotContention verifies that with a budget of 3, ten triggering
// strategies yield exactly three detections and seven stay in MONITORING
func TestSlotContention(t *testing.T) {
	rig := newTestRig(t, Config{MaxConcurrentSignals: 3, MaxEvalsPerSecond: 1000})

	symbols := []string{"AAAUSDT", "BBBUSDT", "CCCUSDT", "DDDUSDT", "EEEUSDT",
		"FFFUSDT", "GGGUSDT", "HHHUSDT", "IIIUSDT", "JJJUSDT"}
	for i, symbol := range symbols {
		s := strategy.New(symbol+"-trader", strategy.DirectionLong, symbol)
		s.S1.Conditions = []strategy.Condition{gte("pump_magnitude_pct", 5)}
		if err := rig.engine.AddStrategy(s); err != nil {
			t.Fatalf("AddStrategy %d failed: %v", i, err)
		}
	}

	for _, symbol := range symbols {
		rig.bus.PublishIndicatorUpdate(symbol, "pump_magnitude_pct", 7.0)
	}

	detected, monitoring := 0, 0
	for _, symbol := range symbols {
		state, _ := rig.engine.StrategyState(symbol + "-trader")
		switch state {
		case strategy.StateSignalDetected:
			detected++
		case strategy.StateMonitoring:
			monitoring++
		}
	}
	if detected != 3 {
		t.Errorf("Expected exactly 3 detections, got %d", detected)
	}
	if monitoring != 7 {
		t.Errorf("Expected 7 strategies still monitoring, got %d", monitoring)
	}
	if got := rig.metrics.Counter("engine.slot_unavailable"); got != 7 {
		t.Errorf("Expected 7 slot rejections, got %d", got)
	}
}

// TestSymbolLockBlocksSecondStrategy verifies two strategies on one symbol
// cannot both carry an active signal
func TestSymbolLockBlocksSecondStrategy(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())

	a := strategy.New("first", strategy.DirectionLong, "PUMPUSDT")
	a.S1.Conditions = []strategy.Condition{gte("pump_magnitude_pct", 5)}
	b := strategy.New("second", strategy.DirectionLong, "PUMPUSDT")
	b.S1.Conditions = []strategy.Condition{gte("pump_magnitude_pct", 5)}
	rig.engine.AddStrategy(a)
	rig.engine.AddStrategy(b)

	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "pump_magnitude_pct", 7.0)

	aState, _ := rig.engine.StrategyState("first")
	bState, _ := rig.engine.StrategyState("second")
	inSignal := 0
	if aState == strategy.StateSignalDetected {
		inSignal++
	}
	if bState == strategy.StateSignalDetected {
		inSignal++
	}
	if inSignal != 1 {
		t.Errorf("Expected exactly one strategy past detection, got %d (%s, %s)", inSignal, aState, bState)
	}
}

// TestCooldownResume verifies an exited strategy returns to MONITORING
// once its cooldown expires, with the cycle timestamps cleared
func TestCooldownResume(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())

	s := pumpTrader("PUMPUSDT")
	rig.engine.AddStrategy(s)

	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "pump_magnitude_pct", 7.5)
	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "volume_surge_ratio", 3.0)
	rig.bus.PublishPriceUpdate("PUMPUSDT", 51000)
	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "pump_magnitude_pct", 6.0)
	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "profit_pct", 12)
	rig.bus.PublishPriceUpdate("PUMPUSDT", 56000)
	mustState(t, rig.engine, "pump_trader", strategy.StateExited)

	// Still cooling: the next tick is gated
	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "pump_magnitude_pct", 1.0)
	mustState(t, rig.engine, "pump_trader", strategy.StateExited)

	// Jump past the 5 minute exit cooldown
	future := time.Now().Add(6 * time.Minute)
	rig.engine.SetClock(func() time.Time { return future })

	rig.bus.PublishIndicatorUpdate("PUMPUSDT", "pump_magnitude_pct", 1.0)
	mustState(t, rig.engine, "pump_trader", strategy.StateMonitoring)

	if !s.SignalDetectionTime.IsZero() || !s.EntryTime.IsZero() || !s.ExitTime.IsZero() {
		t.Error("Expected cycle timestamps cleared on resume")
	}
	if !s.CooldownUntil.IsZero() {
		t.Error("Expected cooldown cleared on resume")
	}
}

// TestEvaluationRateLimit verifies excess evaluations inside one rolling
// second are dropped
func TestEvaluationRateLimit(t *testing.T) {
	rig := newTestRig(t, Config{MaxEvalsPerSecond: 2})

	s := pumpTrader("PUMPUSDT")
	rig.engine.AddStrategy(s)

	for i := 0; i < 5; i++ {
		rig.bus.PublishIndicatorUpdate("PUMPUSDT", "pump_magnitude_pct", 1.0)
	}

	if got := rig.metrics.Counter("engine.evaluations_total"); got != 2 {
		t.Errorf("Expected 2 admitted evaluations, got %d", got)
	}
	if got := rig.metrics.Counter("engine.rate_limit_exceeded"); got != 3 {
		t.Errorf("Expected 3 dropped evaluations, got %d", got)
	}
}

// TestOwnEventsIgnored verifies the loop-prevention source tag
func TestOwnEventsIgnored(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())

	s := pumpTrader("PUMPUSDT")
	rig.engine.AddStrategy(s)

	rig.bus.Publish(events.Event{
		Topic:  events.TopicIndicatorUpdated,
		Source: events.SourceStrategyManager,
		Data: map[string]interface{}{
			"symbol":         "PUMPUSDT",
			"indicator_type": "pump_magnitude_pct",
			"value":          7.5,
		},
	})

	if got := rig.metrics.Counter("engine.evaluations_total"); got != 0 {
		t.Errorf("Expected self-tagged events ignored, got %d evaluations", got)
	}
}

// TestShutdownUnsubscribesEverything verifies no engine handlers remain on
// the bus after shutdown
func TestShutdownUnsubscribesEverything(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	orders := order.NewManager(bus, order.NewSlippageSimulator(1), zerolog.Nop())
	engine := NewStrategyManager(DefaultConfig(), bus, orders, nil, telemetry.NewRegistry(), zerolog.Nop())
	engine.Start()

	if bus.SubscriberCount(events.TopicIndicatorUpdated) != 1 {
		t.Fatal("Expected an indicator subscription after start")
	}

	engine.Shutdown()

	if bus.SubscriberCount(events.TopicIndicatorUpdated) != 0 {
		t.Error("Expected indicator subscription removed")
	}
	if bus.SubscriberCount(events.TopicPriceUpdate) != 0 {
		t.Error("Expected price subscription removed")
	}
	if bus.SubscriberCount(events.TopicPositionClosed) != 0 {
		t.Error("Expected position subscription removed")
	}
}

// TestLosingCloseTripsDrawdownHalt verifies realized losses flow from the
// order manager into the budget manager and halt new entries
func TestLosingCloseTripsDrawdownHalt(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	orders := order.NewManager(bus, order.NewSlippageSimulator(1), zerolog.Nop())
	riskMgr := risk.NewBudgetManager(risk.Config{
		AccountBalance:   10000,
		MaxOpenPositions: 3,
		MaxDailyDrawdown: 10,
		MaxPositionPct:   100,
	}, zerolog.Nop())
	engine := NewStrategyManager(DefaultConfig(), bus, orders, riskMgr, telemetry.NewRegistry(), zerolog.Nop())
	engine.Start()
	t.Cleanup(engine.Shutdown)

	if _, err := orders.SubmitOrder(order.SubmitRequest{
		Symbol: "PUMPUSDT", Side: order.SideBuy, Quantity: 1, Price: 50000,
		StrategyName: "halt_trader", Leverage: 1,
	}); err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}

	// Close 2000 below entry: a 20% drawdown on the 10000 account
	if _, err := orders.ClosePosition("PUMPUSDT", 48000, "halt_trader", 0); err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}

	ok, reason := riskMgr.CanOpenPositionSync("PUMPUSDT", 100)
	if ok {
		t.Fatal("Expected drawdown halt after losing close")
	}
	if !strings.Contains(reason, "drawdown") {
		t.Errorf("Unexpected halt reason: %q", reason)
	}
	if a := riskMgr.AssessPositionRisk("PUMPUSDT", 1, 100, 1); a.Approved {
		t.Error("Expected assessment rejected while halted")
	}
}

// TestAddStrategyValidation verifies registration rejects incomplete
// strategies
func TestAddStrategyValidation(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())

	if err := rig.engine.AddStrategy(nil); err == nil {
		t.Error("Expected rejection of nil strategy")
	}
	if err := rig.engine.AddStrategy(strategy.New("", strategy.DirectionLong, "PUMPUSDT")); err == nil {
		t.Error("Expected rejection of empty name")
	}
	if err := rig.engine.AddStrategy(strategy.New("x", strategy.DirectionLong, "")); err == nil {
		t.Error("Expected rejection of empty symbol")
	}
	if err := rig.engine.AddStrategy(strategy.New("x", "SIDEWAYS", "PUMPUSDT")); err == nil {
		t.Error("Expected rejection of unknown direction")
	}

	s := pumpTrader("PUMPUSDT")
	if err := rig.engine.AddStrategy(s); err != nil {
		t.Fatalf("AddStrategy failed: %v", err)
	}
	if err := rig.engine.AddStrategy(pumpTrader("PUMPUSDT")); err == nil {
		t.Error("Expected rejection of duplicate name")
	}
}
