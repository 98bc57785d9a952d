// Package engine runs the per-(strategy, symbol) trading state machine. It
// caches indicator values, arbitrates signal slots and symbol locks, and
// drives strategies through the signal lifecycle:
//
//	MONITORING → SIGNAL_DETECTED → ENTRY_EVALUATION → POSITION_ACTIVE
//	           → CLOSE_ORDER_EVALUATION | EMERGENCY_EXIT → EXITED
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pump-trading-bot/internal/events"
	"pump-trading-bot/internal/order"
	"pump-trading-bot/internal/risk"
	"pump-trading-bot/internal/strategy"
	"pump-trading-bot/internal/telemetry"
)

// Config holds the engine policy knobs
type Config struct {
	MaxConcurrentSignals int           // global signal slot budget
	MaxEvalsPerSecond    int           // rolling-second evaluation throttle
	MaxSlippagePct       float64       // slippage cap passed to market orders
	DiagnosticTimeout    time.Duration // budget for background diagnostic publishes
}

// DefaultConfig returns the standard engine policy
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSignals: 3,
		MaxEvalsPerSecond:    50,
		MaxSlippagePct:       0.5,
		DiagnosticTimeout:    50 * time.Millisecond,
	}
}

// DefaultAvailableCapital is the capital fallback when neither a risk
// manager nor a strategy-level initial capital is configured
const DefaultAvailableCapital = 10000

// managed pairs a strategy with its evaluation mutex. An indicator update
// evaluates one strategy at a time; the mutex makes each strategy's state
// transitions linearizable.
type managed struct {
	mu sync.Mutex
	s  *strategy.Strategy
	id string
}

// StrategyManager is the state-machine engine. The fixed lock order is
// evaluation mutex, then slot table, then symbol-lock table, then indicator
// cache. No code path takes them in any other order.
type StrategyManager struct {
	config  Config
	bus     *events.Bus
	orders  *order.Manager
	risk    risk.Manager
	metrics *telemetry.Registry
	logger  zerolog.Logger

	strategiesMu   sync.Mutex
	strategies     map[string]*managed
	activeBySymbol map[string][]string

	slots *slotTable
	locks *symbolLockTable

	indicatorsMu sync.Mutex
	indicators   map[string]strategy.IndicatorValues

	evalMu         sync.Mutex
	evalInProgress map[string]bool

	rate *rateLimiter

	rootCtx    context.Context
	cancelRoot context.CancelFunc
	taskWG     sync.WaitGroup

	subs []*events.Subscription

	now func() time.Time
}

// NewStrategyManager wires the engine to the bus, order manager and an
// optional risk manager (nil disables risk gating).
func NewStrategyManager(config Config, bus *events.Bus, orders *order.Manager, riskMgr risk.Manager, metrics *telemetry.Registry, logger zerolog.Logger) *StrategyManager {
	defaults := DefaultConfig()
	if config.MaxConcurrentSignals <= 0 {
		config.MaxConcurrentSignals = defaults.MaxConcurrentSignals
	}
	if config.MaxEvalsPerSecond <= 0 {
		config.MaxEvalsPerSecond = defaults.MaxEvalsPerSecond
	}
	if config.DiagnosticTimeout <= 0 {
		config.DiagnosticTimeout = defaults.DiagnosticTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &StrategyManager{
		config:         config,
		bus:            bus,
		orders:         orders,
		risk:           riskMgr,
		metrics:        metrics,
		logger:         logger.With().Str("component", "StrategyManager").Logger(),
		strategies:     make(map[string]*managed),
		activeBySymbol: make(map[string][]string),
		slots:          newSlotTable(config.MaxConcurrentSignals),
		locks:          newSymbolLockTable(),
		indicators:     make(map[string]strategy.IndicatorValues),
		evalInProgress: make(map[string]bool),
		rate:           newRateLimiter(config.MaxEvalsPerSecond, time.Second),
		rootCtx:        ctx,
		cancelRoot:     cancel,
		now:            time.Now,
	}
}

// SetClock overrides the time source for deterministic tests
func (sm *StrategyManager) SetClock(now func() time.Time) {
	sm.now = now
}

// Start subscribes the engine to its input topics
func (sm *StrategyManager) Start() {
	sm.subs = append(sm.subs,
		sm.bus.Subscribe(events.TopicIndicatorUpdated, sm.handleIndicatorUpdate),
		sm.bus.Subscribe(events.TopicPriceUpdate, sm.handlePriceUpdate),
		sm.bus.Subscribe(events.TopicPositionClosed, sm.handlePositionClosed),
	)
	sm.logger.Info().
		Int("max_concurrent_signals", sm.config.MaxConcurrentSignals).
		Int("max_evals_per_second", sm.config.MaxEvalsPerSecond).
		Msg("Strategy manager started")
}

// Shutdown cancels pending background tasks, waits for them, and removes
// every bus subscription.
func (sm *StrategyManager) Shutdown() {
	sm.cancelRoot()
	sm.taskWG.Wait()

	for _, sub := range sm.subs {
		sm.bus.Unsubscribe(sub)
	}
	sm.subs = nil

	sm.logger.Info().Msg("Strategy manager stopped")
}

// AddStrategy registers a strategy for evaluation. The strategy must carry
// a name, a symbol and a known direction.
func (sm *StrategyManager) AddStrategy(s *strategy.Strategy) error {
	if s == nil {
		return errors.New("nil strategy")
	}
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("strategy name is empty")
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("strategy %s: symbol is empty", s.Name)
	}
	switch s.Direction {
	case strategy.DirectionLong, strategy.DirectionShort, strategy.DirectionBoth:
	default:
		return fmt.Errorf("strategy %s: unknown direction %q", s.Name, s.Direction)
	}
	if s.CurrentState == "" || s.CurrentState == strategy.StateInactive {
		s.CurrentState = strategy.StateMonitoring
	}

	sm.strategiesMu.Lock()
	defer sm.strategiesMu.Unlock()

	if _, exists := sm.strategies[s.Name]; exists {
		return fmt.Errorf("strategy %s already registered", s.Name)
	}
	sm.strategies[s.Name] = &managed{s: s, id: uuid.NewString()}
	if s.Enabled {
		sm.activeBySymbol[s.Symbol] = append(sm.activeBySymbol[s.Symbol], s.Name)
	}

	sm.logger.Info().
		Str("strategy", s.Name).
		Str("symbol", s.Symbol).
		Str("direction", string(s.Direction)).
		Msg("Strategy registered")
	return nil
}

// RemoveStrategy deregisters a strategy and releases any slot or symbol
// lock it still holds
func (sm *StrategyManager) RemoveStrategy(name string) {
	sm.strategiesMu.Lock()
	m, ok := sm.strategies[name]
	if ok {
		delete(sm.strategies, name)
		symbol := m.s.Symbol
		list := sm.activeBySymbol[symbol]
		for i, n := range list {
			if n == name {
				sm.activeBySymbol[symbol] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(sm.activeBySymbol[symbol]) == 0 {
			delete(sm.activeBySymbol, symbol)
		}
	}
	sm.strategiesMu.Unlock()

	if ok {
		sm.slots.Release(name)
		sm.locks.Release(m.s.Symbol, name)
		if sm.risk != nil {
			sm.risk.ReleaseBudget(name)
		}
	}
}

// StrategyState returns the current lifecycle state of a strategy
func (sm *StrategyManager) StrategyState(name string) (strategy.State, bool) {
	sm.strategiesMu.Lock()
	m, ok := sm.strategies[name]
	sm.strategiesMu.Unlock()
	if !ok {
		return "", false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.CurrentState, true
}

// SlotStatus returns a point-in-time view of the signal slot budget. The
// snapshot may be stale after return; decisions must go through the atomic
// acquire path.
func (sm *StrategyManager) SlotStatus() map[string]interface{} {
	held, max, holders := sm.slots.Status()
	return map[string]interface{}{
		"held":    held,
		"max":     max,
		"holders": holders,
	}
}

// handleIndicatorUpdate caches the value and evaluates strategies on the
// symbol. Events tagged with the engine's own source are ignored to prevent
// feedback loops.
func (sm *StrategyManager) handleIndicatorUpdate(event events.Event) {
	if event.Source == events.SourceStrategyManager {
		return
	}

	symbol, _ := event.Data["symbol"].(string)
	indicator, _ := event.Data["indicator_type"].(string)
	if indicator == "" {
		indicator, _ = event.Data["indicator"].(string)
	}
	value, ok := toFloat(event.Data["value"])
	if symbol == "" || indicator == "" || !ok {
		return
	}

	sm.storeIndicator(symbol, indicator, value)
	sm.evaluateSymbol(symbol)
}

// handlePriceUpdate stores the tick under both price and last_price and
// evaluates the symbol
func (sm *StrategyManager) handlePriceUpdate(event events.Event) {
	if event.Source == events.SourceStrategyManager {
		return
	}

	symbol, _ := event.Data["symbol"].(string)
	price, ok := toFloat(event.Data["price"])
	if symbol == "" || !ok {
		return
	}

	sm.storeIndicator(symbol, "price", price)
	sm.storeIndicator(symbol, "last_price", price)
	sm.evaluateSymbol(symbol)
}

// handlePositionClosed feeds realized results from the order manager into
// the risk manager's daily accounting so the drawdown halt can trigger
func (sm *StrategyManager) handlePositionClosed(event events.Event) {
	if sm.risk == nil {
		return
	}
	pnl, ok := toFloat(event.Data["realized_pnl"])
	if !ok {
		return
	}
	sm.risk.RecordRealizedPnL(pnl)
}

func (sm *StrategyManager) storeIndicator(symbol, indicator string, value float64) {
	sm.indicatorsMu.Lock()
	defer sm.indicatorsMu.Unlock()

	values, ok := sm.indicators[symbol]
	if !ok {
		values = make(strategy.IndicatorValues)
		sm.indicators[symbol] = values
	}
	values.Set(indicator, value)
}

// indicatorSnapshot copies the symbol's cache so evaluation runs on a
// consistent view without holding the cache mutex
func (sm *StrategyManager) indicatorSnapshot(symbol string) strategy.IndicatorValues {
	sm.indicatorsMu.Lock()
	defer sm.indicatorsMu.Unlock()

	snapshot := make(strategy.IndicatorValues, len(sm.indicators[symbol]))
	for k, v := range sm.indicators[symbol] {
		snapshot[k] = v
	}
	return snapshot
}

// evaluateSymbol runs the state machine for every active strategy on the
// symbol. Re-entrant evaluation for the same symbol is short-circuited.
func (sm *StrategyManager) evaluateSymbol(symbol string) {
	sm.evalMu.Lock()
	if sm.evalInProgress[symbol] {
		sm.evalMu.Unlock()
		return
	}
	sm.evalInProgress[symbol] = true
	sm.evalMu.Unlock()

	defer func() {
		sm.evalMu.Lock()
		delete(sm.evalInProgress, symbol)
		sm.evalMu.Unlock()
	}()

	sm.strategiesMu.Lock()
	names := make([]string, len(sm.activeBySymbol[symbol]))
	copy(names, sm.activeBySymbol[symbol])
	sm.strategiesMu.Unlock()

	for _, name := range names {
		sm.strategiesMu.Lock()
		m, ok := sm.strategies[name]
		sm.strategiesMu.Unlock()
		if !ok {
			continue
		}
		sm.evaluateStrategy(m)
	}
}

// evaluateStrategy dispatches one state-machine step under the strategy's
// evaluation mutex. Failures are contained to this strategy.
func (sm *StrategyManager) evaluateStrategy(m *managed) {
	now := sm.now()
	if !sm.rate.Allow(now) {
		sm.metrics.Inc("engine.rate_limit_exceeded", 1)
		sm.logger.Warn().
			Str("strategy", m.s.Name).
			Msg("rate_limit_exceeded: evaluation dropped")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			sm.metrics.Inc("engine.evaluation_panics", 1)
			sm.logger.Error().
				Str("strategy", m.s.Name).
				Interface("panic", r).
				Msg("Evaluation crashed, strategy isolated")
		}
	}()

	sm.metrics.Inc("engine.evaluations_total", 1)

	s := m.s
	if !s.Enabled {
		return
	}

	// Cooldown gates re-entry to MONITORING. While armed, nothing runs.
	if s.InCooldown(now) {
		sm.publishDiagnostic("cooldown_active", s, map[string]interface{}{
			"cooldown_until": s.CooldownUntil.Unix(),
			"reason":         s.CooldownReason,
		})
		return
	}
	if s.CurrentState == strategy.StateExited || s.CurrentState == strategy.StateSignalCancelled {
		previous := s.CurrentState
		s.ResetToMonitoring()
		sm.publishDiagnostic("monitoring_resumed", s, map[string]interface{}{
			"previous_state": string(previous),
			"reason":         "cooldown_expired",
		})
	}

	values := sm.indicatorSnapshot(s.Symbol)

	switch s.CurrentState {
	case strategy.StateMonitoring:
		sm.stepMonitoring(m, values, now)
	case strategy.StateSignalDetected:
		sm.stepSignalDetected(m, values, now)
	case strategy.StateEntryEvaluation:
		sm.stepEntryEvaluation(m, values, now)
	case strategy.StatePositionActive:
		sm.stepPositionActive(m, values, now)
	case strategy.StateCloseOrderEvaluation:
		sm.stepCloseOrderEvaluation(m, values, now)
	case strategy.StateEmergencyExit:
		sm.stepEmergencyExit(m, values, now)
	}
}

// stepMonitoring evaluates S1 and, on trigger, claims a slot and the symbol
// lock before entering SIGNAL_DETECTED
func (sm *StrategyManager) stepMonitoring(m *managed, values strategy.IndicatorValues, now time.Time) {
	s := m.s
	if s.S1.Evaluate(values) != strategy.ResultTrue {
		return
	}

	if !sm.slots.Acquire(s.Name) {
		sm.metrics.Inc("engine.slot_unavailable", 1)
		sm.publishDiagnostic("signal_slot_unavailable", s, nil)
		return
	}
	if !sm.locks.Acquire(s.Symbol, s.Name) {
		// Roll back: a strategy in MONITORING must not hold a slot
		sm.slots.Release(s.Name)
		sm.metrics.Inc("engine.symbol_lock_unavailable", 1)
		sm.publishDiagnostic("symbol_lock_unavailable", s, nil)
		return
	}

	s.SignalDetectionTime = now
	s.CurrentState = strategy.StateSignalDetected
	sm.metrics.Inc("engine.signals_detected", 1)

	sm.publishDiagnostic("slot_acquired", s, nil)
	sm.publishSignal(m, "S1", s.EntrySide(), values, now)

	sm.logger.Info().
		Str("strategy", s.Name).
		Str("symbol", s.Symbol).
		Strs("conditions_met", s.S1.MetConditions(values)).
		Msg("Signal detected")
}

// stepSignalDetected checks cancellation first, then the entry gate.
// signal_age_seconds is injected so both gates can condition on it.
func (sm *StrategyManager) stepSignalDetected(m *managed, values strategy.IndicatorValues, now time.Time) {
	s := m.s
	values.Set("signal_age_seconds", now.Sub(s.SignalDetectionTime).Seconds())

	if s.O1.Evaluate(values) == strategy.ResultTrue {
		sm.releaseArbitration(s)
		s.CurrentState = strategy.StateSignalCancelled
		s.StartCooldown(now, s.GlobalLimits.SignalCancellationCooldownMinutes, "signal_cancelled")
		sm.metrics.Inc("engine.signals_cancelled", 1)
		sm.publishDiagnostic("signal_cancelled", s, map[string]interface{}{
			"conditions_met": s.O1.MetConditions(values),
		})
		sm.logger.Info().
			Str("strategy", s.Name).
			Str("symbol", s.Symbol).
			Msg("Signal cancelled")
		return
	}

	if s.Z1.Evaluate(values) == strategy.ResultTrue {
		s.CurrentState = strategy.StateEntryEvaluation
		sm.publishDiagnostic("entry_evaluation", s, nil)
	}
}

// stepEntryEvaluation sizes the position, consults the risk layer and
// submits the entry order
func (sm *StrategyManager) stepEntryEvaluation(m *managed, values strategy.IndicatorValues, now time.Time) {
	s := m.s

	price, ok := values.Lookup("price")
	if !ok || price <= 0 {
		sm.publishDiagnostic("entry_deferred", s, map[string]interface{}{
			"reason": "no price available",
		})
		return
	}

	riskValue, _ := values.Lookup("risk_indicator")
	pct := s.GlobalLimits.PositionSizePct(riskValue)

	capital := s.GlobalLimits.InitialCapital
	if sm.risk != nil {
		capital = sm.risk.GetAvailableCapital()
	}
	if capital <= 0 {
		capital = DefaultAvailableCapital
	}

	quantity := strategy.Quantity(capital, pct, price)
	if quantity <= 0 {
		sm.revertToMonitoring(s, "position size computed as zero")
		return
	}

	leverage := s.Leverage
	if leverage < 1 {
		leverage = 1
	}

	if sm.risk != nil {
		assessment := sm.risk.AssessPositionRisk(s.Symbol, quantity, price, leverage)
		if !assessment.Approved {
			sm.revertToMonitoring(s, assessment.Reason)
			return
		}
		if ok, reason := sm.risk.CanOpenPositionSync(s.Symbol, assessment.Notional); !ok {
			sm.revertToMonitoring(s, reason)
			return
		}
		if err := sm.risk.ReserveBudget(s.Name, assessment.Notional); err != nil {
			sm.revertToMonitoring(s, err.Error())
			return
		}
	}

	side, err := order.ParseSide(s.EntrySide())
	if err != nil {
		sm.revertToMonitoring(s, err.Error())
		return
	}

	_, err = sm.orders.SubmitOrder(order.SubmitRequest{
		Symbol:         s.Symbol,
		Side:           side,
		Quantity:       quantity,
		Price:          price,
		StrategyName:   s.Name,
		Leverage:       leverage,
		Kind:           order.KindMarket,
		MaxSlippagePct: sm.config.MaxSlippagePct,
	})
	if err != nil {
		// External failure: the reservation made this attempt is rolled
		// back, the state stays put for the next tick.
		if sm.risk != nil {
			sm.risk.ReleaseBudget(s.Name)
		}
		sm.metrics.Inc("engine.entry_order_failures", 1)
		sm.logger.Error().Err(err).
			Str("strategy", s.Name).
			Str("symbol", s.Symbol).
			Msg("Entry order failed")
		return
	}

	s.CurrentState = strategy.StatePositionActive
	s.PositionActive = true
	s.EntryTime = now
	sm.metrics.Inc("engine.positions_opened", 1)
	sm.publishDiagnostic("position_entered", s, map[string]interface{}{
		"quantity": quantity,
		"price":    price,
		"leverage": leverage,
	})
}

// stepPositionActive evaluates the exit gates. E1 runs strictly before ZE1:
// when both trigger on the same tick the position takes the emergency path.
func (sm *StrategyManager) stepPositionActive(m *managed, values strategy.IndicatorValues, now time.Time) {
	s := m.s

	if s.E1.Evaluate(values) == strategy.ResultTrue {
		s.CurrentState = strategy.StateEmergencyExit
		s.StartCooldown(now, s.GlobalLimits.EmergencyExitCooldownMinutes, "emergency_exit")
		sm.metrics.Inc("engine.emergency_exits", 1)
		sm.publishSignal(m, "E1", s.ExitSide(), values, now)
		sm.logger.Warn().
			Str("strategy", s.Name).
			Str("symbol", s.Symbol).
			Strs("conditions_met", s.E1.MetConditions(values)).
			Msg("Emergency exit triggered")

		// Execute immediately rather than waiting for the next tick
		sm.stepEmergencyExit(m, values, now)
		return
	}

	if s.ZE1.Evaluate(values) == strategy.ResultTrue {
		s.CurrentState = strategy.StateCloseOrderEvaluation
		sm.publishSignal(m, "ZE1", s.ExitSide(), values, now)
	}
}

// stepCloseOrderEvaluation closes the position at the risk-adjusted price
func (sm *StrategyManager) stepCloseOrderEvaluation(m *managed, values strategy.IndicatorValues, now time.Time) {
	s := m.s

	price, ok := values.Lookup("price")
	if !ok || price <= 0 {
		return
	}

	riskValue, _ := values.Lookup("risk_indicator")
	adjusted := s.GlobalLimits.AdjustedClosePrice(price, riskValue)

	_, err := sm.orders.ClosePosition(s.Symbol, adjusted, s.Name, sm.config.MaxSlippagePct)
	if err != nil && !errors.Is(err, order.ErrNoPosition) {
		sm.metrics.Inc("engine.close_order_failures", 1)
		sm.logger.Error().Err(err).
			Str("strategy", s.Name).
			Str("symbol", s.Symbol).
			Msg("Close order failed")
		return
	}

	sm.finishCycle(s, now, s.GlobalLimits.ExitCooldownMinutes, "position_exited")
}

// stepEmergencyExit liquidates at the current price. The cooldown was armed
// on the transition in.
func (sm *StrategyManager) stepEmergencyExit(m *managed, values strategy.IndicatorValues, now time.Time) {
	s := m.s

	price, _ := values.Lookup("price")
	if price <= 0 {
		if entry, ok := values.Lookup("last_price"); ok && entry > 0 {
			price = entry
		}
	}
	if price <= 0 {
		return
	}

	_, err := sm.orders.EmergencyExit(s.Symbol, price, s.Name)
	if err != nil && !errors.Is(err, order.ErrNoPosition) {
		sm.logger.Error().Err(err).
			Str("strategy", s.Name).
			Str("symbol", s.Symbol).
			Msg("Emergency exit order failed")
		return
	}

	sm.finishCycle(s, now, 0, "emergency_exit")
}

// finishCycle moves the strategy to EXITED and returns every resource it
// held. A zero cooldown leaves the timer as armed by the caller.
func (sm *StrategyManager) finishCycle(s *strategy.Strategy, now time.Time, cooldownMinutes int, reason string) {
	s.CurrentState = strategy.StateExited
	s.PositionActive = false
	s.ExitTime = now
	if cooldownMinutes > 0 {
		s.StartCooldown(now, cooldownMinutes, reason)
	}

	sm.releaseArbitration(s)
	if sm.risk != nil {
		sm.risk.ReleaseBudget(s.Name)
	}

	sm.metrics.Inc("engine.positions_closed", 1)
	sm.publishDiagnostic("position_exited", s, map[string]interface{}{"reason": reason})
	sm.logger.Info().
		Str("strategy", s.Name).
		Str("symbol", s.Symbol).
		Str("reason", reason).
		Msg("Trade cycle complete")
}

// revertToMonitoring abandons a signal before entry: the slot and symbol
// lock go back, no cooldown is armed.
func (sm *StrategyManager) revertToMonitoring(s *strategy.Strategy, reason string) {
	sm.releaseArbitration(s)
	s.CurrentState = strategy.StateMonitoring
	s.SignalDetectionTime = time.Time{}
	sm.metrics.Inc("engine.entries_rejected", 1)
	sm.publishDiagnostic("entry_rejected", s, map[string]interface{}{"reason": reason})
	sm.logger.Warn().
		Str("strategy", s.Name).
		Str("symbol", s.Symbol).
		Str("reason", reason).
		Msg("Entry rejected")
}

func (sm *StrategyManager) releaseArbitration(s *strategy.Strategy) {
	sm.slots.Release(s.Name)
	sm.locks.Release(s.Symbol, s.Name)
	sm.publishDiagnostic("slot_released", s, nil)
}

// publishSignal emits signal_generated synchronously so the order layer and
// persistence observe it before the next evaluation step
func (sm *StrategyManager) publishSignal(m *managed, signalType, action string, values strategy.IndicatorValues, now time.Time) {
	s := m.s

	price, _ := values.Lookup("price")
	riskValue, _ := values.Lookup("risk_indicator")
	quantity := 0.0
	if price > 0 {
		capital := s.GlobalLimits.InitialCapital
		if sm.risk != nil {
			capital = sm.risk.GetAvailableCapital()
		}
		if capital <= 0 {
			capital = DefaultAvailableCapital
		}
		quantity = strategy.Quantity(capital, s.GlobalLimits.PositionSizePct(riskValue), price)
	}

	indicatorValues := make(map[string]interface{}, len(values))
	for k, v := range values {
		indicatorValues[k] = v
	}

	group := &s.S1
	switch signalType {
	case "ZE1":
		group = &s.ZE1
	case "E1":
		group = &s.E1
	}

	sm.bus.Publish(events.Event{
		Topic:  events.TopicSignalGenerated,
		Source: events.SourceStrategyManager,
		Data: map[string]interface{}{
			"signal_id":        uuid.NewString(),
			"signal_type":      signalType,
			"symbol":           s.Symbol,
			"side":             strings.ToLower(action),
			"action":           action,
			"quantity":         quantity,
			"price":            price,
			"strategy_name":    s.Name,
			"strategy_id":      m.id,
			"triggered":        true,
			"conditions_met":   group.MetConditions(values),
			"indicator_values": indicatorValues,
			"metadata":         map[string]interface{}{"direction": string(s.Direction)},
			"timestamp":        now.Unix(),
		},
	})
	sm.metrics.Inc("engine.signals_published", 1)
}

// publishDiagnostic emits a strategy.<event_type> event from a tracked
// background task. Slot arbitration events land on the signal.* namespace
// instead. The publish is abandoned after the diagnostic timeout so a slow
// subscriber cannot stall the evaluation path.
func (sm *StrategyManager) publishDiagnostic(eventType string, s *strategy.Strategy, extra map[string]interface{}) {
	data := map[string]interface{}{
		"strategy_name": s.Name,
		"symbol":        s.Symbol,
		"event_type":    eventType,
		"state":         string(s.CurrentState),
		"timestamp":     sm.now().Unix(),
	}
	for k, v := range extra {
		data[k] = v
	}
	namespace := "strategy."
	if strings.HasPrefix(eventType, "slot_") {
		namespace = "signal."
	}
	event := events.Event{
		Topic:  events.Topic(namespace + eventType),
		Source: events.SourceStrategyManager,
		Data:   data,
	}

	sm.taskWG.Add(1)
	go func() {
		defer sm.taskWG.Done()

		ctx, cancel := context.WithTimeout(sm.rootCtx, sm.config.DiagnosticTimeout)
		defer cancel()

		done := make(chan struct{})
		go func() {
			sm.bus.Publish(event)
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
		}
	}()
}

// toFloat coerces the numeric shapes that arrive in event payloads
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
