package order

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pump-trading-bot/internal/events"
)

// MaxTradeHistory bounds the paper trade history ring
const MaxTradeHistory = 10000

// positionChange describes the position event produced by one fill
type positionChange struct {
	topic       events.Topic
	position    Position
	realizedPnL float64
}

// Manager owns order and position bookkeeping for all symbols. All position
// math runs under one component mutex so fills and position updates stay
// linearizable per symbol.
type Manager struct {
	mu sync.Mutex

	bus      *events.Bus
	logger   zerolog.Logger
	slippage *SlippageSimulator

	orders    map[int64]*Order
	positions map[string]*Position

	// Order IDs come from a monotonic sequence behind its own mutex so ID
	// allocation never waits on position math.
	seqMu sync.Mutex
	seq   int64

	history      []Fill
	historyStart int

	signalSub *events.Subscription
}

// NewManager creates an order manager publishing onto the given bus
func NewManager(bus *events.Bus, slippage *SlippageSimulator, logger zerolog.Logger) *Manager {
	return &Manager{
		bus:       bus,
		logger:    logger.With().Str("component", "OrderManager").Logger(),
		slippage:  slippage,
		orders:    make(map[int64]*Order),
		positions: make(map[string]*Position),
	}
}

// Start subscribes the manager to the signal stream for audit bookkeeping.
// Orders themselves are submitted by the strategy engine through direct
// calls; the subscription records signal traffic alongside fills.
func (m *Manager) Start() {
	m.signalSub = m.bus.Subscribe(events.TopicSignalGenerated, m.handleSignal)
	m.logger.Info().Msg("Order manager started")
}

// Stop unsubscribes from the bus and clears all bookkeeping
func (m *Manager) Stop() {
	if m.signalSub != nil {
		m.bus.Unsubscribe(m.signalSub)
		m.signalSub = nil
	}

	m.mu.Lock()
	m.orders = make(map[int64]*Order)
	m.positions = make(map[string]*Position)
	m.history = nil
	m.historyStart = 0
	m.mu.Unlock()

	m.logger.Info().Msg("Order manager stopped")
}

// RestorePosition seeds the ledger with a persisted position at startup.
// No events are published; the position already existed before the restart.
func (m *Manager) RestorePosition(pos *Position) {
	if pos == nil || pos.Quantity == 0 {
		return
	}

	m.mu.Lock()
	copied := *pos
	if copied.Leverage < 1 {
		copied.Leverage = 1
	}
	m.positions[pos.Symbol] = &copied
	m.mu.Unlock()

	m.logger.Info().
		Str("symbol", pos.Symbol).
		Float64("quantity", pos.Quantity).
		Float64("average_price", pos.AveragePrice).
		Msg("Position restored from persisted state")
}

func (m *Manager) handleSignal(event events.Event) {
	signalType, _ := event.Data["signal_type"].(string)
	symbol, _ := event.Data["symbol"].(string)
	action, _ := event.Data["action"].(string)
	m.logger.Debug().
		Str("signal_type", signalType).
		Str("symbol", symbol).
		Str("action", action).
		Msg("Signal observed")
}

// nextOrderID allocates the next order ID from the monotonic sequence
func (m *Manager) nextOrderID() int64 {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	m.seq++
	return m.seq
}

// SubmitRequest carries the inputs of SubmitOrder
type SubmitRequest struct {
	Symbol         string
	Side           Side
	Quantity       float64
	Price          float64
	StrategyName   string
	Leverage       float64
	Kind           Kind
	MaxSlippagePct float64
}

func validate(req *SubmitRequest) error {
	if strings.TrimSpace(req.Symbol) == "" {
		return &ValidationError{Field: "symbol", Reason: "empty or whitespace"}
	}
	if req.Quantity <= 0 || math.IsNaN(req.Quantity) || math.IsInf(req.Quantity, 0) {
		return &ValidationError{Field: "quantity", Reason: "must be positive and finite"}
	}
	if req.Price <= 0 || math.IsNaN(req.Price) || math.IsInf(req.Price, 0) {
		return &ValidationError{Field: "price", Reason: "must be positive and finite"}
	}
	if req.Quantity > MaxReasonableMagnitude || req.Price > MaxReasonableMagnitude {
		return &ValidationError{Field: "magnitude", Reason: "exceeds reasonable bounds"}
	}
	if req.Leverage < MinLeverage || req.Leverage > MaxLeverage {
		return &ValidationError{Field: "leverage", Reason: "must be within [1, 10]"}
	}
	if req.MaxSlippagePct < 0 {
		return &ValidationError{Field: "max_slippage_pct", Reason: "must not be negative"}
	}
	switch req.Side {
	case SideBuy, SideSell, SideShort, SideCover:
	default:
		return &ValidationError{Field: "side", Reason: "unknown side"}
	}
	if req.Kind == "" {
		req.Kind = KindMarket
	}
	return nil
}

// SubmitOrder validates, fills and records an order, then updates the symbol
// position. The position is updated before order_filled is published.
func (m *Manager) SubmitOrder(req SubmitRequest) (*Order, error) {
	if err := validate(&req); err != nil {
		m.logger.Warn().Err(err).Str("symbol", req.Symbol).Msg("Order rejected")
		return nil, err
	}

	if req.Leverage > leverageWarnThreshold {
		m.logger.Warn().
			Str("symbol", req.Symbol).
			Float64("leverage", req.Leverage).
			Msg("High leverage: liquidation price is close to entry")
	}

	m.mu.Lock()

	// Closing sides need matching exposure before any order is recorded
	pos := m.positions[req.Symbol]
	if req.Side == SideSell && (pos == nil || pos.Quantity <= 0) {
		m.mu.Unlock()
		m.logger.Warn().Str("symbol", req.Symbol).Msg("invalid_sell: no LONG position to sell")
		return nil, ErrPrecondition
	}
	if req.Side == SideCover && (pos == nil || pos.Quantity >= 0) {
		m.mu.Unlock()
		m.logger.Warn().Str("symbol", req.Symbol).Msg("invalid_cover: no SHORT position to cover")
		return nil, ErrPrecondition
	}

	now := time.Now()
	actual, slip := req.Price, 0.0
	if req.Kind == KindMarket {
		actual, slip = m.slippage.Simulate(req.Price, req.Side, req.MaxSlippagePct)
	}

	order := &Order{
		OrderID:           m.nextOrderID(),
		Symbol:            req.Symbol,
		Side:              req.Side,
		Quantity:          req.Quantity,
		RequestedPrice:    req.Price,
		ActualPrice:       actual,
		Status:            StatusFilled,
		CreatedAt:         now,
		UpdatedAt:         now,
		StrategyName:      req.StrategyName,
		Leverage:          req.Leverage,
		Kind:              req.Kind,
		MaxSlippagePct:    req.MaxSlippagePct,
		ActualSlippagePct: slip,
	}
	m.orders[order.OrderID] = order
	m.recordFill(order)

	changes := m.applyFill(order)

	m.mu.Unlock()

	m.publishOrderEvent(events.TopicOrderCreated, order)
	m.publishOrderEvent(events.TopicOrderFilled, order)
	for _, ch := range changes {
		m.publishPositionEvent(ch)
	}

	m.logger.Info().
		Int64("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("quantity", order.Quantity).
		Float64("price", order.ActualPrice).
		Float64("slippage_pct", order.ActualSlippagePct).
		Msg("Order filled")

	return order, nil
}

// recordFill appends to the bounded trade history. Caller holds the mutex.
func (m *Manager) recordFill(order *Order) {
	fill := Fill{
		OrderID:      order.OrderID,
		Symbol:       order.Symbol,
		Side:         order.Side,
		Quantity:     order.Quantity,
		Price:        order.ActualPrice,
		SlippagePct:  order.ActualSlippagePct,
		StrategyName: order.StrategyName,
		Timestamp:    order.CreatedAt,
	}
	if len(m.history) >= MaxTradeHistory {
		copy(m.history, m.history[1:])
		m.history[len(m.history)-1] = fill
		return
	}
	m.history = append(m.history, fill)
}

// applyFill mutates the symbol position for a filled order and returns the
// position events to publish. Caller holds the mutex.
func (m *Manager) applyFill(order *Order) []positionChange {
	pos, ok := m.positions[order.Symbol]
	if !ok {
		pos = &Position{Symbol: order.Symbol, Leverage: 1}
		m.positions[order.Symbol] = pos
	}

	old := pos.Quantity
	var changes []positionChange

	switch order.Side {
	case SideBuy:
		newQty := old + order.Quantity
		switch {
		case old < 0 && newQty >= 0:
			// Flip: realize the whole SHORT leg at the fill price, then
			// open only the net remainder as a LONG leg
			realized := (pos.AveragePrice - order.ActualPrice) * (-old)
			m.flatten(pos)
			pos.UpdatedAt = order.UpdatedAt
			changes = append(changes, positionChange{events.TopicPositionClosed, *pos, realized})
			if newQty > 0 {
				m.openLeg(pos, newQty, order)
				changes = append(changes, positionChange{topic: events.TopicPositionOpened, position: *pos})
			}
		case old < 0:
			// BUY smaller than the SHORT leg reduces it
			pos.Quantity = newQty
			pos.UpdatedAt = order.UpdatedAt
			changes = append(changes, positionChange{topic: events.TopicPositionUpdated, position: *pos})
		case old == 0:
			m.openLeg(pos, newQty, order)
			changes = append(changes, positionChange{topic: events.TopicPositionOpened, position: *pos})
		default:
			pos.AveragePrice = (old*pos.AveragePrice + order.Quantity*order.ActualPrice) / newQty
			pos.Quantity = newQty
			pos.LiquidationPrice = LiquidationPrice(pos.AveragePrice, pos.Leverage, PositionLong)
			pos.UpdatedAt = order.UpdatedAt
			changes = append(changes, positionChange{topic: events.TopicPositionUpdated, position: *pos})
		}

	case SideShort:
		newQty := old - order.Quantity
		switch {
		case old > 0 && newQty <= 0:
			// Mirror flip: realize the whole LONG leg, open the remainder
			realized := (order.ActualPrice - pos.AveragePrice) * old
			m.flatten(pos)
			pos.UpdatedAt = order.UpdatedAt
			changes = append(changes, positionChange{events.TopicPositionClosed, *pos, realized})
			if newQty < 0 {
				m.openLeg(pos, newQty, order)
				changes = append(changes, positionChange{topic: events.TopicPositionOpened, position: *pos})
			}
		case old > 0:
			// SHORT smaller than the LONG leg reduces it
			pos.Quantity = newQty
			pos.UpdatedAt = order.UpdatedAt
			changes = append(changes, positionChange{topic: events.TopicPositionUpdated, position: *pos})
		case old == 0:
			m.openLeg(pos, newQty, order)
			changes = append(changes, positionChange{topic: events.TopicPositionOpened, position: *pos})
		default:
			absOld, absNew := -old, -newQty
			pos.AveragePrice = (absOld*pos.AveragePrice + order.Quantity*order.ActualPrice) / absNew
			pos.Quantity = newQty
			pos.LiquidationPrice = LiquidationPrice(pos.AveragePrice, pos.Leverage, PositionShort)
			pos.UpdatedAt = order.UpdatedAt
			changes = append(changes, positionChange{topic: events.TopicPositionUpdated, position: *pos})
		}

	case SideSell:
		// Precondition (old > 0) checked in SubmitOrder. A SELL never flips
		// to SHORT: surplus quantity clamps at flat.
		newQty := old - order.Quantity
		if newQty <= 0 {
			realized := (order.ActualPrice - pos.AveragePrice) * old
			m.flatten(pos)
			pos.UpdatedAt = order.UpdatedAt
			changes = append(changes, positionChange{events.TopicPositionClosed, *pos, realized})
		} else {
			pos.Quantity = newQty
			pos.UpdatedAt = order.UpdatedAt
			changes = append(changes, positionChange{topic: events.TopicPositionUpdated, position: *pos})
		}

	case SideCover:
		// Mirror of SELL: never flips to LONG
		newQty := old + order.Quantity
		if newQty >= 0 {
			realized := (pos.AveragePrice - order.ActualPrice) * (-old)
			m.flatten(pos)
			pos.UpdatedAt = order.UpdatedAt
			changes = append(changes, positionChange{events.TopicPositionClosed, *pos, realized})
		} else {
			pos.Quantity = newQty
			pos.UpdatedAt = order.UpdatedAt
			changes = append(changes, positionChange{topic: events.TopicPositionUpdated, position: *pos})
		}
	}

	return changes
}

// openLeg initializes a fresh LONG or SHORT leg from a fill. Caller holds
// the mutex.
func (m *Manager) openLeg(pos *Position, qty float64, order *Order) {
	pos.Quantity = qty
	pos.AveragePrice = order.ActualPrice
	pos.Leverage = order.Leverage
	pos.LiquidationPrice = LiquidationPrice(order.ActualPrice, order.Leverage, pos.Type())
	pos.UpdatedAt = order.UpdatedAt
}

// flatten resets a position to flat. Caller holds the mutex.
func (m *Manager) flatten(pos *Position) {
	pos.Quantity = 0
	pos.AveragePrice = 0
	pos.Leverage = 1
	pos.LiquidationPrice = nil
}

// ClosePosition dispatches the closing order for whatever side is open:
// SELL for LONG, COVER for SHORT. Returns ErrNoPosition when flat.
func (m *Manager) ClosePosition(symbol string, currentPrice float64, strategyName string, maxSlippagePct float64) (*Order, error) {
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok || pos.Quantity == 0 {
		m.mu.Unlock()
		return nil, ErrNoPosition
	}
	side := SideSell
	qty := pos.Quantity
	leverage := pos.Leverage
	if pos.Quantity < 0 {
		side = SideCover
		qty = -pos.Quantity
	}
	m.mu.Unlock()

	return m.SubmitOrder(SubmitRequest{
		Symbol:         symbol,
		Side:           side,
		Quantity:       qty,
		Price:          currentPrice,
		StrategyName:   strategyName,
		Leverage:       leverage,
		Kind:           KindMarket,
		MaxSlippagePct: maxSlippagePct,
	})
}

// EmergencyExit closes the position at the current price. Functionally a
// ClosePosition, labeled separately so emergency liquidations stand out in
// the audit trail.
func (m *Manager) EmergencyExit(symbol string, currentPrice float64, strategyName string) (*Order, error) {
	m.logger.Warn().
		Str("symbol", symbol).
		Str("strategy", strategyName).
		Float64("price", currentPrice).
		Msg("EMERGENCY EXIT")
	return m.ClosePosition(symbol, currentPrice, strategyName, 0)
}

// GetPosition returns a copy of the symbol position, or nil when flat and
// untracked
func (m *Manager) GetPosition(symbol string) *Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return nil
	}
	copied := *pos
	if pos.LiquidationPrice != nil {
		lp := *pos.LiquidationPrice
		copied.LiquidationPrice = &lp
	}
	return &copied
}

// GetOrder returns a copy of a tracked order
func (m *Manager) GetOrder(orderID int64) *Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return nil
	}
	copied := *order
	return &copied
}

// TradeHistory returns a copy of the bounded fill history, oldest first
func (m *Manager) TradeHistory() []Fill {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Fill, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Manager) publishOrderEvent(topic events.Topic, order *Order) {
	m.bus.Publish(events.Event{
		Topic: topic,
		Data: map[string]interface{}{
			"order_id":      order.OrderID,
			"symbol":        order.Symbol,
			"side":          string(order.Side),
			"status":        string(order.Status),
			"price":         order.ActualPrice,
			"quantity":      order.Quantity,
			"strategy_name": order.StrategyName,
			"slippage_pct":  order.ActualSlippagePct,
			"timestamp":     order.UpdatedAt.Unix(),
		},
	})
}

func (m *Manager) publishPositionEvent(ch positionChange) {
	data := map[string]interface{}{
		"position_id":   ch.position.Symbol,
		"symbol":        ch.position.Symbol,
		"quantity":      ch.position.Quantity,
		"average_price": ch.position.AveragePrice,
		"position_type": string(ch.position.Type()),
		"timestamp":     ch.position.UpdatedAt.Unix(),
	}
	if ch.topic == events.TopicPositionClosed {
		data["realized_pnl"] = ch.realizedPnL
	}
	m.bus.Publish(events.Event{Topic: ch.topic, Data: data})
}
