package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"pump-trading-bot/internal/events"
	"pump-trading-bot/internal/order"
)

// writeTimeout bounds each persistence call made from an event handler
const writeTimeout = 5 * time.Second

// Recorder listens on the bus and persists what flows through it: fills and
// signals into the time-series tables, position changes into the Redis
// mirror. Either sink may be nil and is then skipped.
type Recorder struct {
	bus       *events.Bus
	trades    *TradeStore
	positions *PositionStateRepository
	logger    zerolog.Logger

	subs []*events.Subscription
}

// NewRecorder wires the persistence sinks to the bus
func NewRecorder(bus *events.Bus, trades *TradeStore, positions *PositionStateRepository, logger zerolog.Logger) *Recorder {
	return &Recorder{
		bus:       bus,
		trades:    trades,
		positions: positions,
		logger:    logger.With().Str("component", "Recorder").Logger(),
	}
}

// Start subscribes the recorder to its topics
func (r *Recorder) Start() {
	if r.trades != nil {
		r.subs = append(r.subs,
			r.bus.Subscribe(events.TopicOrderFilled, r.handleOrderFilled),
			r.bus.Subscribe(events.TopicSignalGenerated, r.handleSignal),
		)
	}
	if r.positions != nil {
		r.subs = append(r.subs,
			r.bus.Subscribe(events.TopicPositionOpened, r.handlePositionChange),
			r.bus.Subscribe(events.TopicPositionUpdated, r.handlePositionChange),
			r.bus.Subscribe(events.TopicPositionClosed, r.handlePositionClosed),
		)
	}
}

// Stop removes every subscription
func (r *Recorder) Stop() {
	for _, sub := range r.subs {
		r.bus.Unsubscribe(sub)
	}
	r.subs = nil
}

func (r *Recorder) handleOrderFilled(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	orderID, _ := toInt64(event.Data["order_id"])
	symbol, _ := event.Data["symbol"].(string)
	side, _ := event.Data["side"].(string)
	strategyName, _ := event.Data["strategy_name"].(string)
	quantity, _ := toFloat(event.Data["quantity"])
	price, _ := toFloat(event.Data["price"])
	slippage, _ := toFloat(event.Data["slippage_pct"])

	if err := r.trades.RecordFill(ctx, orderID, symbol, side, quantity, price, slippage, strategyName, event.Timestamp); err != nil {
		r.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to persist fill")
	}
}

func (r *Recorder) handleSignal(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	signalID, _ := event.Data["signal_id"].(string)
	signalType, _ := event.Data["signal_type"].(string)
	symbol, _ := event.Data["symbol"].(string)
	action, _ := event.Data["action"].(string)
	strategyName, _ := event.Data["strategy_name"].(string)
	price, _ := toFloat(event.Data["price"])
	quantity, _ := toFloat(event.Data["quantity"])

	if err := r.trades.RecordSignal(ctx, signalID, signalType, symbol, action, strategyName, price, quantity, event.Timestamp); err != nil {
		r.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to persist signal")
	}
}

func (r *Recorder) handlePositionChange(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	symbol, _ := event.Data["symbol"].(string)
	quantity, _ := toFloat(event.Data["quantity"])
	averagePrice, _ := toFloat(event.Data["average_price"])

	pos := &order.Position{
		Symbol:       symbol,
		Quantity:     quantity,
		AveragePrice: averagePrice,
		UpdatedAt:    event.Timestamp,
	}
	if err := r.positions.Save(ctx, pos); err != nil {
		r.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to mirror position")
	}
}

func (r *Recorder) handlePositionClosed(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	symbol, _ := event.Data["symbol"].(string)
	if err := r.positions.Delete(ctx, symbol); err != nil {
		r.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to clear mirrored position")
	}
}

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

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
