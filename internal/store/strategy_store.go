package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pump-trading-bot/internal/strategy"
)

// StrategyStore persists strategy documents. The core treats it as an
// opaque save/load/soft-delete contract.
type StrategyStore struct {
	db     *DB
	logger zerolog.Logger
}

// NewStrategyStore creates a strategy store on an open database
func NewStrategyStore(db *DB, logger zerolog.Logger) *StrategyStore {
	return &StrategyStore{
		db:     db,
		logger: logger.With().Str("component", "StrategyStore").Logger(),
	}
}

// Save upserts a strategy as its JSON document. Documents are written with
// modern section keys regardless of how they were loaded.
func (s *StrategyStore) Save(ctx context.Context, st *strategy.Strategy) error {
	doc, err := strategy.MarshalDocument(st)
	if err != nil {
		return fmt.Errorf("marshal strategy %s: %w", st.Name, err)
	}

	_, err = s.db.Pool.Exec(ctx,
		`INSERT INTO strategies (name, document, enabled, deleted, updated_at)
		 VALUES ($1, $2, $3, false, $4)`,
		st.Name, string(doc), st.Enabled, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save strategy %s: %w", st.Name, err)
	}

	s.logger.Debug().Str("strategy", st.Name).Msg("Strategy saved")
	return nil
}

// LoadEnabled returns the latest non-deleted, enabled revision of every
// strategy. Legacy section keys in stored documents are accepted and
// normalized on load.
func (s *StrategyStore) LoadEnabled(ctx context.Context) ([]*strategy.Strategy, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT name, document FROM strategies
		 LATEST ON updated_at PARTITION BY name
		 WHERE enabled = true AND deleted = false`,
	)
	if err != nil {
		return nil, fmt.Errorf("load strategies: %w", err)
	}
	defer rows.Close()

	var out []*strategy.Strategy
	for rows.Next() {
		var name, document string
		if err := rows.Scan(&name, &document); err != nil {
			return nil, fmt.Errorf("scan strategy row: %w", err)
		}
		st, err := strategy.UnmarshalDocument([]byte(document))
		if err != nil {
			s.logger.Error().Err(err).Str("strategy", name).Msg("Skipping malformed strategy document")
			continue
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SoftDelete marks a strategy deleted without dropping its history
func (s *StrategyStore) SoftDelete(ctx context.Context, name string) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO strategies (name, document, enabled, deleted, updated_at)
		 VALUES ($1, '', false, true, $2)`,
		name, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("soft delete strategy %s: %w", name, err)
	}

	s.logger.Info().Str("strategy", name).Msg("Strategy soft-deleted")
	return nil
}

// TradeStore appends fills and signals to the time-series tables
type TradeStore struct {
	db     *DB
	logger zerolog.Logger
}

// NewTradeStore creates a trade store on an open database
func NewTradeStore(db *DB, logger zerolog.Logger) *TradeStore {
	return &TradeStore{
		db:     db,
		logger: logger.With().Str("component", "TradeStore").Logger(),
	}
}

// RecordFill appends one executed trade
func (t *TradeStore) RecordFill(ctx context.Context, orderID int64, symbol, side string, quantity, price, slippagePct float64, strategyName string, ts time.Time) error {
	_, err := t.db.Pool.Exec(ctx,
		`INSERT INTO trades (order_id, symbol, side, quantity, price, slippage_pct, strategy_name, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		orderID, symbol, side, quantity, price, slippagePct, strategyName, ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record fill %d: %w", orderID, err)
	}
	return nil
}

// RecordSignal appends one generated signal
func (t *TradeStore) RecordSignal(ctx context.Context, signalID, signalType, symbol, action, strategyName string, price, quantity float64, ts time.Time) error {
	_, err := t.db.Pool.Exec(ctx,
		`INSERT INTO signals (signal_id, signal_type, symbol, action, strategy_name, price, quantity, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		signalID, signalType, symbol, action, strategyName, price, quantity, ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record signal %s: %w", signalID, err)
	}
	return nil
}
