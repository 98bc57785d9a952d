// Package risk provides the capital and exposure gate consulted by the
// strategy engine before it opens a position.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Assessment is the outcome of a pre-trade risk check
type Assessment struct {
	Approved bool    `json:"approved"`
	Reason   string  `json:"reason,omitempty"`
	Notional float64 `json:"notional"`
}

// Manager is the narrow contract the strategy engine depends on. A nil
// Manager means no risk layer is wired and the engine falls back to the
// strategy's own capital configuration.
type Manager interface {
	// GetAvailableCapital returns the capital available for new positions
	GetAvailableCapital() float64

	// AssessPositionRisk judges a proposed entry before any order is sent
	AssessPositionRisk(symbol string, quantity, price, leverage float64) Assessment

	// CanOpenPositionSync is the cheap final gate run right before submit
	CanOpenPositionSync(symbol string, notional float64) (bool, string)

	// ReserveBudget earmarks notional for a strategy's open position
	ReserveBudget(strategyName string, notional float64) error

	// ReleaseBudget returns a strategy's earmarked notional to the pool
	ReleaseBudget(strategyName string)

	// RecordRealizedPnL feeds closed-trade results into the daily drawdown
	// accounting
	RecordRealizedPnL(pnl float64)
}

// Config holds the budget manager policy
type Config struct {
	AccountBalance   float64 // starting capital
	MaxOpenPositions int     // concurrent position cap
	MaxDailyDrawdown float64 // daily loss percentage that halts trading
	MaxPositionPct   float64 // single-position notional cap as pct of balance
}

// DefaultConfig returns conservative budget defaults
func DefaultConfig() Config {
	return Config{
		AccountBalance:   10000,
		MaxOpenPositions: 3,
		MaxDailyDrawdown: 10,
		MaxPositionPct:   25,
	}
}

// BudgetManager is the default Manager: a mutex-guarded capital ledger with
// per-strategy reservations and daily drawdown tracking.
type BudgetManager struct {
	mu sync.RWMutex

	config        Config
	reserved      map[string]float64
	dailyPnL      float64
	dailyPnLReset time.Time
	logger        zerolog.Logger

	now func() time.Time
}

// NewBudgetManager creates a budget manager from a config
func NewBudgetManager(config Config, logger zerolog.Logger) *BudgetManager {
	return &BudgetManager{
		config:        config,
		reserved:      make(map[string]float64),
		dailyPnLReset: time.Now().Truncate(24 * time.Hour),
		logger:        logger.With().Str("component", "RiskManager").Logger(),
		now:           time.Now,
	}
}

// SetClock overrides the time source for deterministic tests
func (bm *BudgetManager) SetClock(now func() time.Time) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.now = now
}

// GetAvailableCapital returns the balance minus all outstanding reservations
func (bm *BudgetManager) GetAvailableCapital() float64 {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.availableLocked()
}

func (bm *BudgetManager) availableLocked() float64 {
	available := bm.config.AccountBalance + bm.dailyPnL
	for _, amount := range bm.reserved {
		available -= amount
	}
	if available < 0 {
		return 0
	}
	return available
}

// AssessPositionRisk judges a proposed entry against the notional cap and
// the daily drawdown limit
func (bm *BudgetManager) AssessPositionRisk(symbol string, quantity, price, leverage float64) Assessment {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.checkDailyResetLocked()

	notional := quantity * price
	if notional <= 0 {
		return Assessment{Approved: false, Reason: "non-positive notional", Notional: notional}
	}

	if bm.config.MaxPositionPct > 0 {
		cap := bm.config.AccountBalance * bm.config.MaxPositionPct / 100
		if notional > cap {
			return Assessment{
				Approved: false,
				Reason:   fmt.Sprintf("notional %.2f exceeds per-position cap %.2f", notional, cap),
				Notional: notional,
			}
		}
	}

	if bm.drawdownBreachedLocked() {
		return Assessment{Approved: false, Reason: "daily drawdown limit reached", Notional: notional}
	}

	if notional > bm.availableLocked() {
		return Assessment{
			Approved: false,
			Reason:   fmt.Sprintf("notional %.2f exceeds available capital %.2f", notional, bm.availableLocked()),
			Notional: notional,
		}
	}

	return Assessment{Approved: true, Notional: notional}
}

// CanOpenPositionSync is the last gate before order submission: position
// count and drawdown only, no notional math
func (bm *BudgetManager) CanOpenPositionSync(symbol string, notional float64) (bool, string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.checkDailyResetLocked()

	if bm.config.MaxOpenPositions > 0 && len(bm.reserved) >= bm.config.MaxOpenPositions {
		return false, fmt.Sprintf("max positions reached (%d/%d)", len(bm.reserved), bm.config.MaxOpenPositions)
	}
	if bm.drawdownBreachedLocked() {
		return false, "daily drawdown limit reached"
	}
	return true, ""
}

func (bm *BudgetManager) drawdownBreachedLocked() bool {
	if bm.config.MaxDailyDrawdown <= 0 || bm.config.AccountBalance <= 0 {
		return false
	}
	drawdownPct := bm.dailyPnL / bm.config.AccountBalance * 100
	return drawdownPct <= -bm.config.MaxDailyDrawdown
}

// ReserveBudget earmarks notional for a strategy. A strategy holds at most
// one reservation; re-reserving replaces the old amount.
func (bm *BudgetManager) ReserveBudget(strategyName string, notional float64) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if notional <= 0 {
		return fmt.Errorf("reserve budget for %s: non-positive notional %.2f", strategyName, notional)
	}

	prior := bm.reserved[strategyName]
	delete(bm.reserved, strategyName)
	if notional > bm.availableLocked() {
		bm.reserved[strategyName] = prior
		return fmt.Errorf("reserve budget for %s: notional %.2f exceeds available %.2f",
			strategyName, notional, bm.availableLocked())
	}
	bm.reserved[strategyName] = notional

	bm.logger.Debug().
		Str("strategy", strategyName).
		Float64("notional", notional).
		Float64("available", bm.availableLocked()).
		Msg("Budget reserved")
	return nil
}

// ReleaseBudget drops a strategy's reservation. Safe to call when none is
// held.
func (bm *BudgetManager) ReleaseBudget(strategyName string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	delete(bm.reserved, strategyName)
}

// RecordRealizedPnL feeds a closed trade into the daily accounting
func (bm *BudgetManager) RecordRealizedPnL(pnl float64) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.checkDailyResetLocked()
	bm.dailyPnL += pnl

	if bm.drawdownBreachedLocked() {
		bm.logger.Warn().
			Float64("daily_pnl", bm.dailyPnL).
			Float64("limit_pct", bm.config.MaxDailyDrawdown).
			Msg("Daily drawdown limit reached, new entries halted")
	}
}

func (bm *BudgetManager) checkDailyResetLocked() {
	today := bm.now().Truncate(24 * time.Hour)
	if today.After(bm.dailyPnLReset) {
		bm.dailyPnL = 0
		bm.dailyPnLReset = today
	}
}

// Metrics returns a snapshot of the ledger for diagnostics
func (bm *BudgetManager) Metrics() map[string]interface{} {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	totalReserved := 0.0
	for _, amount := range bm.reserved {
		totalReserved += amount
	}

	return map[string]interface{}{
		"account_balance":    bm.config.AccountBalance,
		"available_capital":  bm.availableLocked(),
		"reserved_total":     totalReserved,
		"reservations":       len(bm.reserved),
		"daily_pnl":          bm.dailyPnL,
		"max_open_positions": bm.config.MaxOpenPositions,
		"max_daily_drawdown": bm.config.MaxDailyDrawdown,
	}
}
