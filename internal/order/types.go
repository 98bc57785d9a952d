// Package order tracks orders and positions per symbol, simulating fills
// with slippage in paper mode and publishing the order/position lifecycle
// onto the event bus.
package order

import (
	"errors"
	"fmt"
	"time"
)

// Side is the order direction. BUY and SHORT open exposure, SELL and COVER
// close it.
type Side string

const (
	SideBuy   Side = "BUY"
	SideSell  Side = "SELL"
	SideShort Side = "SHORT"
	SideCover Side = "COVER"
)

// ParseSide normalizes a side string
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideBuy, SideSell, SideShort, SideCover:
		return Side(s), nil
	}
	switch s {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	case "short":
		return SideShort, nil
	case "cover":
		return SideCover, nil
	}
	return "", fmt.Errorf("unknown order side %q", s)
}

// IsOpening reports whether the side increases exposure
func (s Side) IsOpening() bool {
	return s == SideBuy || s == SideShort
}

// Kind is the order execution style
type Kind string

const (
	KindMarket Kind = "MARKET"
	KindLimit  Kind = "LIMIT"
)

// Status is the order lifecycle status
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
)

// Leverage bounds
const (
	MinLeverage = 1.0
	MaxLeverage = 10.0

	// Above this leverage the liquidation price sits under 20% away from
	// entry; submissions still go through but are logged loudly.
	leverageWarnThreshold = 5.0
)

// MaxReasonableMagnitude rejects fat-finger quantities and prices
const MaxReasonableMagnitude = 1e15

// Order is one tracked order
type Order struct {
	OrderID           int64     `json:"order_id"`
	Symbol            string    `json:"symbol"`
	Side              Side      `json:"side"`
	Quantity          float64   `json:"quantity"`
	RequestedPrice    float64   `json:"requested_price"`
	ActualPrice       float64   `json:"actual_price"`
	Status            Status    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	StrategyName      string    `json:"strategy_name"`
	Leverage          float64   `json:"leverage"`
	Kind              Kind      `json:"order_kind"`
	MaxSlippagePct    float64   `json:"max_slippage_pct"`
	ActualSlippagePct float64   `json:"actual_slippage_pct"`
}

// PositionType is derived from the quantity sign
type PositionType string

const (
	PositionLong  PositionType = "LONG"
	PositionShort PositionType = "SHORT"
	PositionNone  PositionType = "NONE"
)

// Position is the per-symbol net exposure. The quantity sign is the single
// source of truth: positive is LONG, negative is SHORT, zero is flat.
type Position struct {
	Symbol           string    `json:"symbol"`
	Quantity         float64   `json:"quantity"`
	AveragePrice     float64   `json:"average_price"`
	Leverage         float64   `json:"leverage"`
	LiquidationPrice *float64  `json:"liquidation_price,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Type derives the position type from the quantity sign
func (p *Position) Type() PositionType {
	switch {
	case p.Quantity > 0:
		return PositionLong
	case p.Quantity < 0:
		return PositionShort
	default:
		return PositionNone
	}
}

// UnrealizedPnL computes mark-to-market profit for the open side
func (p *Position) UnrealizedPnL(markPrice float64) float64 {
	switch p.Type() {
	case PositionLong:
		return (markPrice - p.AveragePrice) * p.Quantity
	case PositionShort:
		return (p.AveragePrice - markPrice) * (-p.Quantity)
	default:
		return 0
	}
}

// UnrealizedPnLPct computes the percentage return on entry notional. Zero
// when there is no entry price or the mark is non-positive.
func (p *Position) UnrealizedPnLPct(markPrice float64) float64 {
	if p.AveragePrice == 0 || markPrice <= 0 {
		return 0
	}
	switch p.Type() {
	case PositionLong:
		return (markPrice - p.AveragePrice) / p.AveragePrice * 100
	case PositionShort:
		return (p.AveragePrice - markPrice) / p.AveragePrice * 100
	default:
		return 0
	}
}

// LiquidationPrice computes the mark at which leveraged notional loss equals
// posted collateral. Returns nil for unleveraged positions.
func LiquidationPrice(entry, leverage float64, positionType PositionType) *float64 {
	if leverage <= 1 {
		return nil
	}
	var price float64
	switch positionType {
	case PositionLong:
		price = entry * (1 - 1/leverage)
	case PositionShort:
		price = entry * (1 + 1/leverage)
	default:
		return nil
	}
	return &price
}

// ValidationError reports a rejected order input. No state is mutated when
// one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Sentinel errors
var (
	// ErrNoPosition is returned by close operations on a flat symbol
	ErrNoPosition = errors.New("no open position for symbol")

	// ErrPrecondition covers SELL without a LONG and COVER without a SHORT
	ErrPrecondition = errors.New("order precondition not met")
)

// Fill is one executed trade kept in the bounded paper trade history
type Fill struct {
	OrderID      int64     `json:"order_id"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Quantity     float64   `json:"quantity"`
	Price        float64   `json:"price"`
	SlippagePct  float64   `json:"slippage_pct"`
	StrategyName string    `json:"strategy_name"`
	Timestamp    time.Time `json:"timestamp"`
}
