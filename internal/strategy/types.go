// Package strategy defines the user-facing trading policy model: a named
// strategy with five ordered condition groups driving the signal lifecycle.
package strategy

import (
	"time"
)

// Direction is the trading direction a strategy is allowed to take
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionBoth  Direction = "BOTH"
)

// State enumerates the per-(strategy, symbol) lifecycle states
type State string

const (
	StateInactive             State = "INACTIVE"
	StateMonitoring           State = "MONITORING"
	StateSignalDetected       State = "SIGNAL_DETECTED"
	StateSignalCancelled      State = "SIGNAL_CANCELLED"
	StateEntryEvaluation      State = "ENTRY_EVALUATION"
	StatePositionActive       State = "POSITION_ACTIVE"
	StateCloseOrderEvaluation State = "CLOSE_ORDER_EVALUATION"
	StateEmergencyExit        State = "EMERGENCY_EXIT"
	StateExited               State = "EXITED"
)

// Section names for the five condition groups
const (
	SectionS1  = "S1_signal_detection"
	SectionO1  = "O1_signal_cancellation"
	SectionZ1  = "Z1_entry_conditions"
	SectionZE1 = "ZE1_close_order_detection"
	SectionE1  = "E1_emergency_exit"
)

// Condition compares one indicator value against a configured threshold
type Condition struct {
	Name          string    `json:"name,omitempty"`
	ConditionType string    `json:"condition_type"`
	Operator      Operator  `json:"operator"`
	Value         float64   `json:"value"`
	MinValue      float64   `json:"min_value,omitempty"`
	MaxValue      float64   `json:"max_value,omitempty"`
	AllowedValues []float64 `json:"allowed_values,omitempty"`
	Enabled       bool      `json:"enabled"`
	Description   string    `json:"description,omitempty"`
}

// ConditionGroup is an ordered set of conditions gated by require_all
// semantics. A group with no conditions never triggers.
type ConditionGroup struct {
	Name       string      `json:"name"`
	Conditions []Condition `json:"conditions"`
	RequireAll bool        `json:"require_all"`
}

// PositionSizeSpec configures how the entry quantity is derived
type PositionSizeSpec struct {
	Type  string  `json:"type"` // "fixed" or "percentage"
	Value float64 `json:"value"`
}

// EmergencyActions configures what the emergency exit does besides closing
type EmergencyActions struct {
	CancelPending bool `json:"cancelPending"`
	ClosePosition bool `json:"closePosition"`
	LogEvent      bool `json:"logEvent"`
}

// AdjustmentPoint is one knot of a piecewise-linear curve keyed by a risk
// indicator value
type AdjustmentPoint struct {
	RiskValue  float64 `json:"risk_value"`
	Multiplier float64 `json:"multiplier"`
}

// GlobalLimits holds the numeric policy parameters of a strategy
type GlobalLimits struct {
	BasePositionPct float64 `json:"base_position_pct"`
	MaxPositionPct  float64 `json:"max_position_pct"`
	MinPositionPct  float64 `json:"min_position_pct"`
	MaxLeverage     float64 `json:"max_leverage"`
	InitialCapital  float64 `json:"initial_capital"`

	RiskAdjustmentPoints       []AdjustmentPoint `json:"risk_adjustment_points,omitempty"`
	ClosePriceAdjustmentPoints []AdjustmentPoint `json:"close_price_adjustment_points,omitempty"`

	SignalCancellationCooldownMinutes int `json:"signal_cancellation_cooldown_minutes"`
	EmergencyExitCooldownMinutes      int `json:"emergency_exit_cooldown_minutes"`
	ExitCooldownMinutes               int `json:"exit_cooldown_minutes"`
}

// Cooldown defaults (minutes)
const (
	DefaultSignalCancellationCooldownMinutes = 5
	DefaultEmergencyExitCooldownMinutes      = 30
	DefaultExitCooldownMinutes               = 5
)

// DefaultGlobalLimits returns conservative policy defaults
func DefaultGlobalLimits() GlobalLimits {
	return GlobalLimits{
		BasePositionPct:                   2.0,
		MaxPositionPct:                    10.0,
		MinPositionPct:                    0.5,
		MaxLeverage:                       1,
		InitialCapital:                    10000,
		SignalCancellationCooldownMinutes: DefaultSignalCancellationCooldownMinutes,
		EmergencyExitCooldownMinutes:      DefaultEmergencyExitCooldownMinutes,
		ExitCooldownMinutes:               DefaultExitCooldownMinutes,
	}
}

// Strategy is a named, enabled/disabled trading policy. One instance tracks
// the runtime state of a single (strategy, symbol) lifecycle.
type Strategy struct {
	Name      string    `json:"strategy_name"`
	Direction Direction `json:"direction"`
	Enabled   bool      `json:"enabled"`
	Symbol    string    `json:"symbol,omitempty"`

	S1  ConditionGroup `json:"s1_signal"`
	O1  ConditionGroup `json:"o1_cancel"`
	Z1  ConditionGroup `json:"z1_entry"`
	ZE1 ConditionGroup `json:"ze1_close"`
	E1  ConditionGroup `json:"emergency_exit"`

	O1TimeoutSeconds    int               `json:"o1_timeout_seconds,omitempty"`
	PositionSize        *PositionSizeSpec `json:"position_size,omitempty"`
	StopLossPct         float64           `json:"stop_loss_pct,omitempty"`
	TakeProfitPct       float64           `json:"take_profit_pct,omitempty"`
	Leverage            float64           `json:"leverage,omitempty"`
	RiskAdjustedPricing bool              `json:"risk_adjusted_pricing,omitempty"`
	EmergencyActions    *EmergencyActions `json:"emergency_actions,omitempty"`

	GlobalLimits GlobalLimits `json:"global_limits"`

	// Runtime state, not part of the persisted policy
	CurrentState        State     `json:"current_state,omitempty"`
	PositionActive      bool      `json:"position_active,omitempty"`
	SignalDetectionTime time.Time `json:"signal_detection_time,omitempty"`
	EntryTime           time.Time `json:"entry_time,omitempty"`
	ExitTime            time.Time `json:"exit_time,omitempty"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	CooldownReason      string    `json:"cooldown_reason,omitempty"`
}

// New creates an enabled strategy in MONITORING with default limits
func New(name string, direction Direction, symbol string) *Strategy {
	return &Strategy{
		Name:         name,
		Direction:    direction,
		Enabled:      true,
		Symbol:       symbol,
		S1:           ConditionGroup{Name: SectionS1, RequireAll: true},
		O1:           ConditionGroup{Name: SectionO1},
		Z1:           ConditionGroup{Name: SectionZ1, RequireAll: true},
		ZE1:          ConditionGroup{Name: SectionZE1},
		E1:           ConditionGroup{Name: SectionE1},
		GlobalLimits: DefaultGlobalLimits(),
		CurrentState: StateMonitoring,
	}
}

// InCooldown reports whether evaluations are gated at the given instant
func (s *Strategy) InCooldown(now time.Time) bool {
	return !s.CooldownUntil.IsZero() && s.CooldownUntil.After(now)
}

// StartCooldown arms the cooldown timer with a reason
func (s *Strategy) StartCooldown(now time.Time, minutes int, reason string) {
	if minutes <= 0 {
		return
	}
	s.CooldownUntil = now.Add(time.Duration(minutes) * time.Minute)
	s.CooldownReason = reason
}

// ResetToMonitoring clears the per-cycle runtime state after a cooldown
// expires
func (s *Strategy) ResetToMonitoring() {
	s.CurrentState = StateMonitoring
	s.PositionActive = false
	s.SignalDetectionTime = time.Time{}
	s.EntryTime = time.Time{}
	s.ExitTime = time.Time{}
	s.CooldownUntil = time.Time{}
	s.CooldownReason = ""
}

// EntrySide returns the opening order side implied by the direction.
// BOTH defaults to the long side; short entries need an explicit SHORT
// direction.
func (s *Strategy) EntrySide() string {
	if s.Direction == DirectionShort {
		return "SHORT"
	}
	return "BUY"
}

// ExitSide returns the closing order side implied by the direction
func (s *Strategy) ExitSide() string {
	if s.Direction == DirectionShort {
		return "COVER"
	}
	return "SELL"
}
