package strategy

import (
	"math"
	"strings"
)

// Result is the tri-state-plus-error outcome of evaluating a condition or
// group against the indicator cache.
type Result int

const (
	ResultFalse Result = iota
	ResultTrue
	ResultPending // required indicator not present yet
	ResultError   // evaluation raised (bad config, non-finite input)
)

// String returns a readable result name for logs
func (r Result) String() string {
	switch r {
	case ResultFalse:
		return "FALSE"
	case ResultTrue:
		return "TRUE"
	case ResultPending:
		return "PENDING"
	case ResultError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IndicatorValues maps lowercase indicator keys to their latest value for one
// symbol. Lookup is case-insensitive through Lookup.
type IndicatorValues map[string]float64

// Lookup finds an indicator by key, case-insensitively
func (iv IndicatorValues) Lookup(key string) (float64, bool) {
	v, ok := iv[strings.ToLower(key)]
	return v, ok
}

// Set stores an indicator value under its lowercase key
func (iv IndicatorValues) Set(key string, value float64) {
	iv[strings.ToLower(key)] = value
}

// Evaluate compares the condition's indicator against its threshold.
// A missing indicator is PENDING, a non-finite input or malformed threshold
// is ERROR. Equality is direct float comparison; between is inclusive on
// both ends.
func (c *Condition) Evaluate(values IndicatorValues) Result {
	if !c.Enabled {
		return ResultFalse
	}

	actual, ok := values.Lookup(c.ConditionType)
	if !ok {
		return ResultPending
	}
	if math.IsNaN(actual) || math.IsInf(actual, 0) {
		return ResultError
	}

	switch c.Operator {
	case OpGTE:
		return boolResult(actual >= c.Value)
	case OpLTE:
		return boolResult(actual <= c.Value)
	case OpGT:
		return boolResult(actual > c.Value)
	case OpLT:
		return boolResult(actual < c.Value)
	case OpEQ:
		return boolResult(actual == c.Value)
	case OpBetween:
		if c.MinValue > c.MaxValue {
			return ResultError
		}
		return boolResult(actual >= c.MinValue && actual <= c.MaxValue)
	case OpAllowed:
		if len(c.AllowedValues) == 0 {
			return ResultError
		}
		for _, v := range c.AllowedValues {
			if actual == v {
				return ResultTrue
			}
		}
		return ResultFalse
	default:
		return ResultError
	}
}

func boolResult(b bool) Result {
	if b {
		return ResultTrue
	}
	return ResultFalse
}

// Evaluate combines the group's enabled conditions. An empty group (or one
// whose conditions are all disabled) is FALSE and never auto-triggers. Any
// ERROR makes the group ERROR. Under require_all a FALSE wins over PENDING;
// a group of only TRUE/PENDING with at least one PENDING is PENDING.
func (g *ConditionGroup) Evaluate(values IndicatorValues) Result {
	anyEnabled := false
	anyTrue := false
	anyFalse := false
	anyPending := false

	for i := range g.Conditions {
		c := &g.Conditions[i]
		if !c.Enabled {
			continue
		}
		anyEnabled = true

		switch c.Evaluate(values) {
		case ResultError:
			return ResultError
		case ResultTrue:
			anyTrue = true
		case ResultFalse:
			anyFalse = true
		case ResultPending:
			anyPending = true
		}
	}

	if !anyEnabled {
		return ResultFalse
	}

	if g.RequireAll {
		if anyFalse {
			return ResultFalse
		}
		if anyPending {
			return ResultPending
		}
		return ResultTrue
	}

	if anyTrue {
		return ResultTrue
	}
	if anyPending {
		return ResultPending
	}
	return ResultFalse
}

// MetConditions returns the names of enabled conditions that currently hold,
// for signal payload diagnostics.
func (g *ConditionGroup) MetConditions(values IndicatorValues) []string {
	var met []string
	for i := range g.Conditions {
		c := &g.Conditions[i]
		if c.Enabled && c.Evaluate(values) == ResultTrue {
			name := c.Name
			if name == "" {
				name = c.ConditionType
			}
			met = append(met, name)
		}
	}
	return met
}
