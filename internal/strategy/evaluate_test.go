package strategy

import (
	"math"
	"testing"
)

func values(kv ...interface{}) IndicatorValues {
	iv := make(IndicatorValues)
	for i := 0; i < len(kv); i += 2 {
		iv.Set(kv[i].(string), kv[i+1].(float64))
	}
	return iv
}

func cond(indicator string, op Operator, value float64) Condition {
	return Condition{ConditionType: indicator, Operator: op, Value: value, Enabled: true}
}

// TestParseOperatorSynonyms verifies symbol synonyms map to canonical forms
func TestParseOperatorSynonyms(t *testing.T) {
	cases := []struct {
		in   string
		want Operator
	}{
		{"gte", OpGTE}, {">=", OpGTE},
		{"lte", OpLTE}, {"<=", OpLTE},
		{"gt", OpGT}, {">", OpGT},
		{"lt", OpLT}, {"<", OpLT},
		{"eq", OpEQ}, {"==", OpEQ}, {"=", OpEQ},
		{"between", OpBetween},
		{"allowed", OpAllowed},
		{"GTE", OpGTE}, {" >= ", OpGTE},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseOperator(tc.in)
			if err != nil {
				t.Fatalf("ParseOperator(%q) failed: %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("ParseOperator(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

// TestParseOperatorRejectsUnknown verifies unknown operators fail at parse time
func TestParseOperatorRejectsUnknown(t *testing.T) {
	if _, err := ParseOperator("approx"); err == nil {
		t.Error("Expected error for unknown operator")
	}
}

// TestConditionMissingIndicatorIsPending verifies absent inputs produce PENDING
func TestConditionMissingIndicatorIsPending(t *testing.T) {
	c := cond("pump_magnitude_pct", OpGTE, 5)

	if got := c.Evaluate(values()); got != ResultPending {
		t.Errorf("Expected PENDING, got %s", got)
	}
}

// TestConditionLookupIsCaseInsensitive verifies indicator key lookup ignores case
func TestConditionLookupIsCaseInsensitive(t *testing.T) {
	c := cond("Pump_Magnitude_Pct", OpGTE, 5)

	if got := c.Evaluate(values("PUMP_MAGNITUDE_PCT", 7.5)); got != ResultTrue {
		t.Errorf("Expected TRUE, got %s", got)
	}
}

// TestConditionOperators verifies each comparison against known values
func TestConditionOperators(t *testing.T) {
	iv := values("rsi", 50.0)

	cases := []struct {
		name string
		c    Condition
		want Result
	}{
		{"gte_true", cond("rsi", OpGTE, 50), ResultTrue},
		{"gte_false", cond("rsi", OpGTE, 51), ResultFalse},
		{"lte_true", cond("rsi", OpLTE, 50), ResultTrue},
		{"gt_false_at_boundary", cond("rsi", OpGT, 50), ResultFalse},
		{"lt_false_at_boundary", cond("rsi", OpLT, 50), ResultFalse},
		{"eq_true", cond("rsi", OpEQ, 50), ResultTrue},
		{"eq_false", cond("rsi", OpEQ, 50.0001), ResultFalse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.c.Evaluate(iv); got != tc.want {
				t.Errorf("Expected %s, got %s", tc.want, got)
			}
		})
	}
}

// TestBetweenIsInclusive verifies both endpoints satisfy between
func TestBetweenIsInclusive(t *testing.T) {
	c := Condition{ConditionType: "rsi", Operator: OpBetween, MinValue: 30, MaxValue: 70, Enabled: true}

	for _, v := range []float64{30, 70, 50} {
		if got := c.Evaluate(values("rsi", v)); got != ResultTrue {
			t.Errorf("between(30,70) with value=%v: expected TRUE, got %s", v, got)
		}
	}
	if got := c.Evaluate(values("rsi", 29.999)); got != ResultFalse {
		t.Errorf("Expected FALSE below range, got %s", got)
	}
}

// TestBetweenInvertedRangeIsError verifies min > max is an ERROR, not FALSE
func TestBetweenInvertedRangeIsError(t *testing.T) {
	c := Condition{ConditionType: "rsi", Operator: OpBetween, MinValue: 70, MaxValue: 30, Enabled: true}

	if got := c.Evaluate(values("rsi", 50.0)); got != ResultError {
		t.Errorf("Expected ERROR, got %s", got)
	}
}

// TestAllowedMembership verifies allowed tests set membership
func TestAllowedMembership(t *testing.T) {
	c := Condition{ConditionType: "regime", Operator: OpAllowed, AllowedValues: []float64{1, 2, 3}, Enabled: true}

	if got := c.Evaluate(values("regime", 2.0)); got != ResultTrue {
		t.Errorf("Expected TRUE for member, got %s", got)
	}
	if got := c.Evaluate(values("regime", 4.0)); got != ResultFalse {
		t.Errorf("Expected FALSE for non-member, got %s", got)
	}
}

// TestNonFiniteInputIsError verifies NaN/Inf inputs surface as ERROR
func TestNonFiniteInputIsError(t *testing.T) {
	c := cond("rsi", OpGTE, 5)

	if got := c.Evaluate(values("rsi", math.NaN())); got != ResultError {
		t.Errorf("Expected ERROR for NaN, got %s", got)
	}
	if got := c.Evaluate(values("rsi", math.Inf(1))); got != ResultError {
		t.Errorf("Expected ERROR for Inf, got %s", got)
	}
}

// TestEmptyGroupIsFalse verifies the hard invariant that empty groups never
// auto-trigger, with and without require_all
func TestEmptyGroupIsFalse(t *testing.T) {
	for _, requireAll := range []bool{true, false} {
		g := ConditionGroup{Name: SectionS1, RequireAll: requireAll}
		if got := g.Evaluate(values("x", 1.0)); got != ResultFalse {
			t.Errorf("require_all=%v: expected FALSE for empty group, got %s", requireAll, got)
		}
	}
}

// TestGroupAllDisabledIsFalse verifies a group of disabled conditions behaves
// like an empty group
func TestGroupAllDisabledIsFalse(t *testing.T) {
	c := cond("rsi", OpGTE, 0)
	c.Enabled = false
	g := ConditionGroup{Conditions: []Condition{c}, RequireAll: true}

	if got := g.Evaluate(values("rsi", 50.0)); got != ResultFalse {
		t.Errorf("Expected FALSE, got %s", got)
	}
}

// TestGroupRequireAll verifies AND semantics with PENDING never upgraded to TRUE
func TestGroupRequireAll(t *testing.T) {
	g := ConditionGroup{
		RequireAll: true,
		Conditions: []Condition{
			cond("pump_magnitude_pct", OpGTE, 5),
			cond("volume_surge_ratio", OpGTE, 2),
		},
	}

	// Both present and true
	if got := g.Evaluate(values("pump_magnitude_pct", 7.5, "volume_surge_ratio", 3.0)); got != ResultTrue {
		t.Errorf("Expected TRUE, got %s", got)
	}
	// One false
	if got := g.Evaluate(values("pump_magnitude_pct", 7.5, "volume_surge_ratio", 1.0)); got != ResultFalse {
		t.Errorf("Expected FALSE, got %s", got)
	}
	// One missing: TRUE + PENDING must be PENDING
	if got := g.Evaluate(values("pump_magnitude_pct", 7.5)); got != ResultPending {
		t.Errorf("Expected PENDING, got %s", got)
	}
	// FALSE wins over PENDING under require_all
	if got := g.Evaluate(values("pump_magnitude_pct", 1.0)); got != ResultFalse {
		t.Errorf("Expected FALSE, got %s", got)
	}
}

// TestGroupAnyMode verifies OR semantics
func TestGroupAnyMode(t *testing.T) {
	g := ConditionGroup{
		Conditions: []Condition{
			cond("profit_pct", OpGTE, 10),
			cond("price_velocity", OpLTE, -15),
		},
	}

	if got := g.Evaluate(values("profit_pct", 12.0)); got != ResultTrue {
		t.Errorf("Expected TRUE when one condition holds, got %s", got)
	}
	if got := g.Evaluate(values("profit_pct", 5.0, "price_velocity", -5.0)); got != ResultFalse {
		t.Errorf("Expected FALSE, got %s", got)
	}
	if got := g.Evaluate(values("profit_pct", 5.0)); got != ResultPending {
		t.Errorf("Expected PENDING with a missing input and no TRUE, got %s", got)
	}
}

// TestGroupErrorDominates verifies ERROR propagates over every other result
func TestGroupErrorDominates(t *testing.T) {
	g := ConditionGroup{
		Conditions: []Condition{
			cond("profit_pct", OpGTE, 10),
			{ConditionType: "regime", Operator: OpAllowed, Enabled: true}, // empty set
		},
	}

	if got := g.Evaluate(values("profit_pct", 12.0, "regime", 1.0)); got != ResultError {
		t.Errorf("Expected ERROR, got %s", got)
	}
}
