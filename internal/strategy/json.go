package strategy

import (
	"encoding/json"
	"fmt"
)

// conditionDoc is the wire form of a condition. Both the modern
// {id, indicatorId, operator, value} shape and the legacy
// {name, condition_type, operator, value, enabled} shape are accepted.
type conditionDoc struct {
	ID            string          `json:"id,omitempty"`
	IndicatorID   string          `json:"indicatorId,omitempty"`
	Name          string          `json:"name,omitempty"`
	ConditionType string          `json:"condition_type,omitempty"`
	Operator      string          `json:"operator"`
	Value         json.RawMessage `json:"value"`
	Enabled       *bool           `json:"enabled,omitempty"`
	Description   string          `json:"description,omitempty"`
}

// UnmarshalJSON accepts both condition wire shapes and normalizes the
// operator and value forms at parse time.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var doc conditionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	c.Name = doc.ID
	if c.Name == "" {
		c.Name = doc.Name
	}
	c.ConditionType = doc.IndicatorID
	if c.ConditionType == "" {
		c.ConditionType = doc.ConditionType
	}
	if c.ConditionType == "" {
		return fmt.Errorf("condition %q has no indicator", c.Name)
	}

	op, err := ParseOperator(doc.Operator)
	if err != nil {
		return fmt.Errorf("condition %q: %w", c.Name, err)
	}
	c.Operator = op

	c.Description = doc.Description
	c.Enabled = true
	if doc.Enabled != nil {
		c.Enabled = *doc.Enabled
	}

	return c.decodeValue(doc.Value)
}

// decodeValue parses the polymorphic value field: a number for scalar
// comparisons, a two-element array for between, a set for allowed.
func (c *Condition) decodeValue(raw json.RawMessage) error {
	c.Value = 0
	c.MinValue = 0
	c.MaxValue = 0
	c.AllowedValues = nil

	if len(raw) == 0 {
		if c.Operator == OpBetween || c.Operator == OpAllowed {
			return fmt.Errorf("condition %q: operator %s requires a value", c.Name, c.Operator)
		}
		return nil
	}

	switch c.Operator {
	case OpBetween:
		var pair []float64
		if err := json.Unmarshal(raw, &pair); err != nil {
			return fmt.Errorf("condition %q: between expects [min, max]: %w", c.Name, err)
		}
		if len(pair) != 2 {
			return fmt.Errorf("condition %q: between expects exactly 2 values, got %d", c.Name, len(pair))
		}
		c.MinValue, c.MaxValue = pair[0], pair[1]
	case OpAllowed:
		var set []float64
		if err := json.Unmarshal(raw, &set); err != nil {
			return fmt.Errorf("condition %q: allowed expects a value set: %w", c.Name, err)
		}
		c.AllowedValues = set
	default:
		if err := json.Unmarshal(raw, &c.Value); err != nil {
			return fmt.Errorf("condition %q: expected numeric value: %w", c.Name, err)
		}
	}
	return nil
}

// MarshalJSON writes the modern condition shape with a canonical operator
func (c Condition) MarshalJSON() ([]byte, error) {
	var value json.RawMessage
	var err error
	switch c.Operator {
	case OpBetween:
		value, err = json.Marshal([2]float64{c.MinValue, c.MaxValue})
	case OpAllowed:
		value, err = json.Marshal(c.AllowedValues)
	default:
		value, err = json.Marshal(c.Value)
	}
	if err != nil {
		return nil, err
	}

	enabled := c.Enabled
	return json.Marshal(conditionDoc{
		ID:          c.Name,
		IndicatorID: c.ConditionType,
		Operator:    c.Operator.String(),
		Value:       value,
		Enabled:     &enabled,
		Description: c.Description,
	})
}

// groupDoc is the wire form of a section: the condition group plus the
// section-specific settings that ride along with it in the document.
type groupDoc struct {
	Name       string      `json:"name,omitempty"`
	RequireAll *bool       `json:"require_all,omitempty"`
	Conditions []Condition `json:"conditions"`

	TimeoutSeconds      int               `json:"timeoutSeconds,omitempty"`
	PositionSize        *PositionSizeSpec `json:"positionSize,omitempty"`
	StopLoss            *float64          `json:"stopLoss,omitempty"`
	TakeProfit          *float64          `json:"takeProfit,omitempty"`
	Leverage            *float64          `json:"leverage,omitempty"`
	RiskAdjustedPricing *bool             `json:"riskAdjustedPricing,omitempty"`
	CooldownMinutes     *int              `json:"cooldownMinutes,omitempty"`
	Actions             *EmergencyActions `json:"actions,omitempty"`
}

// strategyDoc is the persisted document. Modern section keys are written;
// both modern and legacy keys are accepted on load.
type strategyDoc struct {
	StrategyName string        `json:"strategy_name"`
	Direction    Direction     `json:"direction"`
	Enabled      bool          `json:"enabled"`
	Symbol       string        `json:"symbol,omitempty"`
	GlobalLimits *GlobalLimits `json:"global_limits,omitempty"`

	S1  *groupDoc `json:"s1_signal,omitempty"`
	O1  *groupDoc `json:"o1_cancel,omitempty"`
	Z1  *groupDoc `json:"z1_entry,omitempty"`
	ZE1 *groupDoc `json:"ze1_close,omitempty"`
	E1  *groupDoc `json:"emergency_exit,omitempty"`

	LegacyS1  *groupDoc `json:"signal_detection,omitempty"`
	LegacyO1  *groupDoc `json:"signal_cancellation,omitempty"`
	LegacyZ1  *groupDoc `json:"entry_conditions,omitempty"`
	LegacyZE1 *groupDoc `json:"close_order_detection,omitempty"`
}

func pickSection(modern, legacy *groupDoc) *groupDoc {
	if modern != nil {
		return modern
	}
	return legacy
}

func (doc *groupDoc) toGroup(name string, defaultRequireAll bool) ConditionGroup {
	group := ConditionGroup{Name: name, RequireAll: defaultRequireAll}
	if doc == nil {
		return group
	}
	if doc.RequireAll != nil {
		group.RequireAll = *doc.RequireAll
	}
	group.Conditions = doc.Conditions
	return group
}

// UnmarshalDocument parses a persisted strategy document, accepting legacy
// section keys and normalizing operators.
func UnmarshalDocument(data []byte) (*Strategy, error) {
	var doc strategyDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse strategy document: %w", err)
	}
	if doc.StrategyName == "" {
		return nil, fmt.Errorf("strategy document missing strategy_name")
	}

	switch doc.Direction {
	case DirectionLong, DirectionShort, DirectionBoth:
	case "":
		doc.Direction = DirectionLong
	default:
		return nil, fmt.Errorf("strategy %q: unknown direction %q", doc.StrategyName, doc.Direction)
	}

	s := New(doc.StrategyName, doc.Direction, doc.Symbol)
	s.Enabled = doc.Enabled
	if doc.GlobalLimits != nil {
		s.GlobalLimits = *doc.GlobalLimits
	}
	applyCooldownDefaults(&s.GlobalLimits)

	s1 := pickSection(doc.S1, doc.LegacyS1)
	o1 := pickSection(doc.O1, doc.LegacyO1)
	z1 := pickSection(doc.Z1, doc.LegacyZ1)
	ze1 := pickSection(doc.ZE1, doc.LegacyZE1)
	e1 := doc.E1 // same key in both schemas

	s.S1 = s1.toGroup(SectionS1, true)
	s.O1 = o1.toGroup(SectionO1, false)
	s.Z1 = z1.toGroup(SectionZ1, true)
	s.ZE1 = ze1.toGroup(SectionZE1, false)
	s.E1 = e1.toGroup(SectionE1, false)

	if o1 != nil {
		s.O1TimeoutSeconds = o1.TimeoutSeconds
	}
	if z1 != nil {
		s.PositionSize = z1.PositionSize
		if z1.StopLoss != nil {
			s.StopLossPct = *z1.StopLoss
		}
		if z1.TakeProfit != nil {
			s.TakeProfitPct = *z1.TakeProfit
		}
		if z1.Leverage != nil {
			s.Leverage = *z1.Leverage
		}
	}
	if ze1 != nil && ze1.RiskAdjustedPricing != nil {
		s.RiskAdjustedPricing = *ze1.RiskAdjustedPricing
	}
	if e1 != nil {
		if e1.CooldownMinutes != nil {
			s.GlobalLimits.EmergencyExitCooldownMinutes = *e1.CooldownMinutes
		}
		s.EmergencyActions = e1.Actions
	}

	return s, nil
}

func applyCooldownDefaults(gl *GlobalLimits) {
	if gl.SignalCancellationCooldownMinutes <= 0 {
		gl.SignalCancellationCooldownMinutes = DefaultSignalCancellationCooldownMinutes
	}
	if gl.EmergencyExitCooldownMinutes <= 0 {
		gl.EmergencyExitCooldownMinutes = DefaultEmergencyExitCooldownMinutes
	}
	if gl.ExitCooldownMinutes <= 0 {
		gl.ExitCooldownMinutes = DefaultExitCooldownMinutes
	}
}

// MarshalDocument serializes a strategy using the modern schema keys
func MarshalDocument(s *Strategy) ([]byte, error) {
	doc := strategyDoc{
		StrategyName: s.Name,
		Direction:    s.Direction,
		Enabled:      s.Enabled,
		Symbol:       s.Symbol,
	}
	limits := s.GlobalLimits
	doc.GlobalLimits = &limits

	doc.S1 = groupToDoc(&s.S1)
	doc.O1 = groupToDoc(&s.O1)
	doc.Z1 = groupToDoc(&s.Z1)
	doc.ZE1 = groupToDoc(&s.ZE1)
	doc.E1 = groupToDoc(&s.E1)

	if s.O1TimeoutSeconds > 0 {
		doc.O1.TimeoutSeconds = s.O1TimeoutSeconds
	}
	doc.Z1.PositionSize = s.PositionSize
	if s.StopLossPct != 0 {
		v := s.StopLossPct
		doc.Z1.StopLoss = &v
	}
	if s.TakeProfitPct != 0 {
		v := s.TakeProfitPct
		doc.Z1.TakeProfit = &v
	}
	if s.Leverage != 0 {
		v := s.Leverage
		doc.Z1.Leverage = &v
	}
	if s.RiskAdjustedPricing {
		v := true
		doc.ZE1.RiskAdjustedPricing = &v
	}
	cooldown := s.GlobalLimits.EmergencyExitCooldownMinutes
	doc.E1.CooldownMinutes = &cooldown
	doc.E1.Actions = s.EmergencyActions

	return json.Marshal(doc)
}

func groupToDoc(g *ConditionGroup) *groupDoc {
	requireAll := g.RequireAll
	conditions := g.Conditions
	if conditions == nil {
		conditions = []Condition{}
	}
	return &groupDoc{
		RequireAll: &requireAll,
		Conditions: conditions,
	}
}
