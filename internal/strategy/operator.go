package strategy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Operator is a comparison parsed once at construction time. Unknown operator
// strings are rejected when the strategy is loaded, never at evaluation time.
type Operator int

const (
	OpGTE Operator = iota
	OpLTE
	OpGT
	OpLT
	OpEQ
	OpBetween
	OpAllowed
)

var operatorNames = map[Operator]string{
	OpGTE:     "gte",
	OpLTE:     "lte",
	OpGT:      "gt",
	OpLT:      "lt",
	OpEQ:      "eq",
	OpBetween: "between",
	OpAllowed: "allowed",
}

// String returns the canonical operator name
func (op Operator) String() string {
	if name, ok := operatorNames[op]; ok {
		return name
	}
	return "unknown"
}

// ParseOperator converts an operator string to its canonical form. Symbol
// synonyms (>=, <=, >, <, ==, =) are accepted.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gte", ">=":
		return OpGTE, nil
	case "lte", "<=":
		return OpLTE, nil
	case "gt", ">":
		return OpGT, nil
	case "lt", "<":
		return OpLT, nil
	case "eq", "==", "=":
		return OpEQ, nil
	case "between":
		return OpBetween, nil
	case "allowed":
		return OpAllowed, nil
	default:
		return 0, fmt.Errorf("unknown operator %q", s)
	}
}

// MarshalJSON writes the canonical operator name
func (op Operator) MarshalJSON() ([]byte, error) {
	return json.Marshal(op.String())
}

// UnmarshalJSON accepts canonical names and symbol synonyms
func (op *Operator) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseOperator(s)
	if err != nil {
		return err
	}
	*op = parsed
	return nil
}
