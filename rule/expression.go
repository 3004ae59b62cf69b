package rule

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// Condition is a single field/operator/value test
type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Expression combines conditions with a logic operator. Logic defaults to "and".
type Expression struct {
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Logic      string      `json:"logic,omitempty" yaml:"logic,omitempty"`
}

// Fields
const (
	FieldTopic        = "topic"
	FieldPayload      = "payload"
	FieldPayloadSize  = "payload.size"
	FieldPayloadEmpty = "payload.empty"
	FieldPayloadJSON  = "payload.json"
	FieldTag          = "tag"
)

// Operators
const (
	OpEqual            = "eq"
	OpNotEqual         = "ne"
	OpLessThan         = "lt"
	OpLessThanEqual    = "lte"
	OpGreaterThan      = "gt"
	OpGreaterThanEqual = "gte"
	OpContains         = "contains"
	OpStartsWith       = "starts_with"
	OpEndsWith         = "ends_with"
	OpRegex            = "regex"
	OpExists           = "exists"
)

// Logic operators
const (
	LogicAnd = "and"
	LogicOr  = "or"
)

// operatorFunc compares a resolved field value with the condition value
type operatorFunc func(fieldValue, compareValue any) (bool, error)

var operators = map[string]operatorFunc{
	OpEqual:            operatorEqual,
	OpNotEqual:         operatorNotEqual,
	OpLessThan:         ordered(func(c int) bool { return c < 0 }),
	OpLessThanEqual:    ordered(func(c int) bool { return c <= 0 }),
	OpGreaterThan:      ordered(func(c int) bool { return c > 0 }),
	OpGreaterThanEqual: ordered(func(c int) bool { return c >= 0 }),
	OpContains:         stringOp(strings.Contains),
	OpStartsWith:       stringOp(strings.HasPrefix),
	OpEndsWith:         stringOp(strings.HasSuffix),
	OpRegex:            operatorRegex,
}

func operatorEqual(fieldValue, compareValue any) (bool, error) {
	cmp, err := compareValues(fieldValue, compareValue)
	return err == nil && cmp == 0, err
}

func operatorNotEqual(fieldValue, compareValue any) (bool, error) {
	cmp, err := compareValues(fieldValue, compareValue)
	return err == nil && cmp != 0, err
}

func ordered(test func(int) bool) operatorFunc {
	return func(fieldValue, compareValue any) (bool, error) {
		cmp, err := compareValues(fieldValue, compareValue)
		if err != nil {
			return false, err
		}
		return test(cmp), nil
	}
}

func stringOp(test func(s, substr string) bool) operatorFunc {
	return func(fieldValue, compareValue any) (bool, error) {
		return test(toString(fieldValue), toString(compareValue)), nil
	}
}

func operatorRegex(fieldValue, compareValue any) (bool, error) {
	pattern, ok := compareValue.(string)
	if !ok {
		return false, fmt.Errorf("regex pattern must be a string")
	}
	re, err := compileRegex(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(toString(fieldValue)), nil
}

// compareValues orders two values numerically when both are numbers,
// as booleans when both are booleans and lexically otherwise
func compareValues(a, b any) (int, error) {
	aNum, aIsNum := toFloat64(a)
	bNum, bIsNum := toFloat64(b)
	if aIsNum && bIsNum {
		return cmp.Compare(aNum, bNum), nil
	}

	aBool, aIsBool := a.(bool)
	bBool, bIsBool := b.(bool)
	if aIsBool || bIsBool {
		if !aIsBool || !bIsBool {
			return 0, fmt.Errorf("cannot compare %T with %T", a, b)
		}
		if aBool == bBool {
			return 0, nil
		}
		if !aBool {
			return -1, nil
		}
		return 1, nil
	}

	if aIsNum != bIsNum {
		// numeric strings such as topic levels compare as numbers
		if !aIsNum {
			aNum, aIsNum = parseFloat(a)
		} else {
			bNum, bIsNum = parseFloat(b)
		}
		if !aIsNum || !bIsNum {
			return 0, fmt.Errorf("cannot compare %T with %T", a, b)
		}
		return cmp.Compare(aNum, bNum), nil
	}
	return strings.Compare(toString(a), toString(b)), nil
}

func parseFloat(v any) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}
