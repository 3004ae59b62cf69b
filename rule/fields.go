package rule

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/pvorotnikov/open-iot-sub001/message"
)

// view is the message as seen by conditions. Only the tags the message
// arrived with are visible; tags added during an evaluation are not, so the
// set of matching rules never depends on their order.
type view struct {
	msg *message.Message
}

func (v *view) hasTag(tag string) bool { return v.msg.HasTag(tag) }

func (v *view) tags() []string { return v.msg.Tags() }

// resolve returns the value of field for the message and whether it exists
func (v *view) resolve(field string) (any, bool) {
	switch field {
	case FieldTopic:
		return v.msg.Topic(), true
	case FieldPayload:
		return string(v.msg.Payload), true
	case FieldPayloadSize:
		return float64(v.msg.PayloadSize()), true
	case FieldPayloadEmpty:
		return v.msg.IsEmpty(), true
	case FieldPayloadJSON:
		return v.msg.IsJSON(), true
	case FieldTag:
		tags := v.tags()
		return tags, len(tags) > 0
	}

	if m := levelField.FindStringSubmatch(field); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, false
		}
		levels := v.msg.Levels()
		if n >= len(levels) {
			return nil, false
		}
		return levels[n], true
	}

	if path, ok := strings.CutPrefix(field, FieldPayload+"."); ok {
		if !v.msg.IsJSON() {
			return nil, false
		}
		result := gjson.GetBytes(v.msg.Payload, path)
		if !result.Exists() {
			return nil, false
		}
		return result.Value(), true
	}

	return nil, false
}

// evaluateCondition never fails: errors make the condition false
func (v *view) evaluateCondition(c Condition) bool {
	value, exists := v.resolve(c.Field)

	if c.Operator == OpExists {
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return exists == want
	}

	if c.Field == FieldTag {
		return v.evaluateTag(c)
	}

	if !exists {
		return false
	}
	op, ok := operators[c.Operator]
	if !ok {
		return false
	}
	result, err := op(value, c.Value)
	return err == nil && result
}

// evaluateTag applies set semantics to the tag field
func (v *view) evaluateTag(c Condition) bool {
	switch c.Operator {
	case OpEqual:
		return v.hasTag(toString(c.Value))
	case OpNotEqual:
		return !v.hasTag(toString(c.Value))
	}

	op, ok := operators[c.Operator]
	if !ok {
		return false
	}
	for _, tag := range v.tags() {
		if result, err := op(tag, c.Value); err == nil && result {
			return true
		}
	}
	return false
}

func (v *view) matches(expr Expression) bool {
	if len(expr.Conditions) == 0 {
		return true
	}

	if expr.Logic == LogicOr {
		for _, c := range expr.Conditions {
			if v.evaluateCondition(c) {
				return true
			}
		}
		return false
	}

	for _, c := range expr.Conditions {
		if !v.evaluateCondition(c) {
			return false
		}
	}
	return true
}
