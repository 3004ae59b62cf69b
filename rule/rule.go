package rule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pvorotnikov/open-iot-sub001/errors"
)

// ActionType is what a matching rule does to the message
type ActionType string

// Rule actions
const (
	ActionAllow  ActionType = "allow"
	ActionDeny   ActionType = "deny"
	ActionAddTag ActionType = "add-tag"
)

// Action is applied when a rule matches
type Action struct {
	Type ActionType `json:"type" yaml:"type"`
	Tags []string   `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Rule is a predicate over message metadata plus an action
type Rule struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name,omitempty" yaml:"name,omitempty"`
	Priority  int        `json:"priority" yaml:"priority"`
	Match     Expression `json:"match" yaml:"match"`
	Action    Action     `json:"action" yaml:"action"`
	Enabled   bool       `json:"enabled" yaml:"enabled"`
	CreatedAt time.Time  `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt time.Time  `json:"updated_at,omitempty" yaml:"-"`
}

var levelField = regexp.MustCompile(`^topic\.level\[(\d+)\]$`)

var scalarFields = map[string]bool{
	FieldTopic:        true,
	FieldPayload:      true,
	FieldPayloadSize:  true,
	FieldPayloadEmpty: true,
	FieldPayloadJSON:  true,
	FieldTag:          true,
}

// Validate checks the rule is well formed
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Rule", "Validate", "id validation")
	}

	switch r.Action.Type {
	case ActionAllow, ActionDeny:
	case ActionAddTag:
		if len(r.Action.Tags) == 0 {
			return errors.WrapInvalid(fmt.Errorf("rule %q: add-tag action without tags", r.ID),
				"Rule", "Validate", "action validation")
		}
	default:
		return errors.WrapInvalid(fmt.Errorf("rule %q: unknown action type %q", r.ID, r.Action.Type),
			"Rule", "Validate", "action validation")
	}

	if err := r.Match.Validate(); err != nil {
		return errors.WrapInvalid(fmt.Errorf("rule %q: %w", r.ID, err), "Rule", "Validate", "expression validation")
	}
	return nil
}

// Validate checks logic, fields and operators of every condition
func (e Expression) Validate() error {
	switch e.Logic {
	case "", LogicAnd, LogicOr:
	default:
		return fmt.Errorf("unsupported logic operator %q", e.Logic)
	}

	for i, c := range e.Conditions {
		if !validField(c.Field) {
			return fmt.Errorf("condition %d: unsupported field %q", i, c.Field)
		}
		if _, ok := operators[c.Operator]; !ok && c.Operator != OpExists {
			return fmt.Errorf("condition %d: unsupported operator %q", i, c.Operator)
		}
		if c.Operator == OpRegex {
			pattern, ok := c.Value.(string)
			if !ok {
				return fmt.Errorf("condition %d: regex value must be a string", i)
			}
			if _, err := compileRegex(pattern); err != nil {
				return fmt.Errorf("condition %d: %w", i, err)
			}
		}
	}
	return nil
}

func validField(field string) bool {
	if scalarFields[field] || levelField.MatchString(field) {
		return true
	}
	path, ok := strings.CutPrefix(field, FieldPayload+".")
	return ok && path != ""
}
