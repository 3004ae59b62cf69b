package rule

import (
	"cmp"
	"slices"

	"github.com/pvorotnikov/open-iot-sub001/message"
)

// Decision is the result of evaluating a rule set against a message
type Decision struct {
	Allow     bool     `json:"allow"`
	Tags      []string `json:"tags,omitempty"`
	DeniedBy  string   `json:"denied_by,omitempty"`
	AllowedBy []string `json:"allowed_by,omitempty"`
	Matched   []string `json:"matched,omitempty"`
}

// Evaluate applies rules to msg without mutating either. An empty rule set
// allows the message.
func Evaluate(msg *message.Message, rules []Rule) Decision {
	ordered := slices.Clone(rules)
	slices.SortStableFunc(ordered, func(a, b Rule) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	v := &view{msg: msg}
	added := make(map[string]struct{})
	decision := Decision{Allow: true}

	for _, r := range ordered {
		if !r.Enabled || !v.matches(r.Match) {
			continue
		}
		decision.Matched = append(decision.Matched, r.ID)

		switch r.Action.Type {
		case ActionDeny:
			decision.Allow = false
			decision.DeniedBy = r.ID
			decision.Tags = collect(added)
			return decision
		case ActionAllow:
			decision.AllowedBy = append(decision.AllowedBy, r.ID)
		case ActionAddTag:
			for _, tag := range r.Action.Tags {
				if tag != "" {
					added[tag] = struct{}{}
				}
			}
		}
	}

	decision.Tags = collect(added)
	return decision
}

func collect(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for tag := range set {
		out = append(out, tag)
	}
	slices.Sort(out)
	return out
}
