package pipeline

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/pvorotnikov/open-iot-sub001/errors"
)

// Pipeline routes messages matching Topic through Modules in order
type Pipeline struct {
	ID             string    `json:"id" yaml:"id"`
	Name           string    `json:"name,omitempty" yaml:"name,omitempty"`
	Topic          string    `json:"topic" yaml:"topic"`
	Modules        []string  `json:"modules" yaml:"modules"`
	Rules          []string  `json:"rules,omitempty" yaml:"rules,omitempty"`
	Priority       int       `json:"priority" yaml:"priority"`
	Strict         bool      `json:"strict" yaml:"strict"`
	RepublishTopic string    `json:"republish_topic,omitempty" yaml:"republish_topic,omitempty"`
	Enabled        bool      `json:"enabled" yaml:"enabled"`
	CreatedAt      time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt      time.Time `json:"updated_at,omitempty" yaml:"-"`

	// Seq is the creation sequence used to break priority ties
	Seq uint64 `json:"seq" yaml:"-"`
}

// Validate checks id, topic pattern and republish topic syntax
func (p Pipeline) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "Validate", "id validation")
	}
	if err := ValidatePattern(p.Topic); err != nil {
		return errors.WrapInvalid(fmt.Errorf("pipeline %q: %w", p.ID, err), "Pipeline", "Validate", "topic validation")
	}
	if p.RepublishTopic != "" {
		if err := ValidateRepublishTopic(p.RepublishTopic); err != nil {
			return errors.WrapInvalid(fmt.Errorf("pipeline %q: %w", p.ID, err),
				"Pipeline", "Validate", "republish topic validation")
		}
	}
	for i, id := range p.Modules {
		if strings.TrimSpace(id) == "" {
			return errors.WrapInvalid(fmt.Errorf("pipeline %q: module %d has an empty id", p.ID, i),
				"Pipeline", "Validate", "module validation")
		}
	}
	return nil
}

// Matches reports whether the pipeline pattern matches topic
func (p Pipeline) Matches(topic string) bool {
	return MatchTopic(p.Topic, topic)
}

func (p Pipeline) clone() Pipeline {
	p.Modules = slices.Clone(p.Modules)
	p.Rules = slices.Clone(p.Rules)
	return p
}
