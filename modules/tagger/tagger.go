// Package tagger provides a module that attaches a fixed set of tags,
// optionally only for topics matching one of its filters.
package tagger

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/message"
	"github.com/pvorotnikov/open-iot-sub001/module"
	"github.com/pvorotnikov/open-iot-sub001/pipeline"
)

// FactoryName is the catalog name of the module
const FactoryName = "tagger"

// Config lists the tags and the topics they apply to
type Config struct {
	Tags []string `json:"tags"`
	// Topics restricts tagging to matching topics; empty means every topic.
	Topics []string `json:"topics,omitempty"`
}

// Validate checks the configuration
func (c Config) Validate() error {
	if len(c.Tags) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Tagger", "Validate", "tags")
	}
	for _, t := range c.Tags {
		if strings.TrimSpace(t) == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Tagger", "Validate", "empty tag")
		}
	}
	for _, f := range c.Topics {
		if err := pipeline.ValidatePattern(f); err != nil {
			return errors.WrapInvalid(err, "Tagger", "Validate", "topic filter")
		}
	}
	return nil
}

// Tagger adds static tags
type Tagger struct {
	module.Base
	cfg Config
}

var _ module.Module = (*Tagger)(nil)

// New creates a tagger from raw JSON configuration
func New(rawConfig json.RawMessage, _ module.Dependencies) (module.Module, error) {
	var cfg Config
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Tagger", "New", "config unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tagger{cfg: cfg}, nil
}

// Register adds the factory to catalog
func Register(catalog *module.Catalog) error {
	return catalog.RegisterFactory(module.Registration{
		Name:        FactoryName,
		Description: "Attaches static tags to messages",
		Version:     "1.0.0",
		Factory:     New,
	})
}

// Capabilities implements module.Module
func (t *Tagger) Capabilities() module.Capabilities {
	return module.Capabilities{
		Name:        FactoryName,
		Version:     "1.0.0",
		Description: "adds " + strings.Join(t.cfg.Tags, ", "),
		Reentrant:   true,
	}
}

// Process implements module.Module
func (t *Tagger) Process(_ context.Context, msg *message.Message, _ module.PipelineContext) (module.Outcome, error) {
	if t.applies(msg.Topic()) {
		msg.AddTags(t.cfg.Tags...)
	}
	return module.OutcomeContinue, nil
}

func (t *Tagger) applies(topic string) bool {
	if len(t.cfg.Topics) == 0 {
		return true
	}
	for _, f := range t.cfg.Topics {
		if pipeline.MatchTopic(f, topic) {
			return true
		}
	}
	return false
}
