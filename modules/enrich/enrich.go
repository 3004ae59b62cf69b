// Package enrich provides a module that writes message metadata and static
// fields into a JSON payload.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/message"
	"github.com/pvorotnikov/open-iot-sub001/module"
)

// FactoryName is the catalog name of the module
const FactoryName = "enrich"

// Config names the paths that receive each value. An empty path skips it.
type Config struct {
	CorrelationIDPath string `json:"correlation_id_path"`
	ReceivedAtPath    string `json:"received_at_path"`
	TagsPath          string `json:"tags_path"`
	TopicPath         string `json:"topic_path"`
	PipelinePath      string `json:"pipeline_path"`
	// Fields are static values keyed by sjson path.
	Fields map[string]any `json:"fields,omitempty"`
	// Overwrite replaces values that already exist in the payload.
	Overwrite bool `json:"overwrite"`
	// WrapNonJSON moves a non-JSON payload under RawPath instead of failing.
	WrapNonJSON bool   `json:"wrap_non_json"`
	RawPath     string `json:"raw_path"`
}

// DefaultConfig writes correlation id, receive time and tags under "meta"
func DefaultConfig() Config {
	return Config{
		CorrelationIDPath: "meta.correlation_id",
		ReceivedAtPath:    "meta.received_at",
		TagsPath:          "meta.tags",
		RawPath:           "raw",
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.WrapNonJSON && c.RawPath == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Enricher", "Validate", "raw_path")
	}
	return nil
}

// Enricher sets JSON fields on the payload
type Enricher struct {
	module.Base
	cfg Config
}

var _ module.Module = (*Enricher)(nil)

// New creates an enricher from raw JSON configuration
func New(rawConfig json.RawMessage, _ module.Dependencies) (module.Module, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Enricher", "New", "config unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Enricher{cfg: cfg}, nil
}

// Register adds the factory to catalog
func Register(catalog *module.Catalog) error {
	return catalog.RegisterFactory(module.Registration{
		Name:        FactoryName,
		Description: "Writes correlation id, receive time, tags and static fields into JSON payloads",
		Version:     "1.0.0",
		Factory:     New,
	})
}

// Capabilities implements module.Module
func (e *Enricher) Capabilities() module.Capabilities {
	return module.Capabilities{
		Name:        FactoryName,
		Version:     "1.0.0",
		Description: "payload enrichment",
		Reentrant:   true,
		Features:    []string{"json"},
	}
}

// Process implements module.Module
func (e *Enricher) Process(_ context.Context, msg *message.Message, pctx module.PipelineContext) (module.Outcome, error) {
	payload, err := e.base(msg)
	if err != nil {
		return module.OutcomeContinue, err
	}

	set := func(path string, value any) error {
		if path == "" {
			return nil
		}
		if !e.cfg.Overwrite && gjson.GetBytes(payload, path).Exists() {
			return nil
		}
		out, err := sjson.SetBytes(payload, path, value)
		if err != nil {
			return errors.WrapInvalid(err, "Enricher", "Process", "set "+path)
		}
		payload = out
		return nil
	}

	if err := set(e.cfg.CorrelationIDPath, msg.CorrelationID()); err != nil {
		return module.OutcomeContinue, err
	}
	if err := set(e.cfg.ReceivedAtPath, msg.ReceivedAt().UTC().Format(time.RFC3339Nano)); err != nil {
		return module.OutcomeContinue, err
	}
	if err := set(e.cfg.TagsPath, msg.Tags()); err != nil {
		return module.OutcomeContinue, err
	}
	if err := set(e.cfg.TopicPath, msg.Topic()); err != nil {
		return module.OutcomeContinue, err
	}
	if err := set(e.cfg.PipelinePath, pctx.PipelineID); err != nil {
		return module.OutcomeContinue, err
	}
	for _, path := range slices.Sorted(maps.Keys(e.cfg.Fields)) {
		if err := set(path, e.cfg.Fields[path]); err != nil {
			return module.OutcomeContinue, err
		}
	}

	msg.Payload = payload
	return module.OutcomeContinue, nil
}

// base returns the JSON document to enrich
func (e *Enricher) base(msg *message.Message) ([]byte, error) {
	switch {
	case msg.IsEmpty():
		return []byte("{}"), nil
	case msg.IsJSON() && gjson.ParseBytes(msg.Payload).IsObject():
		return msg.Payload, nil
	case e.cfg.WrapNonJSON:
		out, err := sjson.SetBytes([]byte("{}"), e.cfg.RawPath, string(msg.Payload))
		if err != nil {
			return nil, errors.WrapInvalid(err, "Enricher", "Process", "wrap payload")
		}
		return out, nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: payload is not a JSON object", errors.ErrInvalidData),
			"Enricher", "Process", "read payload")
	}
}
