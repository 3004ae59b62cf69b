// Package validate provides a module that rejects empty, non-JSON or
// schema-violating payloads.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/xeipuuv/gojsonschema"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/message"
	"github.com/pvorotnikov/open-iot-sub001/module"
)

// FactoryName is the catalog name of the module
const FactoryName = "validate"

// What to do with a payload that fails validation
const (
	OnInvalidError = "error"
	OnInvalidDrop  = "drop"
)

// Config configures the validator
type Config struct {
	// Schema is an inline JSON schema document.
	Schema map[string]any `json:"schema,omitempty"`
	// SchemaFile is a path to a JSON schema, read on load.
	SchemaFile string `json:"schema_file,omitempty"`
	// RequireJSON rejects payloads that are not JSON even without a schema.
	RequireJSON bool `json:"require_json"`
	// OnInvalid is "error" (a module fault) or "drop" (end the walk quietly).
	OnInvalid string `json:"on_invalid"`
}

// DefaultConfig returns a config that only rejects empty payloads
func DefaultConfig() Config {
	return Config{OnInvalid: OnInvalidError}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Schema != nil && c.SchemaFile != "" {
		return errors.WrapInvalid(fmt.Errorf("schema and schema_file are mutually exclusive"),
			"Validator", "Validate", "schema source")
	}
	switch c.OnInvalid {
	case OnInvalidError, OnInvalidDrop:
	default:
		return errors.WrapInvalid(fmt.Errorf("on_invalid %q must be %q or %q", c.OnInvalid, OnInvalidError, OnInvalidDrop),
			"Validator", "Validate", "on_invalid")
	}
	return nil
}

// Validator checks payloads before later modules see them
type Validator struct {
	module.Base

	cfg    Config
	logger *slog.Logger
	schema atomic.Pointer[gojsonschema.Schema]
}

var _ module.Module = (*Validator)(nil)

// New creates a validator from raw JSON configuration
func New(rawConfig json.RawMessage, deps module.Dependencies) (module.Module, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Validator", "New", "config unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{cfg: cfg, logger: logger}, nil
}

// Register adds the factory to catalog
func Register(catalog *module.Catalog) error {
	return catalog.RegisterFactory(module.Registration{
		Name:        FactoryName,
		Description: "Rejects empty payloads and, when configured, payloads failing a JSON schema",
		Version:     "1.0.0",
		Factory:     New,
	})
}

// Capabilities implements module.Module
func (v *Validator) Capabilities() module.Capabilities {
	features := []string{"non-empty"}
	if v.cfg.RequireJSON || v.hasSchema() {
		features = append(features, "json")
	}
	if v.hasSchema() {
		features = append(features, "json-schema")
	}
	return module.Capabilities{
		Name:        FactoryName,
		Version:     "1.0.0",
		Description: "payload validation",
		Reentrant:   true,
		Features:    features,
	}
}

func (v *Validator) hasSchema() bool {
	return v.cfg.Schema != nil || v.cfg.SchemaFile != ""
}

// Load compiles the schema
func (v *Validator) Load(_ context.Context) error {
	if !v.hasSchema() {
		return nil
	}

	var loader gojsonschema.JSONLoader
	if v.cfg.SchemaFile != "" {
		loader = gojsonschema.NewReferenceLoader("file://" + v.cfg.SchemaFile)
	} else {
		loader = gojsonschema.NewGoLoader(v.cfg.Schema)
	}

	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return errors.WrapInvalid(err, "Validator", "Load", "compile schema")
	}
	v.schema.Store(schema)
	v.logger.Debug("Schema compiled", "file", v.cfg.SchemaFile)
	return nil
}

// Unload releases the compiled schema
func (v *Validator) Unload(_ context.Context) error {
	v.schema.Store(nil)
	return nil
}

// Cleanup releases the compiled schema
func (v *Validator) Cleanup(ctx context.Context) error {
	return v.Unload(ctx)
}

// Process implements module.Module
func (v *Validator) Process(_ context.Context, msg *message.Message, pctx module.PipelineContext) (module.Outcome, error) {
	if problem := v.check(msg); problem != "" {
		if v.cfg.OnInvalid == OnInvalidDrop {
			if pctx.Logger != nil {
				pctx.Logger.Debug("Payload rejected", "reason", problem)
			}
			return module.OutcomeDrop, nil
		}
		return module.OutcomeContinue, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidData, problem), "Validator", "Process", "validate payload")
	}
	return module.OutcomeContinue, nil
}

// check returns a description of the first problem, or "" for a valid payload
func (v *Validator) check(msg *message.Message) string {
	if msg.IsEmpty() {
		return "empty payload"
	}

	schema := v.schema.Load()
	if !v.cfg.RequireJSON && schema == nil {
		return ""
	}
	if !msg.IsJSON() {
		return "payload is not JSON"
	}
	if schema == nil {
		return ""
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(msg.Payload))
	if err != nil {
		return err.Error()
	}
	if result.Valid() {
		return ""
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return "schema violation: " + strings.Join(problems, "; ")
}
