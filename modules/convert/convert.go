// Package convert provides the convert-units module, which rewrites a
// numeric JSON field from one unit to another in place.
//
// Supported dimensions are temperature, length, pressure and speed. The
// field is addressed with a gjson path and written back with sjson, so the
// rest of the payload is left byte-for-byte intact.
package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/message"
	"github.com/pvorotnikov/open-iot-sub001/module"
)

// FactoryName is the catalog name of the module
const FactoryName = "convert-units"

// Config configures one conversion
type Config struct {
	Path string `json:"path"`
	From string `json:"from"`
	To   string `json:"to"`
	// UnitPath, when set, receives the target unit symbol.
	UnitPath string `json:"unit_path,omitempty"`
	// Precision is the number of decimals kept; negative keeps all.
	Precision int `json:"precision"`
	// IgnoreMissing passes messages without the field through unchanged.
	IgnoreMissing bool `json:"ignore_missing"`
}

// DefaultConfig converts "value" from celsius to fahrenheit
func DefaultConfig() Config {
	return Config{
		Path:      "value",
		From:      "celsius",
		To:        "fahrenheit",
		Precision: 2,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Converter", "Validate", "path")
	}
	if _, _, err := converter(c.From, c.To); err != nil {
		return errors.WrapInvalid(err, "Converter", "Validate", "units")
	}
	return nil
}

// Converter rewrites a numeric field to another unit
type Converter struct {
	module.Base

	cfg     Config
	logger  *slog.Logger
	convert func(float64) float64
	symbol  string
}

var _ module.Module = (*Converter)(nil)

// New creates a converter from raw JSON configuration
func New(rawConfig json.RawMessage, deps module.Dependencies) (module.Module, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Converter", "New", "config unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fn, dst, _ := converter(cfg.From, cfg.To)
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{cfg: cfg, logger: logger, convert: fn, symbol: dst.symbol}, nil
}

// Register adds the factory to catalog
func Register(catalog *module.Catalog) error {
	return catalog.RegisterFactory(module.Registration{
		Name:        FactoryName,
		Description: "Converts a numeric JSON field between units",
		Version:     "1.0.0",
		Factory:     New,
	})
}

// Capabilities implements module.Module
func (c *Converter) Capabilities() module.Capabilities {
	return module.Capabilities{
		Name:        FactoryName,
		Version:     "1.0.0",
		Description: fmt.Sprintf("%s: %s -> %s", c.cfg.Path, c.cfg.From, c.cfg.To),
		Reentrant:   true,
		Features:    []string{"json"},
	}
}

// Process implements module.Module
func (c *Converter) Process(_ context.Context, msg *message.Message, _ module.PipelineContext) (module.Outcome, error) {
	if !msg.IsJSON() {
		return module.OutcomeContinue, errors.WrapInvalid(
			fmt.Errorf("%w: payload is not JSON", errors.ErrInvalidData), "Converter", "Process", "read payload")
	}

	field := gjson.GetBytes(msg.Payload, c.cfg.Path)
	if !field.Exists() {
		if c.cfg.IgnoreMissing {
			return module.OutcomeContinue, nil
		}
		return module.OutcomeContinue, errors.WrapInvalid(
			fmt.Errorf("%w: field %q missing", errors.ErrInvalidData, c.cfg.Path), "Converter", "Process", "read field")
	}
	if field.Type != gjson.Number {
		return module.OutcomeContinue, errors.WrapInvalid(
			fmt.Errorf("%w: field %q is %s, not a number", errors.ErrInvalidData, c.cfg.Path, field.Type),
			"Converter", "Process", "read field")
	}

	value := c.round(c.convert(field.Float()))
	payload, err := sjson.SetBytes(msg.Payload, c.cfg.Path, value)
	if err != nil {
		return module.OutcomeContinue, errors.Wrap(err, "Converter", "Process", "write field")
	}
	if c.cfg.UnitPath != "" {
		payload, err = sjson.SetBytes(payload, c.cfg.UnitPath, c.symbol)
		if err != nil {
			return module.OutcomeContinue, errors.Wrap(err, "Converter", "Process", "write unit")
		}
	}

	msg.Payload = payload
	return module.OutcomeContinue, nil
}

func (c *Converter) round(v float64) float64 {
	if c.cfg.Precision < 0 {
		return v
	}
	scale := math.Pow(10, float64(c.cfg.Precision))
	return math.Round(v*scale) / scale
}
