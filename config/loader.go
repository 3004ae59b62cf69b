package config

import (
	"bytes"
	"fmt"
	"io"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/pvorotnikov/open-iot-sub001/errors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "SEMROUTE_"

// Loader builds a Config from defaults, file layers and the environment.
// Each layer only overrides the fields it sets; lists replace whole lists.
type Loader struct {
	layers      []string
	validation  bool
	environment map[string]string
}

// NewLoader creates a loader with validation enabled
func NewLoader() *Loader {
	return &Loader{validation: true}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation in Load
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// WithEnvironment replaces the process environment as the override source
func (l *Loader) WithEnvironment(environment map[string]string) *Loader {
	l.environment = environment
	return l
}

// LoadFile loads defaults plus a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load applies defaults, every layer and the environment, then validates
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		data, err := readConfigFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "read "+path)
		}
		if err := decodeInto(cfg, bytes.NewReader(data)); err != nil {
			return nil, errors.Wrap(err, "Loader", "Load", "decode "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// decodeInto overlays a YAML (or JSON) document onto cfg
func decodeInto(cfg *Config, r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrParsingFailed, err),
			"Loader", "decode", "unmarshal configuration")
	}
	return nil
}

// applyEnvOverrides parses each section under its own prefix. Module
// installs have no environment form.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	sections := []struct {
		prefix string
		target any
	}{
		{"TRANSPORT_", &cfg.Transport},
		{"ROUTER_", &cfg.Router},
		{"DEFINITIONS_", &cfg.Definitions},
		{"ADMIN_", &cfg.Admin},
	}

	for _, s := range sections {
		opts := env.Options{Prefix: EnvPrefix + s.prefix}
		if l.environment != nil {
			opts.Environment = l.environment
		}
		if err := env.ParseWithOptions(s.target, opts); err != nil {
			return errors.WrapInvalid(err, "Loader", "Load", "environment overrides "+opts.Prefix)
		}
	}
	return nil
}

// Parse decodes a single document over the defaults without environment overrides
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decodeInto(cfg, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders cfg as YAML
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.WrapFatal(err, "Config", "Marshal", "marshal configuration")
	}
	return data, nil
}
