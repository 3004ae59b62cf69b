package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/module"
	"github.com/pvorotnikov/open-iot-sub001/pipeline"
	"github.com/pvorotnikov/open-iot-sub001/pkg/tlsutil"
	"github.com/pvorotnikov/open-iot-sub001/router"
	"github.com/pvorotnikov/open-iot-sub001/transport/mqtt"
	"github.com/pvorotnikov/open-iot-sub001/transport/nats"
)

// Transport kinds
const (
	TransportMQTT   = "mqtt"
	TransportNATS   = "nats"
	TransportMemory = "memory"
)

// Config is the complete process configuration
type Config struct {
	Version     string            `json:"version" yaml:"version"`
	Transport   TransportConfig   `json:"transport" yaml:"transport"`
	Router      router.Config     `json:"router" yaml:"router"`
	Definitions DefinitionsConfig `json:"definitions" yaml:"definitions"`
	Admin       AdminConfig       `json:"admin" yaml:"admin"`
	Modules     []module.Install  `json:"modules" yaml:"modules"`
}

// TransportConfig selects the broker and the topic filters to subscribe
type TransportConfig struct {
	Kind          string      `json:"kind" yaml:"kind" env:"KIND"`
	Subscriptions []string    `json:"subscriptions" yaml:"subscriptions" env:"SUBSCRIPTIONS"`
	MQTT          mqtt.Config `json:"mqtt" yaml:"mqtt" envPrefix:"MQTT_"`
	NATS          nats.Config `json:"nats" yaml:"nats" envPrefix:"NATS_"`
}

// DefinitionsConfig names the sources of tags, rules and pipelines
type DefinitionsConfig struct {
	// SeedFile is a YAML document loaded at startup.
	SeedFile string   `json:"seed_file" yaml:"seed_file" env:"SEED_FILE"`
	KV       KVConfig `json:"kv" yaml:"kv" envPrefix:"KV_"`
}

// KVConfig enables the NATS KV definition store
type KVConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED"`
	// URL defaults to the NATS transport URL.
	URL string `json:"url" yaml:"url" env:"URL"`
}

// AdminConfig configures the administrative HTTP server
type AdminConfig struct {
	// Addr is the listen address; empty disables the server.
	Addr              string               `json:"addr" yaml:"addr" env:"ADDR"`
	TLS               tlsutil.ServerConfig `json:"tls" yaml:"tls"`
	ObservationBuffer int                  `json:"observation_buffer" yaml:"observation_buffer" env:"OBSERVATION_BUFFER"`
	ShutdownTimeout   time.Duration        `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// Default returns the built-in defaults
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		Transport: TransportConfig{
			Kind:          TransportMQTT,
			Subscriptions: []string{"#"},
			MQTT:          mqtt.DefaultConfig(),
			NATS:          nats.DefaultConfig(),
		},
		Router: router.DefaultConfig(),
		Admin: AdminConfig{
			Addr:              ":8080",
			ObservationBuffer: 512,
			ShutdownTimeout:   10 * time.Second,
		},
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "config presence")
	}

	switch c.Transport.Kind {
	case TransportMQTT:
		if err := c.Transport.MQTT.Validate(); err != nil {
			return errors.Wrap(err, "Config", "Validate", "transport.mqtt")
		}
	case TransportNATS:
		if err := c.Transport.NATS.Validate(); err != nil {
			return errors.Wrap(err, "Config", "Validate", "transport.nats")
		}
	case TransportMemory:
	default:
		return errors.WrapInvalid(fmt.Errorf("unknown transport kind %q", c.Transport.Kind),
			"Config", "Validate", "transport.kind")
	}

	if len(c.Transport.Subscriptions) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "transport.subscriptions")
	}
	for _, f := range c.Transport.Subscriptions {
		if err := pipeline.ValidatePattern(f); err != nil {
			return errors.WrapInvalid(err, "Config", "Validate", "transport.subscriptions")
		}
	}

	if c.Router.Workers < 0 || c.Router.QueueSize < 0 || c.Router.ModuleTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "router")
	}

	if c.Definitions.KV.Enabled && c.KVURL() == "" {
		return errors.WrapInvalid(fmt.Errorf("definitions.kv needs a url or the nats transport"),
			"Config", "Validate", "definitions.kv")
	}

	if c.Admin.TLS.Enabled && c.Admin.Addr == "" {
		return errors.WrapInvalid(fmt.Errorf("admin.tls enabled without admin.addr"), "Config", "Validate", "admin")
	}
	if c.Admin.ObservationBuffer < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "admin.observation_buffer")
	}

	return c.validateModules()
}

func (c *Config) validateModules() error {
	seen := make(map[string]bool, len(c.Modules))
	for i, m := range c.Modules {
		if strings.TrimSpace(m.ID) == "" {
			return errors.WrapInvalid(fmt.Errorf("modules[%d]: missing id", i), "Config", "Validate", "modules")
		}
		if seen[m.ID] {
			return errors.WrapInvalid(fmt.Errorf("%w: module %q", errors.ErrDuplicateID, m.ID),
				"Config", "Validate", "modules")
		}
		seen[m.ID] = true
	}
	return nil
}

// KVURL returns the NATS URL used for the definition store
func (c *Config) KVURL() string {
	if c.Definitions.KV.URL != "" {
		return c.Definitions.KV.URL
	}
	if c.Transport.Kind == TransportNATS {
		return c.Transport.NATS.URL
	}
	return ""
}

// ModuleIDs lists the configured module ids in declaration order
func (c *Config) ModuleIDs() []string {
	ids := make([]string, 0, len(c.Modules))
	for _, m := range c.Modules {
		ids = append(ids, m.ID)
	}
	return ids
}
