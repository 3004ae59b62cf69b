package module

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/metric"
)

// Dependencies are handed to every factory
type Dependencies struct {
	Logger  *slog.Logger
	Metrics *metric.MetricsRegistry
}

// Factory creates a module from its raw JSON configuration.
// Factories do no I/O; that belongs in the Prepare and Load hooks.
type Factory func(rawConfig json.RawMessage, deps Dependencies) (Module, error)

// Registration describes a module factory
type Registration struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Version     string  `json:"version"`
	Factory     Factory `json:"-"`
}

// Catalog holds module factories by name
type Catalog struct {
	factories map[string]Registration
	mu        sync.RWMutex
}

// NewCatalog creates an empty factory catalog
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Registration)}
}

// RegisterFactory adds a factory. Names are unique.
func (c *Catalog) RegisterFactory(reg Registration) error {
	if strings.TrimSpace(reg.Name) == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Catalog", "RegisterFactory", "factory name validation")
	}
	if reg.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Catalog", "RegisterFactory", "factory function validation")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.factories[reg.Name]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: factory %q", errors.ErrDuplicateID, reg.Name),
			"Catalog", "RegisterFactory", "duplicate factory check")
	}
	c.factories[reg.Name] = reg
	return nil
}

// Factories lists the registered factories sorted by name
func (c *Catalog) Factories() []Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Registration, 0, len(c.factories))
	for _, reg := range c.factories {
		out = append(out, reg)
	}
	slices.SortFunc(out, func(a, b Registration) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Create builds a module with the named factory
func (c *Catalog) Create(name string, rawConfig json.RawMessage, deps Dependencies) (Module, error) {
	c.mu.RLock()
	reg, ok := c.factories[name]
	c.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: factory %q", errors.ErrNotFound, name),
			"Catalog", "Create", "factory lookup")
	}
	if len(rawConfig) == 0 {
		rawConfig = json.RawMessage("{}")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	m, err := reg.Factory(rawConfig, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Catalog", "Create", fmt.Sprintf("factory %q", name))
	}
	return m, nil
}

// Install describes one module instance to create at startup
type Install struct {
	ID        string         `json:"id" yaml:"id"`
	Factory   string         `json:"factory" yaml:"factory"`
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Autostart bool           `json:"autostart" yaml:"autostart"`
}

// Install creates each module from the catalog, registers it and, when
// Autostart is set, bootstraps it to active. The first failure stops the
// installation; modules installed before it stay registered.
func (r *Registry) Install(ctx context.Context, catalog *Catalog, installs []Install, deps Dependencies) error {
	if catalog == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Registry", "Install", "catalog validation")
	}

	for _, in := range installs {
		factory := in.Factory
		if factory == "" {
			factory = in.ID
		}

		raw, err := json.Marshal(in.Config)
		if err != nil {
			return errors.WrapInvalid(err, "Registry", "Install", fmt.Sprintf("marshal config for %q", in.ID))
		}
		if in.Config == nil {
			raw = nil
		}

		deps := deps
		if deps.Logger == nil {
			deps.Logger = r.logger
		}
		deps.Logger = deps.Logger.With("module", in.ID)

		m, err := catalog.Create(factory, raw, deps)
		if err != nil {
			return errors.Wrap(err, "Registry", "Install", fmt.Sprintf("create %q", in.ID))
		}
		if err := r.Register(in.ID, m); err != nil {
			return err
		}
		if !in.Autostart {
			continue
		}
		if err := r.Bootstrap(ctx, in.ID); err != nil {
			return err
		}
	}
	return nil
}
