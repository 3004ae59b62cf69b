package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pvorotnikov/open-iot-sub001/definitions"
	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/module"
	"github.com/pvorotnikov/open-iot-sub001/pipeline"
	"github.com/pvorotnikov/open-iot-sub001/rule"
	"github.com/pvorotnikov/open-iot-sub001/tag"
)

// Persister stores definition records durably. definitions.KVStore implements it.
type Persister interface {
	Put(ctx context.Context, kind definitions.Kind, id string, value any) error
	Delete(ctx context.Context, kind definitions.Kind, id string) error
}

// store is the shape shared by the tag, rule and pipeline catalogs
type store[T any] interface {
	Create(T) (T, error)
	Update(T) (T, error)
	Upsert(T) (T, error)
	Remove(id string) error
	Get(id string) (T, error)
}

// Service is the administrative surface over definitions and modules.
// Writes are applied to the in-memory stores and then persisted; a failed
// persist rolls the in-memory change back.
type Service struct {
	stores  definitions.Stores
	modules *module.Registry
	persist Persister
	logger  *slog.Logger

	// mu serializes writes so a rollback never undoes a later change
	mu sync.Mutex
}

// NewService creates a Service. persist may be nil, in which case changes
// live only in memory.
func NewService(stores definitions.Stores, modules *module.Registry, persist Persister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		stores:  stores,
		modules: modules,
		persist: persist,
		logger:  logger.With("component", "admin"),
	}
}

// ListPipelines returns every pipeline
func (s *Service) ListPipelines() []pipeline.Pipeline { return s.stores.Pipelines.List() }

// GetPipeline returns one pipeline
func (s *Service) GetPipeline(id string) (pipeline.Pipeline, error) {
	return s.stores.Pipelines.Get(id)
}

// CreatePipeline adds a pipeline
func (s *Service) CreatePipeline(ctx context.Context, p pipeline.Pipeline) (pipeline.Pipeline, error) {
	return create(ctx, s, definitions.KindPipeline, s.stores.Pipelines, p.ID, p)
}

// UpdatePipeline replaces a pipeline
func (s *Service) UpdatePipeline(ctx context.Context, p pipeline.Pipeline) (pipeline.Pipeline, error) {
	return update(ctx, s, definitions.KindPipeline, s.stores.Pipelines, p.ID, p)
}

// DeletePipeline removes a pipeline
func (s *Service) DeletePipeline(ctx context.Context, id string) error {
	return remove(ctx, s, definitions.KindPipeline, s.stores.Pipelines, id)
}

// ListRules returns every rule
func (s *Service) ListRules() []rule.Rule { return s.stores.Rules.List() }

// GetRule returns one rule
func (s *Service) GetRule(id string) (rule.Rule, error) { return s.stores.Rules.Get(id) }

// CreateRule adds a rule
func (s *Service) CreateRule(ctx context.Context, r rule.Rule) (rule.Rule, error) {
	return create(ctx, s, definitions.KindRule, s.stores.Rules, r.ID, r)
}

// UpdateRule replaces a rule
func (s *Service) UpdateRule(ctx context.Context, r rule.Rule) (rule.Rule, error) {
	return update(ctx, s, definitions.KindRule, s.stores.Rules, r.ID, r)
}

// DeleteRule removes a rule. Pipelines still naming it skip it at routing time.
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	return remove(ctx, s, definitions.KindRule, s.stores.Rules, id)
}

// ListTags returns every tag
func (s *Service) ListTags() []tag.Tag { return s.stores.Tags.List() }

// GetTag returns one tag
func (s *Service) GetTag(id string) (tag.Tag, error) { return s.stores.Tags.Get(id) }

// CreateTag adds a tag
func (s *Service) CreateTag(ctx context.Context, t tag.Tag) (tag.Tag, error) {
	return create(ctx, s, definitions.KindTag, s.stores.Tags, t.ID, t)
}

// UpdateTag replaces a tag
func (s *Service) UpdateTag(ctx context.Context, t tag.Tag) (tag.Tag, error) {
	return update(ctx, s, definitions.KindTag, s.stores.Tags, t.ID, t)
}

// DeleteTag removes a tag
func (s *Service) DeleteTag(ctx context.Context, id string) error {
	return remove(ctx, s, definitions.KindTag, s.stores.Tags, id)
}

// ListModules returns the status of every registered module sorted by id
func (s *Service) ListModules() []module.Status { return s.modules.List() }

// ModuleStatus returns one module's status
func (s *Service) ModuleStatus(id string) (module.Status, error) { return s.modules.Status(id) }

// SetModuleState applies a lifecycle operation by name and returns the
// resulting status. A failed hook leaves the module where it was.
func (s *Service) SetModuleState(ctx context.Context, id, opName string) (module.Status, error) {
	op, err := module.ParseOp(opName)
	if err != nil {
		return module.Status{}, err
	}
	if err := s.modules.Transition(ctx, id, op); err != nil {
		return module.Status{}, err
	}
	return s.modules.Status(id)
}

func create[T any](ctx context.Context, s *Service, kind definitions.Kind, st store[T], id string, v T) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	created, err := st.Create(v)
	if err != nil {
		return zero, err
	}
	if err := s.put(ctx, kind, id, created); err != nil {
		if rbErr := st.Remove(id); rbErr != nil {
			s.logger.Error("Rollback failed", "kind", kind, "id", id, "error", rbErr)
		}
		return zero, err
	}
	s.logger.Info("Definition created", "kind", kind, "id", id)
	return created, nil
}

func update[T any](ctx context.Context, s *Service, kind definitions.Kind, st store[T], id string, v T) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	previous, err := st.Get(id)
	if err != nil {
		return zero, err
	}
	updated, err := st.Update(v)
	if err != nil {
		return zero, err
	}
	if err := s.put(ctx, kind, id, updated); err != nil {
		if _, rbErr := st.Upsert(previous); rbErr != nil {
			s.logger.Error("Rollback failed", "kind", kind, "id", id, "error", rbErr)
		}
		return zero, err
	}
	s.logger.Info("Definition updated", "kind", kind, "id", id)
	return updated, nil
}

func remove[T any](ctx context.Context, s *Service, kind definitions.Kind, st store[T], id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, err := st.Get(id)
	if err != nil {
		return err
	}
	if err := st.Remove(id); err != nil {
		return err
	}
	if s.persist != nil {
		if err := s.persist.Delete(ctx, kind, id); err != nil {
			if _, rbErr := st.Upsert(previous); rbErr != nil {
				s.logger.Error("Rollback failed", "kind", kind, "id", id, "error", rbErr)
			}
			return unavailable(err, "Delete")
		}
	}
	s.logger.Info("Definition deleted", "kind", kind, "id", id)
	return nil
}

func (s *Service) put(ctx context.Context, kind definitions.Kind, id string, value any) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.Put(ctx, kind, id, value); err != nil {
		return unavailable(err, "Put")
	}
	return nil
}

func unavailable(err error, method string) error {
	return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err), "Service", method, "persist definition")
}
