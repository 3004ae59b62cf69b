package pipeline

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/pkg/cache"
)

const matchCacheSize = 1024

// Lookup reports whether an id exists in a catalog
type Lookup interface {
	Has(id string) bool
}

// Store holds pipeline definitions keyed by id
type Store struct {
	mu        sync.RWMutex
	pipelines map[string]Pipeline
	seq       uint64

	modules Lookup
	rules   Lookup

	// matches memoizes topic -> matching pipeline ids, cleared on every write
	matches *cache.LRU[[]string]
}

// NewStore creates an empty store. Module and rule references are checked
// against the given lookups; a nil lookup disables that check. opts apply to
// the topic match cache.
func NewStore(modules, rules Lookup, opts ...cache.Option[[]string]) *Store {
	matches, err := cache.NewLRU[[]string](matchCacheSize, opts...)
	if err != nil {
		panic(fmt.Sprintf("pipeline: failed to create match cache: %v", err))
	}
	return &Store{
		pipelines: make(map[string]Pipeline),
		modules:   modules,
		rules:     rules,
		matches:   matches,
	}
}

func (s *Store) check(method string, p Pipeline) error {
	if err := p.Validate(); err != nil {
		return errors.Wrap(err, "Store", method, "pipeline validation")
	}
	if s.modules != nil {
		for _, id := range p.Modules {
			if !s.modules.Has(id) {
				return errors.WrapInvalid(
					fmt.Errorf("%w: pipeline %q references module %q", errors.ErrUnknownReference, p.ID, id),
					"Store", method, "module reference check")
			}
		}
	}
	if s.rules != nil {
		for _, id := range p.Rules {
			if !s.rules.Has(id) {
				return errors.WrapInvalid(
					fmt.Errorf("%w: pipeline %q references rule %q", errors.ErrUnknownReference, p.ID, id),
					"Store", method, "rule reference check")
			}
		}
	}
	return nil
}

// Create adds a pipeline, rejecting an existing id
func (s *Store) Create(p Pipeline) (Pipeline, error) {
	if err := s.check("Create", p); err != nil {
		return Pipeline{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pipelines[p.ID]; exists {
		return Pipeline{}, errors.WrapInvalid(fmt.Errorf("%w: pipeline %q", errors.ErrDuplicateID, p.ID),
			"Store", "Create", "duplicate pipeline check")
	}
	return s.insert(p), nil
}

// Update replaces an existing pipeline, keeping its creation order
func (s *Store) Update(p Pipeline) (Pipeline, error) {
	if err := s.check("Update", p); err != nil {
		return Pipeline{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.pipelines[p.ID]
	if !exists {
		return Pipeline{}, errors.WrapInvalid(fmt.Errorf("%w: pipeline %q", errors.ErrNotFound, p.ID),
			"Store", "Update", "pipeline lookup")
	}
	return s.replace(current, p), nil
}

// Upsert creates the pipeline or replaces an existing one
func (s *Store) Upsert(p Pipeline) (Pipeline, error) {
	if err := s.check("Upsert", p); err != nil {
		return Pipeline{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, exists := s.pipelines[p.ID]; exists {
		return s.replace(current, p), nil
	}
	return s.insert(p), nil
}

// insert must be called with mu held
func (s *Store) insert(p Pipeline) Pipeline {
	s.seq++
	p = p.clone()
	p.Seq = s.seq
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	s.pipelines[p.ID] = p
	s.matches.Clear()
	return p.clone()
}

// replace must be called with mu held
func (s *Store) replace(current, p Pipeline) Pipeline {
	p = p.clone()
	p.Seq = current.Seq
	p.CreatedAt = current.CreatedAt
	p.UpdatedAt = time.Now()
	s.pipelines[p.ID] = p
	s.matches.Clear()
	return p.clone()
}

// Remove deletes a pipeline
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pipelines[id]; !exists {
		return errors.WrapInvalid(fmt.Errorf("%w: pipeline %q", errors.ErrNotFound, id),
			"Store", "Remove", "pipeline lookup")
	}
	delete(s.pipelines, id)
	s.matches.Clear()
	return nil
}

// Get returns a pipeline by id
func (s *Store) Get(id string) (Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.pipelines[id]
	if !exists {
		return Pipeline{}, errors.WrapInvalid(fmt.Errorf("%w: pipeline %q", errors.ErrNotFound, id),
			"Store", "Get", "pipeline lookup")
	}
	return p.clone(), nil
}

// Has reports whether a pipeline id exists
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.pipelines[id]
	return exists
}

// List returns every pipeline in routing order
func (s *Store) List() []Pipeline {
	s.mu.RLock()
	out := make([]Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p.clone())
	}
	s.mu.RUnlock()

	sortRouting(out)
	return out
}

// Match returns the enabled pipelines whose pattern matches topic, highest
// priority first, ties by creation order
func (s *Store) Match(topic string) []Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ids, ok := s.matches.Get(topic); ok {
		out := make([]Pipeline, 0, len(ids))
		for _, id := range ids {
			out = append(out, s.pipelines[id].clone())
		}
		return out
	}

	var out []Pipeline
	for _, p := range s.pipelines {
		if p.Enabled && p.Matches(topic) {
			out = append(out, p.clone())
		}
	}
	sortRouting(out)

	ids := make([]string, len(out))
	for i, p := range out {
		ids[i] = p.ID
	}
	// set under the read lock so a concurrent write cannot clear first
	s.matches.Set(topic, ids)
	return out
}

// Len returns the number of stored pipelines
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pipelines)
}

func sortRouting(ps []Pipeline) {
	slices.SortFunc(ps, func(a, b Pipeline) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
}
