package rule

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pvorotnikov/open-iot-sub001/errors"
)

// TagLookup reports whether a tag id exists
type TagLookup interface {
	Has(id string) bool
}

// Catalog holds rule definitions by id. Pipelines reference rules by id, so
// an edit here applies to every pipeline on its next message.
type Catalog struct {
	mu    sync.RWMutex
	rules map[string]Rule
	tags  TagLookup
}

// NewCatalog creates an empty catalog. When tags is non-nil, add-tag
// actions must reference existing tags.
func NewCatalog(tags TagLookup) *Catalog {
	return &Catalog{
		rules: make(map[string]Rule),
		tags:  tags,
	}
}

func (c *Catalog) check(method string, r Rule) error {
	if err := r.Validate(); err != nil {
		return errors.Wrap(err, "Catalog", method, "rule validation")
	}
	if c.tags == nil || r.Action.Type != ActionAddTag {
		return nil
	}
	for _, tag := range r.Action.Tags {
		if !c.tags.Has(tag) {
			return errors.WrapInvalid(fmt.Errorf("%w: rule %q references tag %q", errors.ErrUnknownReference, r.ID, tag),
				"Catalog", method, "tag reference check")
		}
	}
	return nil
}

// Create adds a rule, rejecting an existing id
func (c *Catalog) Create(r Rule) (Rule, error) {
	if err := c.check("Create", r); err != nil {
		return Rule{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.rules[r.ID]; exists {
		return Rule{}, errors.WrapInvalid(fmt.Errorf("%w: rule %q", errors.ErrDuplicateID, r.ID),
			"Catalog", "Create", "duplicate rule check")
	}
	r = r.clone()
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	c.rules[r.ID] = r
	return r.clone(), nil
}

// Update replaces an existing rule
func (c *Catalog) Update(r Rule) (Rule, error) {
	if err := c.check("Update", r); err != nil {
		return Rule{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, exists := c.rules[r.ID]
	if !exists {
		return Rule{}, errors.WrapInvalid(fmt.Errorf("%w: rule %q", errors.ErrNotFound, r.ID),
			"Catalog", "Update", "rule lookup")
	}
	r = r.clone()
	r.CreatedAt = current.CreatedAt
	r.UpdatedAt = time.Now()
	c.rules[r.ID] = r
	return r.clone(), nil
}

// Upsert creates or replaces a rule
func (c *Catalog) Upsert(r Rule) (Rule, error) {
	if c.Has(r.ID) {
		return c.Update(r)
	}
	created, err := c.Create(r)
	if errors.CodeOf(err) == errors.CodeDuplicateID {
		return c.Update(r)
	}
	return created, err
}

// Remove deletes a rule
func (c *Catalog) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.rules[id]; !exists {
		return errors.WrapInvalid(fmt.Errorf("%w: rule %q", errors.ErrNotFound, id),
			"Catalog", "Remove", "rule lookup")
	}
	delete(c.rules, id)
	return nil
}

// Get returns a rule by id
func (c *Catalog) Get(id string) (Rule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, exists := c.rules[id]
	if !exists {
		return Rule{}, errors.WrapInvalid(fmt.Errorf("%w: rule %q", errors.ErrNotFound, id),
			"Catalog", "Get", "rule lookup")
	}
	return r.clone(), nil
}

// Has reports whether a rule id exists
func (c *Catalog) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.rules[id]
	return exists
}

// List returns every rule in evaluation order
func (c *Catalog) List() []Rule {
	c.mu.RLock()
	out := make([]Rule, 0, len(c.rules))
	for _, r := range c.rules {
		out = append(out, r.clone())
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b Rule) int {
		if n := cmp.Compare(a.Priority, b.Priority); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Resolve looks up rules by id. Ids with no definition are returned in missing.
func (c *Catalog) Resolve(ids []string) (rules []Rule, missing []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, id := range ids {
		r, exists := c.rules[id]
		if !exists {
			missing = append(missing, id)
			continue
		}
		rules = append(rules, r)
	}
	return rules, missing
}

func (r Rule) clone() Rule {
	r.Match.Conditions = slices.Clone(r.Match.Conditions)
	r.Action.Tags = slices.Clone(r.Action.Tags)
	return r
}
