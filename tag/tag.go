// Package tag holds the catalog of named labels that rules attach to
// messages at evaluation time. Tags are never persisted with a message.
package tag

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pvorotnikov/open-iot-sub001/errors"
)

var colorPattern = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// Tag is a named label. Messages carry tag ids.
type Tag struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Color       string    `json:"color,omitempty" yaml:"color,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// Validate checks id, name and color format
func (t Tag) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Tag", "Validate", "id validation")
	}
	if strings.ContainsAny(t.ID, " /+#") {
		return errors.WrapInvalid(fmt.Errorf("tag id %q contains reserved characters", t.ID),
			"Tag", "Validate", "id validation")
	}
	if t.Color != "" && !colorPattern.MatchString(t.Color) {
		return errors.WrapInvalid(fmt.Errorf("tag %q: color %q is not a hex color", t.ID, t.Color),
			"Tag", "Validate", "color validation")
	}
	return nil
}

// Catalog holds tag definitions by id
type Catalog struct {
	mu   sync.RWMutex
	tags map[string]Tag
}

// NewCatalog creates an empty tag catalog
func NewCatalog() *Catalog {
	return &Catalog{tags: make(map[string]Tag)}
}

// Create adds a tag, rejecting an existing id
func (c *Catalog) Create(t Tag) (Tag, error) {
	if err := t.Validate(); err != nil {
		return Tag{}, err
	}
	if t.Name == "" {
		t.Name = t.ID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tags[t.ID]; exists {
		return Tag{}, errors.WrapInvalid(fmt.Errorf("%w: tag %q", errors.ErrDuplicateID, t.ID),
			"Catalog", "Create", "duplicate tag check")
	}
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	c.tags[t.ID] = t
	return t, nil
}

// Update replaces an existing tag
func (c *Catalog) Update(t Tag) (Tag, error) {
	if err := t.Validate(); err != nil {
		return Tag{}, err
	}
	if t.Name == "" {
		t.Name = t.ID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, exists := c.tags[t.ID]
	if !exists {
		return Tag{}, errors.WrapInvalid(fmt.Errorf("%w: tag %q", errors.ErrNotFound, t.ID),
			"Catalog", "Update", "tag lookup")
	}
	t.CreatedAt = current.CreatedAt
	t.UpdatedAt = time.Now()
	c.tags[t.ID] = t
	return t, nil
}

// Upsert creates or replaces a tag
func (c *Catalog) Upsert(t Tag) (Tag, error) {
	if c.Has(t.ID) {
		return c.Update(t)
	}
	return c.Create(t)
}

// Remove deletes a tag
func (c *Catalog) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tags[id]; !exists {
		return errors.WrapInvalid(fmt.Errorf("%w: tag %q", errors.ErrNotFound, id),
			"Catalog", "Remove", "tag lookup")
	}
	delete(c.tags, id)
	return nil
}

// Get returns a tag by id
func (c *Catalog) Get(id string) (Tag, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, exists := c.tags[id]
	if !exists {
		return Tag{}, errors.WrapInvalid(fmt.Errorf("%w: tag %q", errors.ErrNotFound, id),
			"Catalog", "Get", "tag lookup")
	}
	return t, nil
}

// Has reports whether a tag id exists
func (c *Catalog) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.tags[id]
	return exists
}

// List returns every tag sorted by id
func (c *Catalog) List() []Tag {
	c.mu.RLock()
	out := make([]Tag, 0, len(c.tags))
	for _, t := range c.tags {
		out = append(out, t)
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b Tag) int { return strings.Compare(a.ID, b.ID) })
	return out
}
