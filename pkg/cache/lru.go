package cache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/pvorotnikov/open-iot-sub001/errors"
)

type lruEntry[V any] struct {
	key   string
	value V
}

// LRU is a size-bounded least recently used cache
type LRU[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List

	stats   counters
	metrics *cacheMetrics
	evictFn EvictCallback[V]
}

// NewLRU creates an LRU cache holding at most maxSize entries
func NewLRU[V any](maxSize int, opts ...Option[V]) (*LRU[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("max size must be positive, got %d", maxSize),
			"cache", "NewLRU", "size validation")
	}

	o := &options[V]{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	c := &LRU[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		evictFn: o.evictCallback,
	}

	if o.metricsReg != nil {
		m, err := newCacheMetrics(o.metricsReg, o.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewLRU", "metrics registration")
		}
		c.metrics = m
	}
	return c, nil
}

// Get returns the value for key and marks it recently used
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		c.stats.misses.Add(1)
		if c.metrics != nil {
			c.metrics.misses.Inc()
		}
		var zero V
		return zero, false
	}

	c.order.MoveToFront(element)
	c.stats.hits.Add(1)
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	return element.Value.(*lruEntry[V]).value, true
}

// Set stores value under key. It returns true when a new entry was created.
func (c *LRU[V]) Set(key string, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.sets.Add(1)

	if element, ok := c.items[key]; ok {
		element.Value.(*lruEntry[V]).value = value
		c.order.MoveToFront(element)
		return false
	}

	c.items[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value})
	for len(c.items) > c.maxSize {
		c.evictOldest()
	}
	c.updateSize()
	return true
}

// Delete removes key, reporting whether it was present
func (c *LRU[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.Remove(element)
	delete(c.items, key)
	c.updateSize()
	return true
}

// Clear drops every entry without invoking the eviction callback
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.updateSize()
}

// Len returns the number of cached entries
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of the cache counters
func (c *LRU[V]) Stats() Stats {
	return Stats{
		Hits:      c.stats.hits.Load(),
		Misses:    c.stats.misses.Load(),
		Sets:      c.stats.sets.Load(),
		Evictions: c.stats.evictions.Load(),
		Size:      c.Len(),
	}
}

// evictOldest must be called with mu held
func (c *LRU[V]) evictOldest() {
	element := c.order.Back()
	if element == nil {
		return
	}
	entry := element.Value.(*lruEntry[V])
	c.order.Remove(element)
	delete(c.items, entry.key)

	c.stats.evictions.Add(1)
	if c.metrics != nil {
		c.metrics.evictions.Inc()
	}
	if c.evictFn != nil {
		c.evictFn(entry.key, entry.value)
	}
}

func (c *LRU[V]) updateSize() {
	if c.metrics != nil {
		c.metrics.size.Set(float64(len(c.items)))
	}
}
