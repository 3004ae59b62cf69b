package cache

import (
	"github.com/pvorotnikov/open-iot-sub001/metric"
)

// EvictCallback is called when an entry is evicted to make room
type EvictCallback[V any] func(key string, value V)

// Option configures cache behavior
type Option[V any] func(*options[V])

type options[V any] struct {
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
	evictCallback EvictCallback[V]
}

// WithMetrics exports cache statistics as Prometheus metrics.
// Ignored when registry is nil or prefix is empty.
func WithMetrics[V any](registry *metric.MetricsRegistry, prefix string) Option[V] {
	return func(o *options[V]) {
		if registry != nil && prefix != "" {
			o.metricsReg = registry
			o.metricsPrefix = prefix
		}
	}
}

// WithEvictionCallback sets a callback invoked for each evicted entry
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(o *options[V]) {
		o.evictCallback = callback
	}
}
