package cache

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/metric"
)

// Stats is a point-in-time snapshot of cache counters
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// HitRatio returns hits / (hits + misses), or 0 before any lookup
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type counters struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64
}

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_cache_hits_total",
			Help: "Cache lookups that found an entry",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_cache_misses_total",
			Help: "Cache lookups that found nothing",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_cache_evictions_total",
			Help: "Entries evicted to respect the size bound",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_cache_size",
			Help: "Current number of cached entries",
		}),
	}

	const service = "cache"
	if err := registry.Register(service, prefix+"_cache_hits_total", m.hits); err != nil {
		return nil, errors.Wrap(err, "cache", "newCacheMetrics", "register hits")
	}
	if err := registry.Register(service, prefix+"_cache_misses_total", m.misses); err != nil {
		return nil, errors.Wrap(err, "cache", "newCacheMetrics", "register misses")
	}
	if err := registry.Register(service, prefix+"_cache_evictions_total", m.evictions); err != nil {
		return nil, errors.Wrap(err, "cache", "newCacheMetrics", "register evictions")
	}
	if err := registry.Register(service, prefix+"_cache_size", m.size); err != nil {
		return nil, errors.Wrap(err, "cache", "newCacheMetrics", "register size")
	}
	return m, nil
}
