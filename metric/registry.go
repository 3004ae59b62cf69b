package metric

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pvorotnikov/open-iot-sub001/errors"
)

// MetricsRegistry owns the process's Prometheus registry. The router's core
// metrics are registered at construction; worker pools and caches add their
// own collectors under an owner name.
type MetricsRegistry struct {
	prom *prometheus.Registry
	core *Metrics

	mu     sync.Mutex
	owners map[string]prometheus.Collector // "owner/name"
}

// NewMetricsRegistry registers the core metrics plus the Go and process collectors.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prom:   prometheus.NewRegistry(),
		core:   NewMetrics(),
		owners: make(map[string]prometheus.Collector),
	}
	r.core.mustRegister(r.prom)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry { return r.prom }

// CoreMetrics is nil-safe so optional registries can be passed around freely.
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	if r == nil {
		return nil
	}
	return r.core
}

// Handler serves the registry in the Prometheus exposition format.
func (r *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

// Register adds c under owner/name. Registering the same pair twice, or a
// collector whose descriptors clash with an existing one, is invalid.
func (r *MetricsRegistry) Register(owner, name string, c prometheus.Collector) error {
	key := owner + "/" + name

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.owners[key]; ok {
		return errors.WrapInvalid(fmt.Errorf("%s already registered", key), "MetricsRegistry", "Register", "check owner")
	}
	if err := r.prom.Register(c); err != nil {
		if are := (prometheus.AlreadyRegisteredError{}); stderrors.As(err, &are) {
			return errors.WrapInvalid(err, "MetricsRegistry", "Register", "register "+key)
		}
		return errors.WrapFatal(err, "MetricsRegistry", "Register", "register "+key)
	}
	r.owners[key] = c
	return nil
}

// Unregister reports whether owner/name was registered and has been removed.
func (r *MetricsRegistry) Unregister(owner, name string) bool {
	key := owner + "/" + name

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.owners[key]
	if !ok || !r.prom.Unregister(c) {
		return false
	}
	delete(r.owners, key)
	return true
}
