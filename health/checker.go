package health

import (
	"fmt"
	"time"

	"github.com/pvorotnikov/open-iot-sub001/module"
	"github.com/pvorotnikov/open-iot-sub001/router"
)

// saturationThreshold is the queue fill ratio at which the router reports degraded
const saturationThreshold = 0.9

// BrokerSource reports broker connectivity
type BrokerSource interface {
	Name() string
	Connected() bool
}

// RouterSource reports router counters
type RouterSource interface {
	Stats() router.Stats
}

// ModuleSource lists registered modules
type ModuleSource interface {
	List() []module.Status
}

// Sources are the parts of the process a Checker inspects. Nil fields are skipped.
type Sources struct {
	Broker  BrokerSource
	Router  RouterSource
	Modules ModuleSource
	Monitor *Monitor
}

// Checker computes the process health on demand
type Checker struct {
	system  string
	sources Sources
	started time.Time
}

// NewChecker creates a checker reporting under system
func NewChecker(system string, sources Sources) *Checker {
	return &Checker{system: system, sources: sources, started: time.Now()}
}

// Check aggregates broker, router, module and monitored statuses
func (c *Checker) Check() Status {
	var subs []Status
	if c.sources.Broker != nil {
		subs = append(subs, FromBroker(c.sources.Broker))
	}
	if c.sources.Router != nil {
		subs = append(subs, FromRouter(c.sources.Router.Stats()))
	}
	if c.sources.Modules != nil {
		for _, st := range c.sources.Modules.List() {
			subs = append(subs, FromModule(st))
		}
	}
	if c.sources.Monitor != nil {
		for _, st := range c.sources.Monitor.GetAll() {
			subs = append(subs, st)
		}
	}

	status := Aggregate(c.system, subs)
	return status.WithMetrics(&Metrics{Uptime: time.Since(c.started)})
}

// FromBroker reports a connected broker as healthy
func FromBroker(b BrokerSource) Status {
	name := "transport." + b.Name()
	if b.Connected() {
		return NewHealthy(name, "connected")
	}
	return NewUnhealthy(name, "not connected")
}

// FromRouter reports a stopped router as unhealthy and a nearly full queue as degraded
func FromRouter(stats router.Stats) Status {
	metrics := &Metrics{
		ErrorCount:        stats.ModuleErrors,
		MessagesProcessed: stats.Received,
		QueueDepth:        stats.Pool.QueueDepth,
	}

	if !stats.Running {
		return NewUnhealthy("router", "not running").WithMetrics(metrics)
	}

	capacity := stats.Pool.Workers * stats.Pool.QueueSize
	if capacity > 0 && float64(stats.Pool.QueueDepth) >= saturationThreshold*float64(capacity) {
		msg := fmt.Sprintf("queue saturated: %d/%d", stats.Pool.QueueDepth, capacity)
		return NewDegraded("router", msg).WithMetrics(metrics)
	}
	return NewHealthy("router", "running").WithMetrics(metrics)
}

// FromModule reports an active module as healthy. Any other state, or a
// recorded error, is degraded.
func FromModule(st module.Status) Status {
	name := "module." + st.ID
	metrics := &Metrics{
		ErrorCount:        st.Failed,
		MessagesProcessed: st.Processed,
		LastActivity:      st.ChangedAt,
	}

	switch {
	case st.LastError != "":
		return NewDegraded(name, sanitizeErrorMessage(st.LastError)).WithMetrics(metrics)
	case st.State != module.StateActive:
		return NewDegraded(name, st.State.String()).WithMetrics(metrics)
	default:
		return NewHealthy(name, "active").WithMetrics(metrics)
	}
}
