package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "semroute"

// Metrics contains the routing and lifecycle metrics shared across packages
type Metrics struct {
	// Router
	MessagesReceived   *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	PipelineRuns       *prometheus.CounterVec
	ModuleInvocations  *prometheus.CounterVec
	ModuleErrors       *prometheus.CounterVec
	ModuleSkipped      *prometheus.CounterVec
	MessagesPublished  *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec

	// Registry
	ModuleTransitions *prometheus.CounterVec
	ModuleState       *prometheus.GaugeVec

	// Broker
	BrokerConnected  *prometheus.GaugeVec
	BrokerReconnects *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_received_total",
			Help:      "Total number of messages received from the broker",
		}, []string{"transport"}),

		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped, by reason (no_route, denied, module_drop, cancelled)",
		}, []string{"reason"}),

		PipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "pipeline_runs_total",
			Help:      "Pipeline walks by final status (completed, aborted, dropped, cancelled)",
		}, []string{"pipeline", "status"}),

		ModuleInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "invocations_total",
			Help:      "Module process invocations",
		}, []string{"module"}),

		ModuleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "errors_total",
			Help:      "Module process faults by kind (error, timeout)",
		}, []string{"module", "kind"}),

		ModuleSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "skipped_total",
			Help:      "Module invocations skipped because the module was not active",
		}, []string{"module"}),

		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "republished_total",
			Help:      "Messages republished by pipelines, by status",
		}, []string{"pipeline", "status"}),

		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "process_duration_seconds",
			Help:      "Module process duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"module"}),

		ModuleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions by module, operation and result",
		}, []string{"module", "op", "result"}),

		ModuleState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "state",
			Help:      "Current lifecycle state (0=unregistered .. 6=unloaded)",
		}, []string{"module"}),

		BrokerConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connected",
			Help:      "Broker connection status (0=disconnected, 1=connected)",
		}, []string{"transport"}),

		BrokerReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Broker reconnections",
		}, []string{"transport"}),
	}
}

func (m *Metrics) mustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.MessagesReceived,
		m.MessagesDropped,
		m.PipelineRuns,
		m.ModuleInvocations,
		m.ModuleErrors,
		m.ModuleSkipped,
		m.MessagesPublished,
		m.ProcessingDuration,
		m.ModuleTransitions,
		m.ModuleState,
		m.BrokerConnected,
		m.BrokerReconnects,
	)
}

// RecordProcessDuration records a module process call
func (m *Metrics) RecordProcessDuration(module string, duration time.Duration) {
	m.ModuleInvocations.WithLabelValues(module).Inc()
	m.ProcessingDuration.WithLabelValues(module).Observe(duration.Seconds())
}

// RecordBrokerStatus updates the broker connection gauge
func (m *Metrics) RecordBrokerStatus(transport string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.BrokerConnected.WithLabelValues(transport).Set(value)
}
