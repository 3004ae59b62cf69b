package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/pvorotnikov/open-iot-sub001/metric"
)

// Kind classifies an observation
type Kind string

// Observation kinds
const (
	KindReceived        Kind = "received"
	KindNoRoute         Kind = "no_route"
	KindRuleMissing     Kind = "rule_missing"
	KindRuleDisabled    Kind = "rule_disabled"
	KindDenied          Kind = "denied"
	KindModuleSkipped   Kind = "module_skipped"
	KindModuleError     Kind = "module_error"
	KindModuleTimeout   Kind = "module_timeout"
	KindModuleDrop      Kind = "module_drop"
	KindAborted         Kind = "aborted"
	KindCompleted       Kind = "completed"
	KindCancelled       Kind = "cancelled"
	KindRepublished     Kind = "republished"
	KindRepublishFailed Kind = "republish_failed"
	KindRepublishLoop   Kind = "republish_loop"
)

// Observation describes one routing event
type Observation struct {
	Kind          Kind          `json:"kind"`
	Time          time.Time     `json:"time"`
	Topic         string        `json:"topic"`
	CorrelationID string        `json:"correlation_id"`
	PipelineID    string        `json:"pipeline_id,omitempty"`
	ModuleID      string        `json:"module_id,omitempty"`
	RuleID        string        `json:"rule_id,omitempty"`
	Target        string        `json:"target,omitempty"`
	Tags          []string      `json:"tags,omitempty"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
}

// Observer receives routing observations. Implementations must not block.
type Observer interface {
	Observe(Observation)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Observation)

// Observe calls f
func (f ObserverFunc) Observe(o Observation) { f(o) }

// Observers fans an observation out to several observers
type Observers []Observer

// Observe forwards o to every non-nil observer
func (os Observers) Observe(o Observation) {
	for _, obs := range os {
		if obs != nil {
			obs.Observe(o)
		}
	}
}

// LogObserver writes observations to a structured logger
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a LogObserver
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger.With("component", "router")}
}

// Observe logs o at a level matching its kind
func (l *LogObserver) Observe(o Observation) {
	level := slog.LevelDebug
	switch o.Kind {
	case KindModuleError, KindModuleTimeout, KindAborted, KindRepublishFailed, KindRuleMissing, KindRepublishLoop:
		level = slog.LevelWarn
	case KindNoRoute, KindDenied, KindModuleSkipped, KindCancelled:
		level = slog.LevelInfo
	}
	if !l.logger.Enabled(context.Background(), level) {
		return
	}

	attrs := []any{
		"kind", o.Kind,
		"topic", o.Topic,
		"correlation_id", o.CorrelationID,
	}
	if o.PipelineID != "" {
		attrs = append(attrs, "pipeline", o.PipelineID)
	}
	if o.ModuleID != "" {
		attrs = append(attrs, "module", o.ModuleID)
	}
	if o.RuleID != "" {
		attrs = append(attrs, "rule", o.RuleID)
	}
	if o.Target != "" {
		attrs = append(attrs, "target", o.Target)
	}
	if o.Error != "" {
		attrs = append(attrs, "error", o.Error)
	}
	if o.Duration > 0 {
		attrs = append(attrs, "duration", o.Duration)
	}
	l.logger.Log(context.Background(), level, "Routing observation", attrs...)
}

// MetricsObserver maps observations onto the core Prometheus metrics
type MetricsObserver struct {
	metrics *metric.Metrics
}

// NewMetricsObserver creates a MetricsObserver. A nil metrics yields a no-op observer.
func NewMetricsObserver(metrics *metric.Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: metrics}
}

// Observe updates counters for o
func (m *MetricsObserver) Observe(o Observation) {
	if m.metrics == nil {
		return
	}
	switch o.Kind {
	case KindNoRoute:
		m.metrics.MessagesDropped.WithLabelValues("no_route").Inc()
	case KindDenied:
		m.metrics.MessagesDropped.WithLabelValues("denied").Inc()
		m.metrics.PipelineRuns.WithLabelValues(o.PipelineID, "denied").Inc()
	case KindModuleSkipped:
		m.metrics.ModuleSkipped.WithLabelValues(o.ModuleID).Inc()
	case KindModuleError:
		m.metrics.ModuleErrors.WithLabelValues(o.ModuleID, "error").Inc()
	case KindModuleTimeout:
		m.metrics.ModuleErrors.WithLabelValues(o.ModuleID, "timeout").Inc()
	case KindModuleDrop:
		m.metrics.MessagesDropped.WithLabelValues("module_drop").Inc()
		m.metrics.PipelineRuns.WithLabelValues(o.PipelineID, "dropped").Inc()
	case KindAborted:
		m.metrics.PipelineRuns.WithLabelValues(o.PipelineID, "aborted").Inc()
	case KindCompleted:
		m.metrics.PipelineRuns.WithLabelValues(o.PipelineID, "completed").Inc()
	case KindCancelled:
		m.metrics.MessagesDropped.WithLabelValues("cancelled").Inc()
		if o.PipelineID != "" {
			m.metrics.PipelineRuns.WithLabelValues(o.PipelineID, "cancelled").Inc()
		}
	case KindRepublished:
		m.metrics.MessagesPublished.WithLabelValues(o.PipelineID, "ok").Inc()
	case KindRepublishFailed, KindRepublishLoop:
		m.metrics.MessagesPublished.WithLabelValues(o.PipelineID, "error").Inc()
	}
}
