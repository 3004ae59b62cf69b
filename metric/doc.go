// Package metric provides the Prometheus metrics registry shared by the
// router, the module registry, the worker pool and the broker transports.
//
// NewMetricsRegistry creates a private prometheus.Registry with the core
// routing metrics (Metrics) and Go runtime collectors already registered.
// Components add their own collectors with Register, keyed by owner and
// name; a duplicate is reported as an invalid error instead of a panic. Handler exposes the registry in
// the Prometheus text format.
package metric
