package metric

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvorotnikov/open-iot-sub001/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())
}

func TestMetricsRegistry_Register(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})

	require.NoError(t, registry.Register("test-service", "test_counter", counter))
	counter.Inc()

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "test_counter" {
			found = true
			break
		}
	}
	assert.True(t, found, "Counter should be registered in Prometheus registry")
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	require.NoError(t, registry.Register("svc", "dup_gauge", gauge))

	err := registry.Register("svc", "dup_gauge", gauge)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	other := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	err = registry.Register("other-svc", "dup_gauge", other)
	require.Error(t, err, "prometheus rejects the same metric name twice")
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "vec_total", Help: "vec"}, []string{"a"})
	require.NoError(t, registry.Register("svc", "vec_total", vec))

	assert.True(t, registry.Unregister("svc", "vec_total"))
	assert.False(t, registry.Unregister("svc", "vec_total"))
	require.NoError(t, registry.Register("svc", "vec_total", vec))
}

func TestCoreMetrics_Record(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordBrokerStatus("mqtt", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BrokerConnected.WithLabelValues("mqtt")))
	m.RecordBrokerStatus("mqtt", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BrokerConnected.WithLabelValues("mqtt")))

	m.RecordProcessDuration("validate", 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModuleInvocations.WithLabelValues("validate")))
}

func TestHandler_ServesMetrics(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().MessagesDropped.WithLabelValues("no_route").Inc()

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `semroute_router_messages_dropped_total{reason="no_route"} 1`)
}
