package router

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pvorotnikov/open-iot-sub001/message"
	"github.com/pvorotnikov/open-iot-sub001/metric"
	"github.com/pvorotnikov/open-iot-sub001/module"
	"github.com/pvorotnikov/open-iot-sub001/pipeline"
	"github.com/pvorotnikov/open-iot-sub001/rule"
)

type processFunc func(ctx context.Context, msg *message.Message, pctx module.PipelineContext) (module.Outcome, error)

// funcModule is a module whose Process is a closure
type funcModule struct {
	module.Base
	caps module.Capabilities
	fn   processFunc
}

func (m *funcModule) Capabilities() module.Capabilities { return m.caps }

func (m *funcModule) Process(ctx context.Context, msg *message.Message, pctx module.PipelineContext) (module.Outcome, error) {
	if m.fn == nil {
		return module.OutcomeContinue, nil
	}
	return m.fn(ctx, msg, pctx)
}

// recorder collects observations
type recorder struct {
	mu  sync.Mutex
	obs []Observation
}

func (r *recorder) Observe(o Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, o)
}

func (r *recorder) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.obs))
	for _, o := range r.obs {
		if o.Kind != KindReceived {
			out = append(out, o.Kind)
		}
	}
	return out
}

func (r *recorder) find(kind Kind) (Observation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.obs {
		if o.Kind == kind {
			return o, true
		}
	}
	return Observation{}, false
}

// publisher captures republished messages
type published struct {
	topic   string
	payload string
	qos     byte
}

type capturePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *capturePublisher) Publish(_ context.Context, topic string, payload []byte, qos byte, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic: topic, payload: string(payload), qos: qos})
	return nil
}

func (p *capturePublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.sent...)
}

// harness wires a router to real registry, store and catalog instances
type harness struct {
	t         *testing.T
	registry  *module.Registry
	store     *pipeline.Store
	rules     *rule.Catalog
	publisher *capturePublisher
	observed  *recorder
	metrics   *metric.MetricsRegistry
	router    *Router
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := metric.NewMetricsRegistry()

	h := &harness{
		t:         t,
		registry:  module.NewRegistry(logger, metrics.CoreMetrics()),
		rules:     rule.NewCatalog(nil),
		publisher: &capturePublisher{},
		observed:  &recorder{},
		metrics:   metrics,
	}
	h.store = pipeline.NewStore(h.registry, h.rules)

	r, err := New(cfg, Dependencies{
		Modules:   h.registry,
		Pipelines: h.store,
		Rules:     h.rules,
		Publisher: h.publisher,
		Observer:  Observers{h.observed, NewMetricsObserver(metrics.CoreMetrics())},
		Logger:    logger,
		Metrics:   metrics,
	})
	require.NoError(t, err)
	h.router = r
	return h
}

// install registers and bootstraps a module
func (h *harness) install(id string, caps module.Capabilities, fn processFunc) {
	h.t.Helper()
	if caps.Name == "" {
		caps.Name = id
	}
	require.NoError(h.t, h.registry.Register(id, &funcModule{caps: caps, fn: fn}))
	require.NoError(h.t, h.registry.Bootstrap(context.Background(), id))
}

func (h *harness) pipeline(p pipeline.Pipeline) {
	h.t.Helper()
	p.Enabled = true
	_, err := h.store.Create(p)
	require.NoError(h.t, err)
}

// trace returns a process func appending name to calls
func trace(mu *sync.Mutex, calls *[]string, name string) processFunc {
	return func(_ context.Context, _ *message.Message, _ module.PipelineContext) (module.Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		*calls = append(*calls, name)
		return module.OutcomeContinue, nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
