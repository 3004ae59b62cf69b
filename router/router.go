package router

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/message"
	"github.com/pvorotnikov/open-iot-sub001/metric"
	"github.com/pvorotnikov/open-iot-sub001/module"
	"github.com/pvorotnikov/open-iot-sub001/pipeline"
	"github.com/pvorotnikov/open-iot-sub001/pkg/worker"
	"github.com/pvorotnikov/open-iot-sub001/rule"
)

// DefaultModuleTimeout bounds a Process call when a module declares no timeout
const DefaultModuleTimeout = 5 * time.Second

// ModuleHost runs lifecycle-checked Process calls
type ModuleHost interface {
	State(id string) (module.State, error)
	Capabilities(id string) (module.Capabilities, error)
	Process(ctx context.Context, id string, msg *message.Message, pctx module.PipelineContext) (module.Outcome, error)
}

// PipelineMatcher selects pipelines for a topic in routing order
type PipelineMatcher interface {
	Match(topic string) []pipeline.Pipeline
}

// RuleResolver looks up rules by id
type RuleResolver interface {
	Resolve(ids []string) (rules []rule.Rule, missing []string)
}

// Publisher sends republished messages back to the broker
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// Config tunes dispatch and timeouts
type Config struct {
	Workers       int           `json:"workers" yaml:"workers" env:"WORKERS"`
	QueueSize     int           `json:"queue_size" yaml:"queue_size" env:"QUEUE_SIZE"`
	ModuleTimeout time.Duration `json:"module_timeout" yaml:"module_timeout" env:"MODULE_TIMEOUT"`
}

// DefaultConfig returns the router defaults
func DefaultConfig() Config {
	return Config{
		Workers:       8,
		QueueSize:     256,
		ModuleTimeout: DefaultModuleTimeout,
	}
}

// Dependencies are the collaborators the router needs
type Dependencies struct {
	Modules   ModuleHost
	Pipelines PipelineMatcher
	Rules     RuleResolver
	Publisher Publisher
	Observer  Observer
	Logger    *slog.Logger
	Metrics   *metric.MetricsRegistry
}

// Stats are cumulative router counters
type Stats struct {
	Received     int64 `json:"received"`
	NoRoute      int64 `json:"no_route"`
	PipelineRuns int64 `json:"pipeline_runs"`
	Denied       int64 `json:"denied"`
	Dropped      int64 `json:"dropped"`
	ModuleErrors int64 `json:"module_errors"`
	Republished  int64 `json:"republished"`
	Cancelled    int64 `json:"cancelled"`
	Running      bool  `json:"running"`

	Pool worker.PoolStats `json:"pool"`
}

type counters struct {
	received     atomic.Int64
	noRoute      atomic.Int64
	pipelineRuns atomic.Int64
	denied       atomic.Int64
	dropped      atomic.Int64
	moduleErrors atomic.Int64
	republished  atomic.Int64
	cancelled    atomic.Int64
}

// Router matches inbound messages to pipelines and walks their modules
type Router struct {
	cfg       Config
	modules   ModuleHost
	pipelines PipelineMatcher
	rules     RuleResolver
	publisher Publisher
	observer  Observer
	logger    *slog.Logger
	metrics   *metric.Metrics

	pool  *worker.Pool[*message.Message]
	stats counters

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New creates a router. Modules, Pipelines and Rules are required.
func New(cfg Config, deps Dependencies) (*Router, error) {
	if deps.Modules == nil || deps.Pipelines == nil || deps.Rules == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Router", "New", "dependency validation")
	}

	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.ModuleTimeout <= 0 {
		cfg.ModuleTimeout = defaults.ModuleTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		cfg:       cfg,
		modules:   deps.Modules,
		pipelines: deps.Pipelines,
		rules:     deps.Rules,
		publisher: deps.Publisher,
		observer:  deps.Observer,
		logger:    logger.With("component", "router"),
		metrics:   deps.Metrics.CoreMetrics(),
	}
	if r.observer == nil {
		r.observer = Observers{}
	}

	opts := []worker.Option[*message.Message]{
		worker.WithKeyFunc(func(m *message.Message) string { return m.Topic() }),
	}
	if deps.Metrics != nil {
		opts = append(opts, worker.WithMetricsRegistry[*message.Message](deps.Metrics, "semroute_router_dispatch"))
	}
	r.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, r.handle, opts...)

	return r, nil
}

// Start launches the dispatch workers
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Router", "Start", "state check")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := r.pool.Start(runCtx); err != nil {
		cancel()
		return errors.Wrap(err, "Router", "Start", "start worker pool")
	}

	r.cancel = cancel
	r.running = true
	r.logger.Info("Router started",
		"workers", r.cfg.Workers, "queue_size", r.cfg.QueueSize, "module_timeout", r.cfg.ModuleTimeout)
	return nil
}

// Stop cancels in-flight walks and waits up to timeout for workers to exit.
// Walks stop between modules; queued messages are discarded.
func (r *Router) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	if err := r.pool.Stop(timeout); err != nil {
		return errors.WrapTransient(err, "Router", "Stop", "stop worker pool")
	}
	r.logger.Info("Router stopped")
	return nil
}

// Dispatch queues msg for routing, blocking while the topic's worker queue
// is full. A message abandoned because ctx ended is observed as cancelled.
func (r *Router) Dispatch(ctx context.Context, msg *message.Message) error {
	if msg == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Router", "Dispatch", "message validation")
	}
	if err := r.pool.Submit(ctx, msg); err != nil {
		r.stats.cancelled.Add(1)
		r.observe(KindCancelled, msg, func(o *Observation) { o.Error = err.Error() })
		return errors.Wrap(err, "Router", "Dispatch", "submit message")
	}
	return nil
}

// Run dispatches messages from in until the channel closes or ctx ends
func (r *Router) Run(ctx context.Context, in <-chan *message.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if err := r.Dispatch(ctx, msg); err != nil && ctx.Err() == nil {
				r.logger.Warn("Dispatch failed", "topic", msg.Topic(), "error", err)
			}
		}
	}
}

// Route handles one message synchronously on the caller's goroutine
func (r *Router) Route(ctx context.Context, msg *message.Message) {
	_ = r.handle(ctx, msg)
}

// Stats returns a snapshot of the router counters
func (r *Router) Stats() Stats {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()

	return Stats{
		Received:     r.stats.received.Load(),
		NoRoute:      r.stats.noRoute.Load(),
		PipelineRuns: r.stats.pipelineRuns.Load(),
		Denied:       r.stats.denied.Load(),
		Dropped:      r.stats.dropped.Load(),
		ModuleErrors: r.stats.moduleErrors.Load(),
		Republished:  r.stats.republished.Load(),
		Cancelled:    r.stats.cancelled.Load(),
		Running:      running,
		Pool:         r.pool.Stats(),
	}
}

// handle is the worker processor for one inbound message
func (r *Router) handle(ctx context.Context, msg *message.Message) error {
	r.stats.received.Add(1)
	if r.metrics != nil {
		source := msg.Source
		if source == "" {
			source = "unknown"
		}
		r.metrics.MessagesReceived.WithLabelValues(source).Inc()
	}
	r.observe(KindReceived, msg, nil)

	matched := r.pipelines.Match(msg.Topic())
	if len(matched) == 0 {
		r.stats.noRoute.Add(1)
		r.observe(KindNoRoute, msg, func(o *Observation) { o.Error = errors.ErrNoRoute.Error() })
		return nil
	}

	for _, p := range matched {
		if err := ctx.Err(); err != nil {
			r.stats.cancelled.Add(1)
			r.observe(KindCancelled, msg, func(o *Observation) { o.PipelineID = p.ID })
			return err
		}
		r.stats.pipelineRuns.Add(1)
		r.runPipeline(ctx, p, msg.Clone())
	}
	return nil
}

// runPipeline evaluates rules and walks modules for one pipeline
func (r *Router) runPipeline(ctx context.Context, p pipeline.Pipeline, msg *message.Message) {
	onPipeline := func(o *Observation) { o.PipelineID = p.ID }

	rules, missing := r.rules.Resolve(p.Rules)
	for _, id := range missing {
		r.observe(KindRuleMissing, msg, func(o *Observation) { o.PipelineID = p.ID; o.RuleID = id })
	}
	for _, rl := range rules {
		if !rl.Enabled {
			r.observe(KindRuleDisabled, msg, func(o *Observation) { o.PipelineID = p.ID; o.RuleID = rl.ID })
		}
	}

	decision := rule.Evaluate(msg, rules)
	msg.AddTags(decision.Tags...)
	if !decision.Allow {
		r.stats.denied.Add(1)
		r.observe(KindDenied, msg, func(o *Observation) { o.PipelineID = p.ID; o.RuleID = decision.DeniedBy })
		return
	}

	logger := r.logger.With("pipeline", p.ID, "correlation_id", msg.CorrelationID())
	aborted := false

	for i, id := range p.Modules {
		if ctx.Err() != nil {
			r.stats.cancelled.Add(1)
			r.observe(KindCancelled, msg, onPipeline)
			return
		}

		onModule := func(o *Observation) { o.PipelineID = p.ID; o.ModuleID = id }

		if state, err := r.modules.State(id); err != nil || state != module.StateActive {
			r.observe(KindModuleSkipped, msg, func(o *Observation) {
				onModule(o)
				if err != nil {
					o.Error = err.Error()
				} else {
					o.Error = fmt.Sprintf("module is %s", state)
				}
			})
			continue
		}

		pctx := module.PipelineContext{
			PipelineID: p.ID,
			Position:   i,
			Total:      len(p.Modules),
			Strict:     p.Strict,
			Logger:     logger.With("module", id),
		}

		start := time.Now()
		outcome, result, err := r.invoke(ctx, id, msg, pctx)
		elapsed := time.Since(start)
		if r.metrics != nil {
			r.metrics.RecordProcessDuration(id, elapsed)
		}

		if err != nil {
			switch {
			case stderrors.Is(err, errors.ErrModuleNotActive):
				r.observe(KindModuleSkipped, msg, func(o *Observation) { onModule(o); o.Error = err.Error() })
				continue
			case ctx.Err() != nil:
				r.stats.cancelled.Add(1)
				r.observe(KindCancelled, msg, onModule)
				return
			}

			kind := KindModuleError
			if stderrors.Is(err, errors.ErrTimeout) {
				kind = KindModuleTimeout
			}
			r.stats.moduleErrors.Add(1)
			r.observe(kind, msg, func(o *Observation) { onModule(o); o.Error = err.Error(); o.Duration = elapsed })

			if p.Strict {
				aborted = true
				r.observe(KindAborted, msg, onModule)
				break
			}
			continue
		}

		msg = result
		if outcome == module.OutcomeDrop {
			r.stats.dropped.Add(1)
			r.observe(KindModuleDrop, msg, onModule)
			return
		}
	}

	if !aborted {
		r.observe(KindCompleted, msg, onPipeline)
	}
	r.republish(ctx, p, msg)
}

type invokeResult struct {
	outcome module.Outcome
	err     error
}

// invoke runs Process on a copy of msg under the module deadline. The copy
// is returned on success so an overrunning module never touches the walk's
// message after its deadline.
func (r *Router) invoke(ctx context.Context, id string, msg *message.Message, pctx module.PipelineContext) (module.Outcome, *message.Message, error) {
	timeout := r.cfg.ModuleTimeout
	if caps, err := r.modules.Capabilities(id); err == nil && caps.Timeout > 0 {
		timeout = caps.Timeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	work := msg.Clone()
	done := make(chan invokeResult, 1)
	go func() {
		outcome, err := r.modules.Process(callCtx, id, work, pctx)
		done <- invokeResult{outcome: outcome, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return res.outcome, msg, res.err
		}
		return res.outcome, work, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return module.OutcomeContinue, msg, ctx.Err()
		}
		return module.OutcomeContinue, msg, fmt.Errorf("%w: %w: module %q exceeded %s",
			errors.ErrModuleProcess, errors.ErrTimeout, id, timeout)
	}
}

// republish publishes the final message when the pipeline asks for it
func (r *Router) republish(ctx context.Context, p pipeline.Pipeline, msg *message.Message) {
	if p.RepublishTopic == "" {
		return
	}
	target := pipeline.ExpandTopic(p.RepublishTopic, msg.Topic())
	onTarget := func(o *Observation) { o.PipelineID = p.ID; o.Target = target }

	if p.Matches(target) {
		r.observe(KindRepublishLoop, msg, onTarget)
		return
	}
	if r.publisher == nil {
		r.observe(KindRepublishFailed, msg, func(o *Observation) { onTarget(o); o.Error = "no publisher configured" })
		return
	}
	if err := pipeline.ValidateTopic(target); err != nil {
		r.observe(KindRepublishFailed, msg, func(o *Observation) { onTarget(o); o.Error = err.Error() })
		return
	}

	if err := r.publisher.Publish(ctx, target, msg.Payload, msg.QoS, msg.Retained); err != nil {
		r.observe(KindRepublishFailed, msg, func(o *Observation) { onTarget(o); o.Error = err.Error() })
		return
	}
	r.stats.republished.Add(1)
	r.observe(KindRepublished, msg, onTarget)
}

func (r *Router) observe(kind Kind, msg *message.Message, fill func(*Observation)) {
	o := Observation{
		Kind:          kind,
		Time:          time.Now(),
		Topic:         msg.Topic(),
		CorrelationID: msg.CorrelationID(),
		Tags:          msg.Tags(),
	}
	if fill != nil {
		fill(&o)
	}
	r.observer.Observe(o)
}
