package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pvorotnikov/open-iot-sub001/metric"
)

// Pool is a keyed worker pool processing work items of type T
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error
	keyFn     func(T) string

	queues  []chan T
	metrics *poolMetrics
	wg      sync.WaitGroup
	next    atomic.Uint64 // round-robin cursor when no key func is set

	// lifecycleMu is held shared by submitters and exclusively by Stop, so
	// queues are never closed under an in-flight send.
	lifecycleMu sync.RWMutex
	started     bool
	stopped     bool
	stopping    chan struct{}
	stopOnce    sync.Once

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

type poolMetrics struct {
	depth    prometheus.Gauge
	accepted prometheus.Counter
	done     prometheus.Counter
	errored  prometheus.Counter
	rejected prometheus.Counter
	latency  *prometheus.HistogramVec
}

func newPoolMetrics(registry *metric.MetricsRegistry, prefix string) *poolMetrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: prefix + name, Help: help})
	}
	m := &poolMetrics{
		depth:    prometheus.NewGauge(prometheus.GaugeOpts{Name: prefix + "_queue_depth", Help: "Items waiting in worker queues."}),
		accepted: counter("_submitted_total", "Items accepted into a worker queue."),
		done:     counter("_processed_total", "Items handed to the processor."),
		errored:  counter("_failed_total", "Items whose processor returned an error."),
		rejected: counter("_dropped_total", "Items refused on a full queue, cancelled submit or stopped pool."),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_processing_duration_seconds",
			Help:    "Processor run time by outcome.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"status"}),
	}
	for name, c := range map[string]prometheus.Collector{
		"_queue_depth": m.depth, "_submitted_total": m.accepted, "_processed_total": m.done,
		"_failed_total": m.errored, "_dropped_total": m.rejected, "_processing_duration_seconds": m.latency,
	} {
		// a clash leaves the collector unexported; the pool still counts in Stats
		_ = registry.Register("worker_pool", prefix+name, c)
	}
	return m
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithKeyFunc routes items sharing a key to the same worker
func WithKeyFunc[T any](fn func(T) string) Option[T] {
	return func(p *Pool[T]) {
		p.keyFn = fn
	}
}

// WithMetricsRegistry configures the pool to register metrics with the framework's registry
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// NewPool creates a new worker pool; queueSize is per worker
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		queues:    make([]chan T, workers),
		stopping:  make(chan struct{}),
	}
	for i := range pool.queues {
		pool.queues[i] = make(chan T, queueSize)
	}

	for _, opt := range opts {
		opt(pool)
	}

	if pool.metricsRegistry != nil && pool.metricsPrefix != "" {
		pool.metrics = newPoolMetrics(pool.metricsRegistry, pool.metricsPrefix)
	}

	return pool
}

// queueFor selects the worker queue for an item
func (p *Pool[T]) queueFor(work T) chan T {
	if p.keyFn == nil {
		return p.queues[p.next.Add(1)%uint64(p.workers)]
	}
	return p.queues[xxhash.Sum64String(p.keyFn(work))%uint64(p.workers)]
}

// Submit enqueues work, blocking while the target queue is full
func (p *Pool[T]) Submit(ctx context.Context, work T) error {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()

	if err := p.checkRunning(); err != nil {
		return err
	}

	select {
	case p.queueFor(work) <- work:
		p.recordSubmitted()
		return nil
	case <-p.stopping:
		p.recordDropped()
		return ErrPoolStopped
	case <-ctx.Done():
		p.recordDropped()
		return ctx.Err()
	}
}

// TrySubmit enqueues work without blocking. Returns ErrQueueFull when the target queue is full.
func (p *Pool[T]) TrySubmit(work T) error {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()

	if err := p.checkRunning(); err != nil {
		return err
	}

	select {
	case p.queueFor(work) <- work:
		p.recordSubmitted()
		return nil
	default:
		p.recordDropped()
		return ErrQueueFull
	}
}

func (p *Pool[T]) checkRunning() error {
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	return nil
}

func (p *Pool[T]) recordSubmitted() {
	p.submitted.Add(1)
	if p.metrics != nil {
		p.metrics.accepted.Inc()
		p.metrics.depth.Inc()
	}
}

func (p *Pool[T]) recordDropped() {
	p.dropped.Add(1)
	if p.metrics != nil {
		p.metrics.rejected.Inc()
	}
}

// Start starts the worker pool
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, p.queues[i])
	}

	p.started = true
	return nil
}

// Stop stops accepting work, lets workers drain their queues and waits up to timeout
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.lifecycleMu.Unlock()

	// Unblock submitters waiting on full queues before taking the write lock
	p.stopOnce.Do(func() { close(p.stopping) })

	p.lifecycleMu.Lock()
	if p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	depth := 0
	for _, q := range p.queues {
		depth += len(q)
	}
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: depth,
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context, queue chan T) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-queue:
			if !ok {
				return
			}

			start := time.Now()
			p.finish(p.processor(ctx, work), time.Since(start))
		}
	}
}

func (p *Pool[T]) finish(err error, took time.Duration) {
	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
	}
	if p.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		p.metrics.errored.Inc()
		status = "error"
	}
	p.metrics.depth.Dec()
	p.metrics.done.Inc()
	p.metrics.latency.WithLabelValues(status).Observe(took.Seconds())
}
