// Package worker provides a generic keyed worker pool.
//
// Every worker owns a bounded queue. Work items are routed to a worker by
// hashing a key extracted from the item, so all items that share a key are
// processed sequentially and in submission order, while items with
// different keys run concurrently. The router uses the message topic as the
// key, which keeps per-topic ordering intact without a global lock.
//
// Submit blocks while the target queue is full (backpressure) until the
// caller's context is done or the pool stops; TrySubmit never blocks and
// returns ErrQueueFull instead.
//
//	pool := worker.NewPool(8, 256, handle,
//	    worker.WithKeyFunc(func(m *message.Message) string { return m.Topic }),
//	    worker.WithMetricsRegistry[*message.Message](registry, "semroute_dispatch"))
//	_ = pool.Start(ctx)
//	_ = pool.Submit(ctx, msg)
//	_ = pool.Stop(5 * time.Second)
package worker
