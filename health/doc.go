// Package health reports whether the router process can do its job.
//
// A Checker inspects the broker link, the router worker pool and every
// registered module each time Check is called, and merges in statuses that
// a Monitor collected from broker events. The result is a tree of Status
// values whose root is unhealthy if any leaf is unhealthy and degraded if
// any leaf is degraded.
//
//	monitor := health.NewMonitor()
//	go monitor.Track(ctx, broker.Events(), logger)
//
//	checker := health.NewChecker("semroute", health.Sources{
//		Broker:  broker,
//		Router:  rt,
//		Modules: registry,
//		Monitor: monitor,
//	})
//	status := checker.Check()
//
// Error text placed in a status is scrubbed of URLs, paths, addresses and
// credentials before it is exposed.
package health
