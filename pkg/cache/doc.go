// Package cache provides a generic, thread-safe LRU cache with always-on
// statistics and optional Prometheus metrics.
//
// The router uses it for compiled rule regular expressions and for the
// topic match memo of the pipeline store. Both hold derived data that can be
// recomputed at any time, so eviction only costs a recompute.
//
//	c, err := cache.NewLRU[*regexp.Regexp](256)
//	if err != nil {
//		return err
//	}
//	c.Set(pattern, re)
//	re, ok := c.Get(pattern)
package cache
