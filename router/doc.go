// Package router drives inbound messages through the pipelines that match
// their topic.
//
// For every message the router:
//
//  1. matches the topic against the pipeline store; no match is a no_route
//     observation and the message is dropped
//  2. per pipeline, on a private clone of the message, resolves and
//     evaluates the pipeline's rules; a deny drops the message for that
//     pipeline only and add-tag decisions are applied to the clone
//  3. walks the pipeline's modules in order, skipping modules that are not
//     active and isolating module faults unless the pipeline is strict
//  4. republishes the final message when the pipeline names a republish
//     topic, unless a module dropped it or the walk was cancelled
//
// Messages are dispatched onto a keyed worker pool hashed by topic. All
// messages for one topic are handled by one worker in arrival order, so the
// router never reorders a (topic, pipeline) pair. Different topics proceed
// concurrently. A full queue blocks the dispatcher until space frees up or
// its context ends.
//
// Every Process call runs under a per-module deadline, the module's
// declared Timeout or the router default. A timeout is handled exactly like
// a module error. Modules work on a copy of the message, so a module that
// overruns its deadline cannot affect later modules.
//
// Nothing is returned to the broker side: outcomes are reported to an
// Observer, which fans out to logs, Prometheus metrics and the in-memory
// ring served by the admin API.
package router
