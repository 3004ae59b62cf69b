// Package api is the administrative surface of the router.
//
// Service holds the operations: CRUD over pipelines, rules and tags, and
// module listing, status and lifecycle changes. When a Persister is set,
// every definition change is written to it after the in-memory stores
// accept it, and undone in memory if the write fails.
//
// Server exposes Service over HTTP with chi:
//
//	GET|POST            /pipelines, /rules, /tags
//	GET|PUT|DELETE      /pipelines/{id}, /rules/{id}, /tags/{id}
//	GET                 /modules, /modules/{id}
//	POST                /modules/{id}/{op}      op: prepare, load, start, suspend, resume, stop, unload, cleanup
//	GET                 /router/stats
//	GET                 /observations/recent?limit=N
//	GET (websocket)     /observations/stream?topic=FILTER&kind=KIND
//	GET                 /healthz, /metrics
//
// Errors are returned as {"code": ..., "message": ...} where code is one of
// invalid_transition, module_not_active, duplicate_id, unknown_reference,
// not_found, invalid, unavailable or internal.
package api
