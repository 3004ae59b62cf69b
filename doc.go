// Package semroute hosts message-processing modules and routes broker
// messages through them.
//
// A message arriving from MQTT or NATS is matched against every enabled
// pipeline whose topic pattern covers its topic. For each match, in priority
// order, the pipeline's rules decide whether the message may proceed and
// which tags it gains, then its modules are called one after another. A
// module may transform the message, drop it, or fail; failures are isolated
// to that module unless the pipeline is strict. A pipeline may republish the
// final message to a topic derived from the inbound one.
//
// # Packages
//
//	module       lifecycle state machine, module registry and factories
//	modules      built-in modules: validate, convert-units, tagger, enrich
//	tag, rule    tag catalog, rule catalog and the rule evaluator
//	pipeline     pipeline store and MQTT topic matching
//	router       dispatch, pipeline walks, observations
//	transport    broker links: mqtt, nats and an in-memory broker for tests
//	definitions  seed files and the NATS KV definition store
//	api          administrative service and HTTP server
//	health       health aggregation for /healthz
//	config       layered YAML configuration with environment overrides
//	cmd/semroute the router process
//
// Supporting packages: errors (classified errors), metric (Prometheus
// registry), natsclient (NATS connection with reconnect and KV helpers),
// message, and pkg/{cache,retry,tlsutil,worker}.
package semroute
