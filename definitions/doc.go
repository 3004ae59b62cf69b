// Package definitions loads and persists the administrative configuration:
// tags, rules and pipelines, each a flat id → record map.
//
// Two sources exist. A YAML seed file is read once at startup with
// LoadFile and applied with Stores.Apply. A KVStore keeps the same maps in
// NATS KV buckets (semroute_tags, semroute_rules, semroute_pipelines),
// loads them at startup and watches them for changes made by other
// instances. Records are always applied tags first, then rules, then
// pipelines, so references resolve.
//
// Faults while loading at startup are returned to the caller, which treats
// them as fatal. Faults on watched updates are logged and skipped.
package definitions
