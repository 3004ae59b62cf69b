// Package pipeline stores pipeline definitions (integrations) and matches
// topics against their MQTT-style patterns.
//
// A pipeline names a topic pattern, an ordered list of module ids and a set
// of rule ids evaluated before the first module. Patterns follow MQTT filter
// rules: levels are split on '/', '+' matches exactly one level and '#'
// matches zero or more trailing levels, so "a/#" matches "a". Matching is
// case sensitive.
//
// Match returns every enabled pipeline whose pattern matches a topic,
// highest priority first with ties broken by creation order. Definitions are
// stored as immutable snapshots; readers receive copies and never block
// writers beyond a short map lock.
package pipeline
