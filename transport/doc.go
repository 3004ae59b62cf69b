// Package transport defines the broker abstraction the router consumes
// messages from and republishes to.
//
// A Broker delivers inbound messages on Messages() and link-state changes on
// Events(). Publish is at-most-once from the router's point of view: a
// publish attempted while the link is down fails with
// errors.ErrBrokerDisconnected and is not retried.
//
// Implementations live in subpackages: mqtt (Eclipse Paho), nats (core NATS
// subjects) and memory (in-process, for tests and embedded use).
package transport
