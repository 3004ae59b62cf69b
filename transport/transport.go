package transport

import (
	"context"
	"sync"
	"time"

	"github.com/pvorotnikov/open-iot-sub001/message"
)

// Broker is a publish/subscribe link to a message broker
type Broker interface {
	// Name identifies the transport in logs, metrics and observations.
	Name() string
	Connect(ctx context.Context) error
	// Subscribe adds topic filters. Filters use MQTT wildcard syntax.
	Subscribe(ctx context.Context, filters ...string) error
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
	Messages() <-chan *message.Message
	Events() <-chan Event
	Connected() bool
	Close(ctx context.Context) error
}

// EventType classifies a link-state change
type EventType string

// Event types
const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventReconnecting EventType = "reconnecting"
	EventError        EventType = "error"
)

// Event reports a change in broker link state
type Event struct {
	Type      EventType
	Transport string
	Err       error
	Time      time.Time
}

// Stream owns the message and event channels of a Broker implementation.
// Deliver and Emit are safe to call concurrently with Close.
type Stream struct {
	name     string
	messages chan *message.Message
	events   chan Event
	done     chan struct{}
	doneOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewStream creates channels with the given message buffer. The event
// channel holds 16 events; further events are dropped while it is full.
func NewStream(name string, buffer int) *Stream {
	return &Stream{
		name:     name,
		messages: make(chan *message.Message, max(buffer, 0)),
		events:   make(chan Event, 16),
		done:     make(chan struct{}),
	}
}

// Messages returns the inbound message channel. It is closed by Close.
func (s *Stream) Messages() <-chan *message.Message {
	return s.messages
}

// Events returns the event channel. It is closed by Close.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Done is closed when the stream closes
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Deliver blocks until msg is queued, ctx ends or the stream closes.
// It reports whether msg was queued.
func (s *Stream) Deliver(ctx context.Context, msg *message.Message) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}

	select {
	case s.messages <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

// Emit queues an event without blocking
func (s *Stream) Emit(eventType EventType, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

	select {
	case s.events <- Event{Type: eventType, Transport: s.name, Err: err, Time: time.Now()}:
	default:
	}
}

// Close closes both channels. Safe to call more than once.
func (s *Stream) Close() {
	// done first so a Deliver blocked under the read lock returns.
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.messages)
	close(s.events)
}
