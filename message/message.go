package message

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is an inbound broker message travelling through a pipeline
type Message struct {
	topic         string
	correlationID string
	receivedAt    time.Time

	// Payload is treated as opaque bytes unless a module mutates it
	Payload []byte

	// QoS and Retained mirror the broker delivery flags and are reused on republish
	QoS      byte
	Retained bool

	// Source names the transport that delivered the message
	Source string

	tags map[string]struct{}
}

// Option configures a Message at construction
type Option func(*Message)

// WithCorrelationID overrides the generated correlation id
func WithCorrelationID(id string) Option {
	return func(m *Message) {
		if id != "" {
			m.correlationID = id
		}
	}
}

// WithReceivedAt sets the ingestion timestamp
func WithReceivedAt(t time.Time) Option {
	return func(m *Message) {
		m.receivedAt = t
	}
}

// WithQoS sets the delivery QoS
func WithQoS(qos byte) Option {
	return func(m *Message) {
		m.QoS = qos
	}
}

// WithRetained marks the message as a retained broker message
func WithRetained(retained bool) Option {
	return func(m *Message) {
		m.Retained = retained
	}
}

// WithSource records the delivering transport
func WithSource(source string) Option {
	return func(m *Message) {
		m.Source = source
	}
}

// WithTags attaches initial tags
func WithTags(tags ...string) Option {
	return func(m *Message) {
		m.AddTags(tags...)
	}
}

// New creates a message for topic with a fresh correlation id
func New(topic string, payload []byte, opts ...Option) *Message {
	m := &Message{
		topic:         topic,
		correlationID: uuid.NewString(),
		receivedAt:    time.Now(),
		Payload:       payload,
		tags:          make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Topic returns the immutable topic the message was received on
func (m *Message) Topic() string {
	return m.topic
}

// Levels returns the topic split on '/'
func (m *Message) Levels() []string {
	return strings.Split(m.topic, "/")
}

// CorrelationID returns the tracing id
func (m *Message) CorrelationID() string {
	return m.correlationID
}

// ReceivedAt returns the ingestion time
func (m *Message) ReceivedAt() time.Time {
	return m.receivedAt
}

// AddTags attaches tags, ignoring empty names and duplicates
func (m *Message) AddTags(tags ...string) {
	if m.tags == nil {
		m.tags = make(map[string]struct{}, len(tags))
	}
	for _, tag := range tags {
		if tag != "" {
			m.tags[tag] = struct{}{}
		}
	}
}

// RemoveTag detaches a tag
func (m *Message) RemoveTag(tag string) {
	delete(m.tags, tag)
}

// HasTag reports whether the tag is attached
func (m *Message) HasTag(tag string) bool {
	_, ok := m.tags[tag]
	return ok
}

// Tags returns the attached tags sorted by name
func (m *Message) Tags() []string {
	return slices.Sorted(maps.Keys(m.tags))
}

// PayloadSize returns the payload length in bytes
func (m *Message) PayloadSize() int {
	return len(m.Payload)
}

// IsEmpty reports whether the payload is empty or whitespace only
func (m *Message) IsEmpty() bool {
	return len(strings.TrimSpace(string(m.Payload))) == 0
}

// IsJSON reports whether the payload is a valid JSON document
func (m *Message) IsJSON() bool {
	return len(m.Payload) > 0 && json.Valid(m.Payload)
}

// Clone returns a deep copy sharing only the immutable identity fields
func (m *Message) Clone() *Message {
	clone := *m
	if m.Payload != nil {
		clone.Payload = slices.Clone(m.Payload)
	}
	clone.tags = maps.Clone(m.tags)
	if clone.tags == nil {
		clone.tags = make(map[string]struct{})
	}
	return &clone
}

// Snapshot is the JSON-friendly view of a message used by observations and the admin API
type Snapshot struct {
	Topic         string    `json:"topic"`
	CorrelationID string    `json:"correlation_id"`
	ReceivedAt    time.Time `json:"received_at"`
	PayloadSize   int       `json:"payload_size"`
	Tags          []string  `json:"tags,omitempty"`
	Source        string    `json:"source,omitempty"`
}

// Snapshot returns a serializable summary without the payload
func (m *Message) Snapshot() Snapshot {
	return Snapshot{
		Topic:         m.topic,
		CorrelationID: m.correlationID,
		ReceivedAt:    m.receivedAt,
		PayloadSize:   len(m.Payload),
		Tags:          m.Tags(),
		Source:        m.Source,
	}
}
