// Package memory provides an in-process Broker with MQTT topic matching.
//
// Published messages whose topic matches a subscribed filter are delivered
// back on Messages(), so a router wired to a memory broker sees its own
// republished output like it would on a real broker.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/message"
	"github.com/pvorotnikov/open-iot-sub001/pipeline"
	"github.com/pvorotnikov/open-iot-sub001/transport"
)

// Name is the transport name reported in events and message sources
const Name = "memory"

// Published records one Publish call
type Published struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Option configures a Broker
type Option func(*Broker)

// WithBuffer sets the inbound message buffer
func WithBuffer(n int) Option {
	return func(b *Broker) {
		b.buffer = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Broker is an in-process transport.Broker
type Broker struct {
	buffer int
	logger *slog.Logger
	stream *transport.Stream

	mu        sync.RWMutex
	connected bool
	closed    bool
	filters   []string
	published []Published
}

var _ transport.Broker = (*Broker)(nil)

// New creates a disconnected broker
func New(opts ...Option) *Broker {
	b := &Broker{
		buffer: 256,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "transport", "transport", Name)
	b.stream = transport.NewStream(Name, b.buffer)
	return b
}

// Name implements transport.Broker
func (b *Broker) Name() string {
	return Name
}

// Connect implements transport.Broker
func (b *Broker) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.WrapFatal(errors.ErrBrokerDisconnected, "memory", "Connect", "broker closed")
	}
	if !b.connected {
		b.connected = true
		b.stream.Emit(transport.EventConnected, nil)
	}
	return nil
}

// Subscribe implements transport.Broker
func (b *Broker) Subscribe(_ context.Context, filters ...string) error {
	for _, f := range filters {
		if err := pipeline.ValidatePattern(f); err != nil {
			return errors.WrapInvalid(err, "memory", "Subscribe", "validate filter")
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range filters {
		if !slices.Contains(b.filters, f) {
			b.filters = append(b.filters, f)
		}
	}
	return nil
}

// Publish records the message and delivers it to Messages() when a
// subscribed filter matches. Delivery blocks while the buffer is full.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if err := pipeline.ValidateTopic(topic); err != nil {
		return errors.WrapInvalid(err, "memory", "Publish", "validate topic")
	}

	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return errors.WrapTransient(errors.ErrBrokerDisconnected, "memory", "Publish", "publish "+topic)
	}
	b.published = append(b.published, Published{
		Topic:   topic,
		Payload: slices.Clone(payload),
		QoS:     qos,
		Retain:  retain,
	})
	deliver := b.matches(topic)
	b.mu.Unlock()

	if !deliver {
		return nil
	}
	msg := message.New(topic, slices.Clone(payload),
		message.WithQoS(qos),
		message.WithRetained(retain),
		message.WithSource(Name),
	)
	if !b.stream.Deliver(ctx, msg) {
		b.logger.Debug("Inbound message discarded", "topic", topic)
	}
	return nil
}

func (b *Broker) matches(topic string) bool {
	for _, f := range b.filters {
		if pipeline.MatchTopic(f, topic) {
			return true
		}
	}
	return false
}

// Published returns a copy of every successful Publish call in order
func (b *Broker) Published() []Published {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.published)
}

// Disconnect simulates a dropped link
func (b *Broker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		b.connected = false
		b.stream.Emit(transport.EventDisconnected, errors.ErrBrokerDisconnected)
	}
}

// Messages implements transport.Broker
func (b *Broker) Messages() <-chan *message.Message {
	return b.stream.Messages()
}

// Events implements transport.Broker
func (b *Broker) Events() <-chan transport.Event {
	return b.stream.Events()
}

// Connected implements transport.Broker
func (b *Broker) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Close implements transport.Broker
func (b *Broker) Close(_ context.Context) error {
	b.mu.Lock()
	b.connected = false
	b.closed = true
	b.mu.Unlock()

	b.stream.Close()
	return nil
}
