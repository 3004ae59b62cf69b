// Package mqtt implements transport.Broker on the Eclipse Paho MQTT client.
//
// The client reconnects on its own after a lost connection and the
// on-connect handler restores every subscription, so filters added with
// Subscribe survive broker restarts. Inbound delivery keeps broker order:
// the message handler blocks while the inbound buffer is full.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/message"
	"github.com/pvorotnikov/open-iot-sub001/metric"
	"github.com/pvorotnikov/open-iot-sub001/pipeline"
	"github.com/pvorotnikov/open-iot-sub001/pkg/retry"
	"github.com/pvorotnikov/open-iot-sub001/pkg/tlsutil"
	"github.com/pvorotnikov/open-iot-sub001/transport"
)

// Name is the transport name reported in events, metrics and message sources
const Name = "mqtt"

// Config configures the MQTT connection
type Config struct {
	BrokerURL            string               `json:"broker_url" yaml:"broker_url" env:"BROKER_URL"`
	ClientID             string               `json:"client_id" yaml:"client_id" env:"CLIENT_ID"`
	Username             string               `json:"username,omitempty" yaml:"username,omitempty" env:"USERNAME"`
	Password             string               `json:"password,omitempty" yaml:"password,omitempty" env:"PASSWORD"`
	TLS                  tlsutil.ClientConfig `json:"tls" yaml:"tls"`
	CleanSession         bool                 `json:"clean_session" yaml:"clean_session"`
	KeepAlive            time.Duration        `json:"keep_alive" yaml:"keep_alive"`
	ConnectTimeout       time.Duration        `json:"connect_timeout" yaml:"connect_timeout"`
	MaxReconnectInterval time.Duration        `json:"max_reconnect_interval" yaml:"max_reconnect_interval"`
	// QoS is the subscription QoS for every filter.
	QoS        byte `json:"qos" yaml:"qos"`
	BufferSize int  `json:"buffer_size" yaml:"buffer_size"`
	// ConnectAttempts bounds the initial connect; 0 retries until ctx ends.
	ConnectAttempts int `json:"connect_attempts" yaml:"connect_attempts"`
}

// DefaultConfig returns a config for a local broker
func DefaultConfig() Config {
	return Config{
		BrokerURL:            "tcp://localhost:1883",
		ClientID:             "semroute",
		CleanSession:         true,
		KeepAlive:            30 * time.Second,
		ConnectTimeout:       10 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		QoS:                  1,
		BufferSize:           1024,
		ConnectAttempts:      5,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "mqtt", "Validate", "broker_url")
	}
	if c.ClientID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "mqtt", "Validate", "client_id")
	}
	if c.QoS > 2 {
		return errors.WrapInvalid(fmt.Errorf("qos %d out of range", c.QoS), "mqtt", "Validate", "qos")
	}
	if c.BufferSize < 0 || c.ConnectAttempts < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "mqtt", "Validate", "buffer_size/connect_attempts")
	}
	return nil
}

// Option configures a Broker
type Option func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics reports connection status and reconnects
func WithMetrics(m *metric.Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// WithClientFactory replaces paho.NewClient
func WithClientFactory(fn func(*paho.ClientOptions) paho.Client) Option {
	return func(b *Broker) {
		b.newClient = fn
	}
}

// Broker is an MQTT transport.Broker
type Broker struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *metric.Metrics
	newClient func(*paho.ClientOptions) paho.Client
	stream    *transport.Stream

	// ctx bounds inbound delivery; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	client    paho.Client
	filters   map[string]byte
	connected bool
	connects  int
}

var _ transport.Broker = (*Broker)(nil)

// New creates a broker. No connection is made until Connect.
func New(cfg Config, opts ...Option) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:       cfg,
		logger:    slog.Default(),
		newClient: paho.NewClient,
		filters:   make(map[string]byte),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "transport", "transport", Name, "broker", cfg.BrokerURL)
	b.stream = transport.NewStream(Name, cfg.BufferSize)
	b.ctx, b.cancel = context.WithCancel(context.Background())

	return b, nil
}

// Name implements transport.Broker
func (b *Broker) Name() string {
	return Name
}

func (b *Broker) clientOptions() (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().
		AddBroker(b.cfg.BrokerURL).
		SetClientID(b.cfg.ClientID).
		SetCleanSession(b.cfg.CleanSession).
		SetKeepAlive(b.cfg.KeepAlive).
		SetConnectTimeout(b.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(b.cfg.MaxReconnectInterval).
		SetOrderMatters(true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(b.onConnectionLost).
		SetReconnectingHandler(b.onReconnecting)

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}

	tlsConfig, err := tlsutil.LoadClientConfig(b.cfg.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	return opts, nil
}

// Connect dials the broker, retrying with exponential backoff. Later
// connection losses are handled by the client's automatic reconnect.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.client != nil {
		b.mu.Unlock()
		return nil
	}
	opts, err := b.clientOptions()
	if err != nil {
		b.mu.Unlock()
		return err
	}
	client := b.newClient(opts)
	b.client = client
	b.mu.Unlock()

	cfg := retry.Reconnect()
	cfg.MaxAttempts = b.cfg.ConnectAttempts
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = int(^uint(0) >> 1)
	}

	err = retry.Do(ctx, cfg, func() error {
		err := wait(ctx, client.Connect())
		if err != nil {
			b.logger.Warn("MQTT connect failed", "error", err)
			b.stream.Emit(transport.EventError, err)
		}
		return err
	})
	if err != nil {
		b.mu.Lock()
		b.client = nil
		b.mu.Unlock()
		return errors.WrapTransient(err, "mqtt", "Connect", "connect to broker")
	}
	return nil
}

// Subscribe implements transport.Broker. Filters are remembered and
// restored after every reconnect.
func (b *Broker) Subscribe(ctx context.Context, filters ...string) error {
	for _, f := range filters {
		if err := pipeline.ValidatePattern(f); err != nil {
			return errors.WrapInvalid(err, "mqtt", "Subscribe", "validate filter")
		}
	}

	b.mu.Lock()
	added := make(map[string]byte, len(filters))
	for _, f := range filters {
		b.filters[f] = b.cfg.QoS
		added[f] = b.cfg.QoS
	}
	client, connected := b.client, b.connected
	b.mu.Unlock()

	if client == nil || !connected || len(added) == 0 {
		return nil
	}
	if err := wait(ctx, client.SubscribeMultiple(added, b.handle)); err != nil {
		return errors.WrapTransient(err, "mqtt", "Subscribe", "subscribe")
	}
	b.logger.Info("Subscribed", "filters", slices.Sorted(maps.Keys(added)))
	return nil
}

// Publish implements transport.Broker. Nothing is queued while the link is down.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if err := pipeline.ValidateTopic(topic); err != nil {
		return errors.WrapInvalid(err, "mqtt", "Publish", "validate topic")
	}

	b.mu.RLock()
	client, connected := b.client, b.connected
	b.mu.RUnlock()

	if client == nil || !connected || !client.IsConnectionOpen() {
		return errors.WrapTransient(errors.ErrBrokerDisconnected, "mqtt", "Publish", "publish "+topic)
	}
	if err := wait(ctx, client.Publish(topic, qos, retain, payload)); err != nil {
		return errors.WrapTransient(err, "mqtt", "Publish", "publish "+topic)
	}
	return nil
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

// Close disconnects and closes the message and event channels
func (b *Broker) Close(_ context.Context) error {
	b.cancel()

	b.mu.Lock()
	client := b.client
	b.client = nil
	b.connected = false
	b.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	b.setStatus(false)
	b.stream.Close()
	return nil
}

func (b *Broker) onConnect(client paho.Client) {
	b.mu.Lock()
	b.connected = true
	b.connects++
	reconnect := b.connects > 1
	filters := maps.Clone(b.filters)
	b.mu.Unlock()

	b.setStatus(true)
	if reconnect && b.metrics != nil {
		b.metrics.BrokerReconnects.WithLabelValues(Name).Inc()
	}
	b.logger.Info("Connected to MQTT broker", "reconnect", reconnect)
	b.stream.Emit(transport.EventConnected, nil)

	if len(filters) == 0 {
		return
	}
	// Handlers run on paho's goroutine; subscribing must not block it.
	go func() {
		if err := wait(b.ctx, client.SubscribeMultiple(filters, b.handle)); err != nil {
			b.logger.Error("Resubscribe failed", "error", err)
			b.stream.Emit(transport.EventError, err)
		}
	}()
}

func (b *Broker) onConnectionLost(_ paho.Client, err error) {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()

	b.setStatus(false)
	b.logger.Warn("MQTT connection lost", "error", err)
	b.stream.Emit(transport.EventDisconnected, err)
}

func (b *Broker) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	b.stream.Emit(transport.EventReconnecting, nil)
}

func (b *Broker) handle(_ paho.Client, m paho.Message) {
	msg := message.New(m.Topic(), slices.Clone(m.Payload()),
		message.WithQoS(m.Qos()),
		message.WithRetained(m.Retained()),
		message.WithSource(Name),
	)
	if !b.stream.Deliver(b.ctx, msg) {
		b.logger.Debug("Inbound message discarded on close", "topic", m.Topic())
	}
}

func (b *Broker) setStatus(connected bool) {
	if b.metrics != nil {
		b.metrics.RecordBrokerStatus(Name, connected)
	}
}

// wait blocks until token completes or ctx ends
func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
