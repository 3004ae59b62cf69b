// Package nats implements transport.Broker on core NATS subjects.
//
// Topics are translated to subjects with TopicToSubject. Core NATS is
// at-most-once and has no retained messages, so the QoS and retain
// arguments of Publish are accepted and ignored. The underlying client
// restores subscriptions after a reconnect.
package nats

import (
	"context"
	stderrors "errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	gonats "github.com/nats-io/nats.go"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/message"
	"github.com/pvorotnikov/open-iot-sub001/metric"
	"github.com/pvorotnikov/open-iot-sub001/natsclient"
	"github.com/pvorotnikov/open-iot-sub001/pipeline"
	"github.com/pvorotnikov/open-iot-sub001/pkg/retry"
	"github.com/pvorotnikov/open-iot-sub001/pkg/tlsutil"
	"github.com/pvorotnikov/open-iot-sub001/transport"
)

// Name is the transport name reported in events, metrics and message sources
const Name = "nats"

// Config configures the NATS connection
type Config struct {
	URL             string               `json:"url" yaml:"url" env:"URL"`
	ClientName      string               `json:"client_name" yaml:"client_name"`
	Username        string               `json:"username,omitempty" yaml:"username,omitempty" env:"USERNAME"`
	Password        string               `json:"password,omitempty" yaml:"password,omitempty" env:"PASSWORD"`
	Token           string               `json:"token,omitempty" yaml:"token,omitempty" env:"TOKEN"`
	TLS             tlsutil.ClientConfig `json:"tls" yaml:"tls"`
	ReconnectWait   time.Duration        `json:"reconnect_wait" yaml:"reconnect_wait"`
	BufferSize      int                  `json:"buffer_size" yaml:"buffer_size"`
	ConnectAttempts int                  `json:"connect_attempts" yaml:"connect_attempts"`
}

// DefaultConfig returns a config for a local server
func DefaultConfig() Config {
	return Config{
		URL:             "nats://localhost:4222",
		ClientName:      "semroute",
		ReconnectWait:   2 * time.Second,
		BufferSize:      1024,
		ConnectAttempts: 5,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "nats", "Validate", "url")
	}
	if c.BufferSize < 0 || c.ConnectAttempts < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "nats", "Validate", "buffer_size/connect_attempts")
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

// Broker is a NATS transport.Broker
type Broker struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
	client  *natsclient.Client
	stream  *transport.Stream

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	filters    []string
	subscribed map[string]bool
}

var _ transport.Broker = (*Broker)(nil)

// New creates a broker and its client. No connection is made until Connect.
func New(cfg Config, opts ...Option) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:        cfg,
		logger:     slog.Default(),
		subscribed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "transport", "transport", Name)
	b.stream = transport.NewStream(Name, cfg.BufferSize)
	b.ctx, b.cancel = context.WithCancel(context.Background())

	tlsConfig, err := tlsutil.LoadClientConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	clientOpts := []natsclient.ClientOption{
		natsclient.WithLogger(b.logger),
		natsclient.WithName(cfg.ClientName),
		natsclient.WithDisconnectCallback(b.onDisconnect),
		natsclient.WithReconnectCallback(b.onReconnect),
	}
	if cfg.ReconnectWait > 0 {
		clientOpts = append(clientOpts, natsclient.WithReconnectWait(cfg.ReconnectWait))
	}
	if cfg.Username != "" {
		clientOpts = append(clientOpts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		clientOpts = append(clientOpts, natsclient.WithToken(cfg.Token))
	}
	if tlsConfig != nil {
		clientOpts = append(clientOpts, natsclient.WithTLSConfig(tlsConfig))
	}

	b.client, err = natsclient.NewClient(cfg.URL, clientOpts...)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Client returns the underlying client, shared with the KV definition store
func (b *Broker) Client() *natsclient.Client {
	return b.client
}

// Name implements transport.Broker
func (b *Broker) Name() string {
	return Name
}

// Connect dials the server with exponential backoff, then subscribes every
// filter registered so far.
func (b *Broker) Connect(ctx context.Context) error {
	cfg := retry.Reconnect()
	cfg.MaxAttempts = b.cfg.ConnectAttempts
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = int(^uint(0) >> 1)
	}

	err := retry.Do(ctx, cfg, func() error {
		err := b.client.Connect(ctx)
		if err != nil {
			b.stream.Emit(transport.EventError, err)
			if errors.IsFatal(err) {
				return retry.NonRetryable(err)
			}
		}
		return err
	})
	if err != nil {
		return errors.WrapTransient(err, "nats", "Connect", "connect to server")
	}

	b.setStatus(true)
	b.stream.Emit(transport.EventConnected, nil)

	b.mu.Lock()
	pending := slices.Clone(b.filters)
	b.mu.Unlock()
	return b.subscribe(pending)
}

// Subscribe implements transport.Broker
func (b *Broker) Subscribe(_ context.Context, filters ...string) error {
	subjects := make([]string, 0, len(filters))
	for _, f := range filters {
		if err := pipeline.ValidatePattern(f); err != nil {
			return errors.WrapInvalid(err, "nats", "Subscribe", "validate filter")
		}
		subject, err := TopicToSubject(f)
		if err != nil {
			return errors.WrapInvalid(err, "nats", "Subscribe", "map filter")
		}
		subjects = append(subjects, subject)
	}

	b.mu.Lock()
	for _, s := range subjects {
		if !slices.Contains(b.filters, s) {
			b.filters = append(b.filters, s)
		}
	}
	b.mu.Unlock()

	if !b.client.IsHealthy() {
		return nil
	}
	return b.subscribe(subjects)
}

func (b *Broker) subscribe(subjects []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subject := range subjects {
		if b.subscribed[subject] {
			continue
		}
		if err := b.client.Subscribe(b.ctx, subject, b.handle); err != nil {
			return errors.WrapTransient(err, "nats", "Subscribe", "subscribe "+subject)
		}
		b.subscribed[subject] = true
		b.logger.Info("Subscribed", "subject", subject)
	}
	return nil
}

// Publish implements transport.Broker
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, _ byte, _ bool) error {
	if err := pipeline.ValidateTopic(topic); err != nil {
		return errors.WrapInvalid(err, "nats", "Publish", "validate topic")
	}
	subject, err := TopicToSubject(topic)
	if err != nil {
		return errors.WrapInvalid(err, "nats", "Publish", "map topic")
	}

	if !b.client.IsHealthy() {
		return errors.WrapTransient(errors.ErrBrokerDisconnected, "nats", "Publish", "publish "+topic)
	}
	if err := b.client.Publish(ctx, subject, payload); err != nil {
		if stderrors.Is(err, natsclient.ErrNotConnected) {
			err = errors.ErrBrokerDisconnected
		}
		return errors.WrapTransient(err, "nats", "Publish", "publish "+topic)
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
	return b.client.IsHealthy()
}

// Close implements transport.Broker
func (b *Broker) Close(ctx context.Context) error {
	b.cancel()
	err := b.client.Close(ctx)
	b.setStatus(false)
	b.stream.Close()
	if err != nil {
		return errors.Wrap(err, "nats", "Close", "close client")
	}
	return nil
}

func (b *Broker) handle(_ context.Context, m *gonats.Msg) {
	msg := message.New(SubjectToTopic(m.Subject), slices.Clone(m.Data), message.WithSource(Name))
	if !b.stream.Deliver(b.ctx, msg) {
		b.logger.Debug("Inbound message discarded on close", "subject", m.Subject)
	}
}

func (b *Broker) onDisconnect(err error) {
	b.setStatus(false)
	b.stream.Emit(transport.EventDisconnected, err)
}

func (b *Broker) onReconnect() {
	b.setStatus(true)
	if b.metrics != nil {
		b.metrics.BrokerReconnects.WithLabelValues(Name).Inc()
	}
	b.stream.Emit(transport.EventConnected, nil)
}

func (b *Broker) setStatus(connected bool) {
	if b.metrics != nil {
		b.metrics.RecordBrokerStatus(Name, connected)
	}
}
