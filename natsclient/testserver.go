package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const serverImage = "nats:2.11.7-alpine"

// TestServer is a throwaway NATS server in a container together with a
// connected Client. Both are released through t.Cleanup.
type TestServer struct {
	URL    string
	Client *Client
}

type serverSetup struct {
	jetstream bool
	buckets   []string
}

// ServerOption configures StartTestServer.
type ServerOption func(*serverSetup)

// WithJetStream starts the server with -js.
func WithJetStream() ServerOption {
	return func(s *serverSetup) { s.jetstream = true }
}

// WithBuckets implies WithJetStream and creates the named KV buckets.
func WithBuckets(names ...string) ServerOption {
	return func(s *serverSetup) {
		s.jetstream = true
		s.buckets = append(s.buckets, names...)
	}
}

// StartTestServer fails t if the container or the connection cannot be set up.
func StartTestServer(t testing.TB, opts ...ServerOption) *TestServer {
	t.Helper()

	var setup serverSetup
	for _, opt := range opts {
		opt(&setup)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cmd := []string{"-p", "4222", "-m", "8222"}
	if setup.jetstream {
		cmd = append(cmd, "-js")
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        serverImage,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          cmd,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/healthz").WithPort("8222/tcp"),
			),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start nats container: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	endpoint, err := c.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		t.Fatalf("resolve nats endpoint: %v", err)
	}

	client, err := NewClient(endpoint, WithName(t.Name()), WithMaxReconnects(0))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect %s: %v", endpoint, err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	for _, name := range setup.buckets {
		if _, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: name}); err != nil {
			t.Fatalf("create bucket %s: %v", name, err)
		}
	}

	return &TestServer{URL: endpoint, Client: client}
}
