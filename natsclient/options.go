package natsclient

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"
)

// ClientOption configures a Client in NewClient. An option that returns an
// error aborts construction.
type ClientOption func(*Client) error

func set(fn func(*Client)) ClientOption {
	return func(c *Client) error {
		fn(c)
		return nil
	}
}

// WithLogger replaces slog.Default. A nil logger is ignored.
func WithLogger(logger *slog.Logger) ClientOption {
	return set(func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	})
}

// WithName is reported to the server as the connection name.
func WithName(name string) ClientOption {
	return set(func(c *Client) { c.clientName = name })
}

// WithTimeout bounds a single dial.
func WithTimeout(d time.Duration) ClientOption {
	return set(func(c *Client) { c.timeout = d })
}

// WithMaxReconnects limits automatic reconnects after a drop; -1 retries forever.
func WithMaxReconnects(n int) ClientOption {
	return set(func(c *Client) { c.maxReconnects = n })
}

func WithReconnectWait(d time.Duration) ClientOption {
	return set(func(c *Client) { c.reconnectWait = d })
}

// WithCircuitBreakerThreshold sets how many consecutive dial failures open
// the circuit.
func WithCircuitBreakerThreshold(n int32) ClientOption {
	return func(c *Client) error {
		if n < 1 {
			return fmt.Errorf("circuit breaker threshold %d: must be at least 1", n)
		}
		c.circuitThreshold = n
		return nil
	}
}

// WithCredentials authenticates with user and password.
func WithCredentials(user, password string) ClientOption {
	return set(func(c *Client) { c.username, c.password = user, password })
}

// WithToken authenticates with a bearer token.
func WithToken(token string) ClientOption {
	return set(func(c *Client) { c.token = token })
}

func WithTLSConfig(cfg *tls.Config) ClientOption {
	return set(func(c *Client) { c.tlsConfig = cfg })
}

// WithDisconnectCallback runs after the connection drops.
func WithDisconnectCallback(fn func(error)) ClientOption {
	return set(func(c *Client) { c.onDisconnect = fn })
}

// WithReconnectCallback runs after the library restores a dropped connection.
func WithReconnectCallback(fn func()) ClientOption {
	return set(func(c *Client) { c.onReconnect = fn })
}
