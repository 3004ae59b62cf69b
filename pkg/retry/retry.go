// Package retry runs an operation again with exponentially growing,
// jittered pauses until it succeeds, the attempts run out or the context
// ends. The broker transports use it for their initial dial.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

type stop struct{ err error }

func (s stop) Error() string { return "non-retryable: " + s.err.Error() }

func (s stop) Unwrap() error { return s.err }

// NonRetryable marks err so Do returns it at once.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return stop{err}
}

func IsNonRetryable(err error) bool {
	var s stop
	return errors.As(err, &s)
}

// Config shapes the pause sequence. Zero delays and multiplier take the
// defaults of DefaultConfig.
type Config struct {
	// MaxAttempts counts every call to fn; zero or less means one call.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// AddJitter stretches each pause by up to a quarter.
	AddJitter bool
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, AddJitter: true}
}

// Reconnect is the broker dial profile: half a second growing to thirty.
func Reconnect() Config {
	return Config{InitialDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Multiplier: 2, AddJitter: true}
}

func (c Config) withDefaults() (Config, error) {
	if c.InitialDelay < 0 || c.MaxDelay < 0 || c.Multiplier < 0 {
		return c, fmt.Errorf("retry: negative delay or multiplier in %+v", c)
	}
	def := DefaultConfig()
	if c.InitialDelay == 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Multiplier == 0 {
		c.Multiplier = def.Multiplier
	}
	c.Multiplier = min(c.Multiplier, 1000)
	if c.MaxDelay < c.InitialDelay {
		return c, fmt.Errorf("retry: max delay %s below initial delay %s", c.MaxDelay, c.InitialDelay)
	}
	return c, nil
}

// Do calls fn until it returns nil. It gives up on a NonRetryable error,
// when ctx is done, or after cfg.MaxAttempts calls.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return err
	}
	attempts := max(cfg.MaxAttempts, 1)
	pauses := NewBackoff(cfg)

	for n := 1; ; n++ {
		err = fn()
		switch {
		case err == nil:
			return nil
		case IsNonRetryable(err):
			return err
		case ctx.Err() != nil:
			return fmt.Errorf("retry: attempt %d: %w", n, ctx.Err())
		case n >= attempts:
			return fmt.Errorf("retry: failed after %d attempts: %w", attempts, err)
		}
		if serr := Sleep(ctx, pauses.Next()); serr != nil {
			return fmt.Errorf("retry: waiting for attempt %d: %w", n+1, serr)
		}
	}
}

// Backoff is the pause sequence used by Do. Not safe for concurrent use.
type Backoff struct {
	cfg  Config
	next time.Duration
}

// NewBackoff falls back to Reconnect when cfg is invalid.
func NewBackoff(cfg Config) *Backoff {
	c, err := cfg.withDefaults()
	if err != nil {
		c, _ = Reconnect().withDefaults()
	}
	return &Backoff{cfg: c, next: c.InitialDelay}
}

// Next returns the current pause and grows the following one.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next = min(time.Duration(float64(b.next)*b.cfg.Multiplier), b.cfg.MaxDelay)
	if b.cfg.AddJitter && d >= 4 {
		d += rand.N(d / 4)
	}
	return d
}

func (b *Backoff) Reset() { b.next = b.cfg.InitialDelay }

// Sleep returns ctx.Err() if ctx ends before d elapses.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
