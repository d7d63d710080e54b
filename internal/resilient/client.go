// Package resilient wraps outbound calls with per-attempt timeouts, bounded
// exponential backoff, a per-class TTL cache and a shared health flag.
package resilient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// Policy bounds retries for a single logical call.
type Policy struct {
	MaxAttempts int
	Timeout     time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
}

// DefaultPolicy is three attempts, 10s per attempt, 1s doubling to 10s with 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Timeout:     10 * time.Second,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

// RetryEvent describes a retry about to be scheduled.
type RetryEvent struct {
	Op      string
	Attempt int
	Delay   time.Duration
	Err     error
}

// Option configures a Client.
type Option func(*Client)

// WithClock injects the clock used for delays and cache expiry.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithTTL sets the cache lifetime for one class. Zero disables caching for it.
func WithTTL(class Class, ttl time.Duration) Option {
	return func(c *Client) { c.ttl[class] = ttl }
}

// WithOnRetry registers a hook invoked before every backoff wait.
func WithOnRetry(fn func(RetryEvent)) Option {
	return func(c *Client) { c.onRetry = fn }
}

// WithOnHealthChange registers a hook invoked when the health flag flips.
func WithOnHealthChange(fn func(healthy bool)) Option {
	return func(c *Client) { c.onHealth = fn }
}

// WithOnCacheLookup registers a hook invoked on every non-forced cache lookup.
func WithOnCacheLookup(fn func(class Class, hit bool)) Option {
	return func(c *Client) { c.onCache = fn }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.log = logger }
}

// Client is safe for concurrent use.
type Client struct {
	policy   Policy
	clock    clockwork.Clock
	log      *slog.Logger
	onRetry  func(RetryEvent)
	onHealth func(bool)
	onCache  func(Class, bool)

	healthy atomic.Bool

	mu     sync.Mutex
	ttl    map[Class]time.Duration
	cache  map[cacheKey]cacheEntry
	hits   atomic.Uint64
	misses atomic.Uint64
	group  singleflight.Group
}

// New builds a Client. The health flag starts true.
func New(policy Policy, opts ...Option) *Client {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	c := &Client{
		policy: policy,
		clock:  clockwork.NewRealClock(),
		log:    slog.Default(),
		ttl:    DefaultTTLs(),
		cache:  make(map[cacheKey]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.healthy.Store(true)
	return c
}

// Policy returns the effective retry policy.
func (c *Client) Policy() Policy { return c.policy }

// Clock exposes the injected clock so callers share one time source.
func (c *Client) Clock() clockwork.Clock { return c.clock }

// Healthy reports the connection-level health flag.
func (c *Client) Healthy() bool { return c.healthy.Load() }

func (c *Client) setHealthy(ok bool) {
	if c.healthy.Swap(ok) != ok && c.onHealth != nil {
		c.onHealth(ok)
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.policy.BaseDelay,
		RandomizationFactor: c.policy.Jitter,
		Multiplier:          c.policy.Multiplier,
		MaxInterval:         c.policy.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               c.clock,
	}
	b.Reset()
	return b
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. Each attempt gets its own deadline.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := c.newBackOff()
	var lastErr error
	attempt := 0
	for attempt < c.policy.MaxAttempts {
		attempt++
		err := c.attempt(ctx, fn)
		if err == nil {
			c.setHealthy(true)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !Retryable(err) {
			return err
		}
		lastErr = err
		if connectionClass(err) {
			c.setHealthy(false)
		}
		if attempt == c.policy.MaxAttempts {
			break
		}

		delay := b.NextBackOff()
		var se *StatusError
		if errors.As(err, &se) && se.RetryAfter > 0 {
			if se.RetryAfter > c.policy.MaxDelay {
				return &RateLimitedError{Op: op, RetryAfter: se.RetryAfter}
			}
			if se.RetryAfter > delay {
				delay = se.RetryAfter
			}
		}
		if c.onRetry != nil {
			c.onRetry(RetryEvent{Op: op, Attempt: attempt, Delay: delay, Err: err})
		}
		c.log.DebugContext(ctx, "retrying call",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := c.wait(ctx, delay); err != nil {
			return err
		}
	}

	var se *StatusError
	if errors.As(lastErr, &se) && se.Code == 429 {
		return &RateLimitedError{Op: op, RetryAfter: se.RetryAfter}
	}
	c.setHealthy(false)
	return &ConnectionError{Op: op, Attempts: attempt, Err: lastErr}
}

func (c *Client) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.policy.Timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()
	return fn(actx)
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := c.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
