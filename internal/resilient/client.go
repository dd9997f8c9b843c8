// Package resilient wraps remote calls with a per-endpoint circuit breaker,
// retry with exponential backoff, a response cache and in-flight request
// coalescing.
package resilient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

const (
	defaultThreshold       = 5
	defaultCoolDown        = 30 * time.Second
	defaultMaxAttempts     = 3
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 10 * time.Second
	defaultCacheTTL        = 10 * time.Minute
)

// RetryPolicy bounds retries for retryable failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64 // randomization factor, 0 disables
	AttemptTimeout  time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaultMaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RetryEvent describes a retry about to happen.
type RetryEvent struct {
	Endpoint string
	Attempt  int // attempt that just failed, starting at 1
	Err      error
	Wait     time.Duration
}

// Authenticator supplies the session token attached to every attempt and
// recovers from authentication failures.
type Authenticator interface {
	Token(ctx context.Context) (string, error)
	Recover(ctx context.Context, cause error) error
}

// Call describes one logical remote operation.
type Call struct {
	Endpoint  string
	Params    map[string]string // fingerprint input for cacheable calls
	Cacheable bool
	CacheTTL  time.Duration
	Retry     *RetryPolicy
	OnRetry   func(RetryEvent)
}

// Config holds Client dependencies. Zero values get defaults.
type Config struct {
	Breaker  BreakerConfig
	Retry    RetryPolicy
	Cache    Cache
	CacheTTL time.Duration
	Auth     Authenticator
	OnRetry  func(RetryEvent)
	Metrics  *Metrics
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
}

// Client is safe for concurrent use. Breaker state is per Client instance.
type Client struct {
	breakerCfg BreakerConfig
	retry      RetryPolicy
	cache      Cache
	cacheTTL   time.Duration
	auth       Authenticator
	onRetry    func(RetryEvent)
	metrics    *Metrics
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	group    singleflight.Group
	mu       sync.Mutex
	breakers map[string]*breaker
}

// New creates a Client.
func New(cfg Config) *Client {
	bc := cfg.Breaker
	if bc.Threshold <= 0 {
		bc.Threshold = defaultThreshold
	}
	if bc.CoolDown <= 0 {
		bc.CoolDown = defaultCoolDown
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Client{
		breakerCfg: bc,
		retry:      cfg.Retry.withDefaults(),
		cache:      cache,
		cacheTTL:   ttl,
		auth:       cfg.Auth,
		onRetry:    cfg.OnRetry,
		metrics:    cfg.Metrics,
		now:        now,
		sleep:      sleep,
		breakers:   make(map[string]*breaker),
	}
}

// BreakerState reports the breaker state for endpoint.
func (c *Client) BreakerState(endpoint string) State {
	return c.breakerFor(endpoint).current()
}

func (c *Client) breakerFor(endpoint string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[endpoint]
	if !ok {
		b = newBreaker(endpoint, c.breakerCfg, c.now, c.breakerChanged)
		c.breakers[endpoint] = b
	}
	return b
}

func (c *Client) breakerChanged(endpoint string, from, to State) {
	c.metrics.state(endpoint, to)
	if to == StateOpen {
		slog.Warn("circuit opened", "endpoint", endpoint, "from", from.String())
		return
	}
	slog.Info("circuit state changed", "endpoint", endpoint, "from", from.String(), "to", to.String())
}

// Do executes fn under the client's policies. Cacheable calls are served from
// the cache when fresh and coalesced with identical in-flight calls; the
// shared call runs under the first caller's context.
func Do[T any](ctx context.Context, c *Client, call Call, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if !call.Cacheable {
		return execute(ctx, c, call, fn)
	}

	key := "resp:" + Fingerprint(call.Endpoint, call.Params)
	if data, ok, err := c.cache.Get(ctx, key); err != nil {
		slog.Warn("response cache read failed", "endpoint", call.Endpoint, "error", err)
	} else if ok {
		var cached T
		if err := json.Unmarshal(data, &cached); err == nil {
			c.metrics.call(call.Endpoint, "cache_hit")
			return cached, nil
		}
		slog.Warn("discarding undecodable cache entry", "endpoint", call.Endpoint)
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		res, err := execute(ctx, c, call, fn)
		if err != nil {
			return nil, err
		}
		ttl := call.CacheTTL
		if ttl <= 0 {
			ttl = c.cacheTTL
		}
		if data, err := json.Marshal(res); err == nil {
			if err := c.cache.Set(ctx, key, data, ttl); err != nil {
				slog.Warn("response cache write failed", "endpoint", call.Endpoint, "error", err)
			}
		}
		return res, nil
	})
	if shared {
		c.metrics.call(call.Endpoint, "coalesced")
	}
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

func execute[T any](ctx context.Context, c *Client, call Call, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	policy := c.retry
	if call.Retry != nil {
		policy = call.Retry.withDefaults()
	}
	b := c.breakerFor(call.Endpoint)
	bo := policy.backOff()
	recovered := false

	for attempt := 1; ; attempt++ {
		probe, err := b.allow()
		if err != nil {
			c.metrics.call(call.Endpoint, "circuit_open")
			return zero, err
		}

		attemptCtx := ctx
		if c.auth != nil {
			token, err := c.auth.Token(ctx)
			if err != nil {
				b.record(probe, outcomeIgnored)
				return zero, &Error{Kind: KindAuthentication, Endpoint: call.Endpoint, Reason: "token unavailable", Err: err}
			}
			attemptCtx = WithToken(ctx, token)
		}
		cancel := func() {}
		if policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(attemptCtx, policy.AttemptTimeout)
		}
		res, err := fn(attemptCtx)
		cancel()

		if err == nil {
			b.record(probe, outcomeSuccess)
			c.metrics.call(call.Endpoint, "success")
			return res, nil
		}

		if ctx.Err() != nil {
			b.record(probe, outcomeIgnored)
			c.metrics.call(call.Endpoint, "cancelled")
			return zero, ctx.Err()
		}

		rerr := Classify(call.Endpoint, err)
		if rerr.Kind.tripsBreaker() {
			b.record(probe, outcomeFailure)
		} else {
			b.record(probe, outcomeSuccess)
		}

		needsAuth := rerr.Kind == KindAuthentication || (rerr.Kind == KindSessionExpired && rerr.CanRecover)
		if needsAuth && c.auth != nil && !recovered {
			recovered = true
			if rerr2 := c.auth.Recover(ctx, rerr); rerr2 != nil {
				slog.Warn("authentication recovery failed", "endpoint", call.Endpoint, "error", rerr2)
				c.metrics.call(call.Endpoint, "failure")
				return zero, rerr
			}
			slog.Info("authentication recovered, replaying call", "endpoint", call.Endpoint)
			attempt--
			continue
		}

		if !rerr.Kind.Retryable() {
			c.metrics.call(call.Endpoint, "failure")
			return zero, rerr
		}
		if attempt >= policy.MaxAttempts {
			c.metrics.call(call.Endpoint, "exhausted")
			return zero, &ExhaustedError{Endpoint: call.Endpoint, Attempts: attempt, Last: rerr}
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			c.metrics.call(call.Endpoint, "exhausted")
			return zero, &ExhaustedError{Endpoint: call.Endpoint, Attempts: attempt, Last: rerr}
		}
		if rerr.RetryAfter > wait {
			wait = rerr.RetryAfter
		}

		ev := RetryEvent{Endpoint: call.Endpoint, Attempt: attempt, Err: rerr, Wait: wait}
		c.metrics.retry(call.Endpoint, rerr.Kind)
		slog.Warn("retrying remote call",
			"endpoint", call.Endpoint,
			"attempt", attempt,
			"kind", rerr.Kind.String(),
			"wait", wait,
		)
		if c.onRetry != nil {
			c.onRetry(ev)
		}
		if call.OnRetry != nil {
			call.OnRetry(ev)
		}

		if err := c.sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type tokenCtxKey struct{}

// WithToken stores the session token for providers to attach to outbound requests.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenCtxKey{}, token)
}

// TokenFromContext returns the session token, or "" when none was attached.
func TokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(tokenCtxKey{}).(string)
	return t
}

// IsCircuitOpen reports whether err is a short-circuited call.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
