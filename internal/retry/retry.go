// Package retry wraps operations in exponential backoff with jitter.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config controls the backoff schedule. Zero fields take defaults.
type Config struct {
	MaxRetries int           `toml:"max_retries" mapstructure:"max_retries"`
	BaseDelay  time.Duration `toml:"base_delay" mapstructure:"base_delay"`
	MaxDelay   time.Duration `toml:"max_delay" mapstructure:"max_delay"`
	Multiplier float64       `toml:"multiplier" mapstructure:"multiplier"`
	// Jitter is the upper bound of the random extra delay as a fraction of the base delay.
	Jitter float64 `toml:"jitter" mapstructure:"jitter"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.3
	}
}

// DefaultConfig returns the default schedule: 3 retries, 1s base, 30s cap, x2.
func DefaultConfig() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// Delay returns the jitter-free delay before retry number attempt (0-based).
func (c Config) Delay(attempt int) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) || math.IsInf(d, 0) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// schedule implements backoff.BackOff.
type schedule struct {
	cfg     Config
	attempt int
	rand    func() float64
}

func (s *schedule) NextBackOff() time.Duration {
	d := float64(s.cfg.BaseDelay)*math.Pow(s.cfg.Multiplier, float64(s.attempt)) +
		s.rand()*s.cfg.Jitter*float64(s.cfg.BaseDelay)*math.Pow(s.cfg.Multiplier, float64(s.attempt))
	s.attempt++
	if d > float64(s.cfg.MaxDelay) || math.IsInf(d, 0) {
		return s.cfg.MaxDelay
	}
	return time.Duration(d)
}

func (s *schedule) Reset() { s.attempt = 0 }

type options struct {
	retryable func(error) bool
	notify    func(err error, attempt int, wait time.Duration)
	rand      func() float64
}

// Option customizes Do.
type Option func(*options)

// WithPredicate replaces IsRetryable.
func WithPredicate(fn func(error) bool) Option {
	return func(o *options) { o.retryable = fn }
}

// WithNotify is called before each sleep with the failed attempt number (1-based).
func WithNotify(fn func(err error, attempt int, wait time.Duration)) Option {
	return func(o *options) { o.notify = fn }
}

// WithRand replaces the jitter source, which must return values in [0,1).
func WithRand(fn func() float64) Option {
	return func(o *options) { o.rand = fn }
}

// Do runs fn until it succeeds, returns an ineligible error, exhausts
// MaxRetries, or ctx is done. The last error is returned unchanged.
func Do[T any](ctx context.Context, cfg Config, fn func(context.Context) (T, error), opts ...Option) (T, error) {
	cfg.ApplyDefaults()
	o := options{retryable: IsRetryable, rand: rand.Float64}
	for _, opt := range opts {
		opt(&o)
	}

	attempt := 0
	op := func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !o.retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(&schedule{cfg: cfg, rand: o.rand}),
		backoff.WithMaxTries(uint(cfg.MaxRetries + 1)),
		// MaxRetries and ctx bound the loop, not wall time.
		backoff.WithMaxElapsedTime(0),
	}
	if o.notify != nil {
		retryOpts = append(retryOpts, backoff.WithNotify(func(err error, wait time.Duration) {
			o.notify(err, attempt, wait)
		}))
	}

	v, err := backoff.Retry(ctx, op, retryOpts...)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return v, err
}

// HTTPStatuser is implemented by errors that carry an HTTP response status.
type HTTPStatuser interface {
	HTTPStatus() int
}

var networkSubstrings = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"no such host",
	"network",
	"eof",
	"broken pipe",
	"fetch failed",
}

// IsRetryable is the default predicate: network failures, 5xx and 429 responses.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var hs HTTPStatuser
	if errors.As(err, &hs) {
		code := hs.HTTPStatus()
		return code >= 500 || code == 429
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range networkSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
