package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/binomepay/binomepay-go/internal/platform/cache"
	"github.com/binomepay/binomepay-go/internal/platform/http/api"
)

// WindowConfig defines a fixed-window quota for HTTP callers.
type WindowConfig struct {
	// RequestsPerWindow is the maximum requests allowed per window.
	RequestsPerWindow int64 `mapstructure:"requests_per_window"`

	Window time.Duration `mapstructure:"window"`

	// KeyPrefix is prepended to all counter keys.
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ApplyDefaults fills unset fields.
func (c *WindowConfig) ApplyDefaults() {
	if c.RequestsPerWindow <= 0 {
		c.RequestsPerWindow = 100
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "ratelimit:"
	}
}

// WindowResult contains a fixed-window decision.
type WindowResult struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// WindowLimiter counts requests per key in a cache.Counter.
type WindowLimiter struct {
	counter cache.Counter
	config  WindowConfig
}

func NewWindow(c cache.Counter, cfg WindowConfig) *WindowLimiter {
	cfg.ApplyDefaults()
	return &WindowLimiter{counter: c, config: cfg}
}

// Allow increments the counter for key and reports whether it is within quota.
func (l *WindowLimiter) Allow(ctx context.Context, key string) (*WindowResult, error) {
	count, resetAt, err := l.counter.Increment(ctx, l.config.KeyPrefix+key, 1, l.config.Window)
	if err != nil {
		return nil, err
	}

	remaining := l.config.RequestsPerWindow - count
	if remaining < 0 {
		remaining = 0
	}
	return &WindowResult{
		Allowed:   count <= l.config.RequestsPerWindow,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

func (l *WindowLimiter) Reset(ctx context.Context, key string) error {
	return l.counter.Reset(ctx, l.config.KeyPrefix+key)
}

// KeyFromRequest extracts the client address, preferring the first X-Forwarded-For hop.
func KeyFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over quota with 429 and Retry-After.
// Counter failures let the request through.
func (l *WindowLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := l.Allow(r.Context(), KeyFromRequest(r))
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", l.config.RequestsPerWindow))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", result.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", result.ResetAt.Unix()))

		if !result.Allowed {
			retryAfter := int(time.Until(result.ResetAt).Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			api.WriteError(w, http.StatusTooManyRequests, api.ReasonRateLimited, "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}
