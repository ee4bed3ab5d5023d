package ratelimit_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/binomepay/binomepay-go/internal/platform/cache/memory"
	"github.com/binomepay/binomepay-go/internal/ratelimit"
)

func TestWindowLimiter_Allow(t *testing.T) {
	c := memory.New(time.Minute, 0)
	defer c.Close()

	l := ratelimit.NewWindow(c, ratelimit.WindowConfig{RequestsPerWindow: 3, Window: time.Minute, KeyPrefix: "test:"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "client1")
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !res.Allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
		if res.Remaining != int64(2-i) {
			t.Errorf("request %d: remaining = %d", i+1, res.Remaining)
		}
	}

	res, _ := l.Allow(ctx, "client1")
	if res.Allowed {
		t.Error("4th request should be denied")
	}

	other, _ := l.Allow(ctx, "client2")
	if !other.Allowed {
		t.Error("a different key has its own quota")
	}

	l.Reset(ctx, "client1")
	if res, _ := l.Allow(ctx, "client1"); !res.Allowed {
		t.Error("request after Reset should be allowed")
	}
}

func TestKeyFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:41234"
	if got := ratelimit.KeyFromRequest(r); got != "10.0.0.5" {
		t.Errorf("KeyFromRequest = %q", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := ratelimit.KeyFromRequest(r); got != "203.0.113.7" {
		t.Errorf("KeyFromRequest with XFF = %q", got)
	}
}

func TestWindowLimiter_Middleware(t *testing.T) {
	c := memory.New(time.Minute, 0)
	defer c.Close()

	l := ratelimit.NewWindow(c, ratelimit.WindowConfig{RequestsPerWindow: 1, Window: time.Minute})
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/dev/tokens", nil))
	if first.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d", first.Code)
	}

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/dev/tokens", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}
