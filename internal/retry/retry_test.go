package retry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/binomepay/binomepay-go/internal/retry"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatus() int { return int(e) }

func fastConfig() retry.Config {
	return retry.Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDelay_MonotonicAndCapped(t *testing.T) {
	cfg := retry.DefaultConfig()

	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := cfg.Delay(attempt)
		if d < prev {
			t.Fatalf("Delay(%d) = %v < Delay(%d) = %v", attempt, d, attempt-1, prev)
		}
		if d > cfg.MaxDelay {
			t.Fatalf("Delay(%d) = %v exceeds cap %v", attempt, d, cfg.MaxDelay)
		}
		prev = d
	}
	if cfg.Delay(0) != time.Second || cfg.Delay(2) != 4*time.Second {
		t.Errorf("unexpected schedule: %v, %v", cfg.Delay(0), cfg.Delay(2))
	}
	if cfg.Delay(10) != 30*time.Second {
		t.Errorf("Delay(10) = %v, want cap", cfg.Delay(10))
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := retry.DefaultConfig()
	if cfg.MaxRetries != 3 || cfg.BaseDelay != time.Second || cfg.MaxDelay != 30*time.Second || cfg.Multiplier != 2 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestDo_SucceedsAfterRetryableFailures(t *testing.T) {
	calls := 0
	v, err := retry.Do(context.Background(), fastConfig(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("dial tcp: connection refused")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("Do = %q, %v", v, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_StopsAtMaxRetries(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		calls++
		return 0, statusErr(503)
	})
	if calls != 4 {
		t.Errorf("calls = %d, want 4 (1 + 3 retries)", calls)
	}
	var se statusErr
	if !errors.As(err, &se) || int(se) != 503 {
		t.Errorf("expected last error to be returned, got %v", err)
	}
}

func TestDo_TerminalErrorNotRetried(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		calls++
		return 0, statusErr(400)
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	var se statusErr
	if !errors.As(err, &se) {
		t.Errorf("expected unwrapped terminal error, got %T %v", err, err)
	}
}

func TestDo_CustomPredicateAndNotify(t *testing.T) {
	var attempts []int
	calls := 0
	_, err := retry.Do(context.Background(), fastConfig(),
		func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("boom")
		},
		retry.WithPredicate(func(error) bool { return true }),
		retry.WithNotify(func(err error, attempt int, wait time.Duration) {
			attempts = append(attempts, attempt)
		}),
	)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 4 || len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Errorf("calls=%d attempts=%v", calls, attempts)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := retry.Config{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		_, err := retry.Do(ctx, cfg, func(ctx context.Context) (int, error) {
			return 0, statusErr(500)
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("read tcp: i/o timeout"), true},
		{errors.New("dial tcp: lookup api: no such host"), true},
		{errors.New("unexpected EOF"), true},
		{statusErr(500), true},
		{statusErr(429), true},
		{statusErr(404), false},
		{fmt.Errorf("wrapped: %w", statusErr(502)), true},
		{context.Canceled, false},
		{errors.New("invalid amount"), false},
	}
	for _, tt := range tests {
		if got := retry.IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
