// Package ratelimit throttles user actions on the client with a persisted
// sliding-window log, and HTTP callers on the server with fixed-window counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/binomepay/binomepay-go/internal/platform/store"
)

var (
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Action names a throttled user action.
type Action string

const (
	ActionSendMessage     Action = "message_sending"
	ActionCreateIntention Action = "intention_creation"
	ActionReportUser      Action = "user_reports"
)

// Config defines a sliding window.
type Config struct {
	Action     Action
	MaxActions int
	Window     time.Duration
	// KeyPrefix is prepended to the action name to form the store key.
	KeyPrefix string
}

// Preset limits.
var (
	MessageSending    = Config{Action: ActionSendMessage, MaxActions: 10, Window: time.Minute}
	IntentionCreation = Config{Action: ActionCreateIntention, MaxActions: 5, Window: time.Hour}
	UserReports       = Config{Action: ActionReportUser, MaxActions: 3, Window: 24 * time.Hour}
)

// Result contains the outcome of a check.
type Result struct {
	Allowed   bool
	Remaining int
	// ResetAt is when the oldest recorded action leaves the window. Zero when
	// nothing is recorded.
	ResetAt time.Time
}

// TimeUntilReset returns how long until ResetAt, never negative.
func (r *Result) TimeUntilReset(now time.Time) time.Duration {
	if r.ResetAt.IsZero() || !r.ResetAt.After(now) {
		return 0
	}
	return r.ResetAt.Sub(now)
}

// LimitError reports a rejected action. It matches ErrRateLimited.
type LimitError struct {
	Action  Action
	ResetAt time.Time
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s until %s", e.Action, e.ResetAt.Format(time.RFC3339))
}

func (e *LimitError) Is(target error) bool { return target == ErrRateLimited }

// Limiter is a sliding-window log whose timestamps live in a store.Store.
type Limiter struct {
	store  store.Store
	config Config
	now    func() time.Time
	mu     sync.Mutex
}

// New creates a limiter. now may be nil for time.Now.
func New(s store.Store, cfg Config, now func() time.Time) *Limiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ratelimit:"
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{store: s, config: cfg, now: now}
}

func (l *Limiter) key() string {
	return l.config.KeyPrefix + string(l.config.Action)
}

// Config returns the limiter's window definition.
func (l *Limiter) Config() Config { return l.config }

// RecordAction prunes the log, rejects if it is full, otherwise appends now.
func (l *Limiter) RecordAction(ctx context.Context) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stamps, err := l.load(ctx, now)
	if err != nil {
		return nil, err
	}

	if len(stamps) >= l.config.MaxActions {
		return &Result{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   l.resetAt(stamps),
		}, nil
	}

	stamps = append(stamps, now.UnixMilli())
	if err := store.SetJSON(ctx, l.store, l.key(), stamps); err != nil {
		return nil, fmt.Errorf("persist %s timestamps: %w", l.config.Action, err)
	}

	return &Result{
		Allowed:   true,
		Remaining: l.config.MaxActions - len(stamps),
		ResetAt:   l.resetAt(stamps),
	}, nil
}

// Allow records the action and converts a rejection into a *LimitError.
func (l *Limiter) Allow(ctx context.Context) error {
	res, err := l.RecordAction(ctx)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return &LimitError{Action: l.config.Action, ResetAt: res.ResetAt}
	}
	return nil
}

// Check reports the current state without recording.
func (l *Limiter) Check(ctx context.Context) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stamps, err := l.load(ctx, l.now())
	if err != nil {
		return nil, err
	}
	remaining := l.config.MaxActions - len(stamps)
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:   remaining > 0,
		Remaining: remaining,
		ResetAt:   l.resetAt(stamps),
	}, nil
}

// Reset clears the log.
func (l *Limiter) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Remove(ctx, l.key())
}

// load returns the timestamps still inside the window ending at now.
func (l *Limiter) load(ctx context.Context, now time.Time) ([]int64, error) {
	var stamps []int64
	err := store.GetJSON(ctx, l.store, l.key(), &stamps)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load %s timestamps: %w", l.config.Action, err)
	}

	cutoff := now.Add(-l.config.Window).UnixMilli()
	return slices.DeleteFunc(stamps, func(ts int64) bool { return ts <= cutoff }), nil
}

func (l *Limiter) resetAt(stamps []int64) time.Time {
	if len(stamps) == 0 {
		return time.Time{}
	}
	return time.UnixMilli(slices.Min(stamps)).Add(l.config.Window)
}

// Registry bundles the preset limiters over one store.
type Registry struct {
	Messages   *Limiter
	Intentions *Limiter
	Reports    *Limiter
}

// NewRegistry builds the three preset limiters.
func NewRegistry(s store.Store, now func() time.Time) *Registry {
	return &Registry{
		Messages:   New(s, MessageSending, now),
		Intentions: New(s, IntentionCreation, now),
		Reports:    New(s, UserReports, now),
	}
}

// Status reports every limiter's state keyed by action.
func (r *Registry) Status(ctx context.Context) (map[Action]*Result, error) {
	out := make(map[Action]*Result, 3)
	for _, l := range []*Limiter{r.Messages, r.Intentions, r.Reports} {
		res, err := l.Check(ctx)
		if err != nil {
			return nil, err
		}
		out[l.config.Action] = res
	}
	return out, nil
}
