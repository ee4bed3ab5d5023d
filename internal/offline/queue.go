// Package offline persists user mutations made while the backend is
// unreachable and replays them in FIFO order.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/binomepay/binomepay-go/internal/notify"
	"github.com/binomepay/binomepay-go/internal/platform/logutil"
	"github.com/binomepay/binomepay-go/internal/platform/store"
)

const (
	QueueKey       = "offline:queue"
	DeadLettersKey = "offline:dead_letters"

	DefaultMaxAttempts = 3
	DefaultDedupWindow = 60 * time.Second
)

var (
	ErrNotFound  = errors.New("action not found")
	ErrNoHandler = errors.New("no handler for action type")
)

// Handler replays one action against the backend.
type Handler func(ctx context.Context, a Action) error

// Handlers maps action types to their replay function.
type Handlers map[Type]Handler

// DrainResult summarizes one drain pass.
type DrainResult struct {
	// Skipped is true when another drain was already running.
	Skipped      bool     `json:"skipped"`
	Processed    int      `json:"processed"`
	Succeeded    int      `json:"succeeded"`
	Failed       int      `json:"failed"`
	DeadLettered []string `json:"dead_lettered,omitempty"`
}

// Options configures a Queue.
type Options struct {
	MaxAttempts int
	DedupWindow time.Duration
	Notifier    notify.Dispatcher
	Logger      *slog.Logger
	Now         func() time.Time
}

// Queue is a persisted FIFO of actions plus a dead-letter list.
type Queue struct {
	store       store.Store
	maxAttempts int
	window      time.Duration
	notifier    notify.Dispatcher
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	draining atomic.Bool
}

func NewQueue(s store.Store, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		store:       s,
		maxAttempts: opts.MaxAttempts,
		window:      opts.DedupWindow,
		notifier:    opts.Notifier,
		logger:      logutil.NoopIfNil(opts.Logger),
		now:         opts.Now,
	}
}

func (q *Queue) load(ctx context.Context, key string) ([]Action, error) {
	var list []Action
	err := store.GetJSON(ctx, q.store, key, &list)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return list, nil
}

func (q *Queue) save(ctx context.Context, key string, list []Action) error {
	if list == nil {
		list = []Action{}
	}
	if err := store.SetJSON(ctx, q.store, key, list); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Enqueue appends a and returns the stored action. When an action with the
// same idempotency key is already queued or dead-lettered, that action is
// returned instead and enqueued is false. The key is always derived here
// from the queue's dedup window; any key set by the caller is replaced.
func (q *Queue) Enqueue(ctx context.Context, a Action) (stored Action, enqueued bool, err error) {
	if a.EnqueuedAt.IsZero() {
		a.EnqueuedAt = q.now()
	}
	key, err := rekey(a, q.window)
	if err != nil {
		return Action{}, false, err
	}
	a.IdempotencyKey = key

	q.mu.Lock()
	defer q.mu.Unlock()

	queue, err := q.load(ctx, QueueKey)
	if err != nil {
		return Action{}, false, err
	}
	dead, err := q.load(ctx, DeadLettersKey)
	if err != nil {
		return Action{}, false, err
	}

	sameKey := func(x Action) bool { return x.IdempotencyKey == a.IdempotencyKey }
	if i := slices.IndexFunc(queue, sameKey); i >= 0 {
		q.logger.Info("duplicate offline action collapsed", "type", a.Type, "action_id", a.ID, "kept_id", queue[i].ID)
		return queue[i], false, nil
	}
	if i := slices.IndexFunc(dead, sameKey); i >= 0 {
		q.logger.Info("duplicate offline action collapsed", "type", a.Type, "action_id", a.ID, "kept_id", dead[i].ID)
		return dead[i], false, nil
	}

	if err := q.save(ctx, QueueKey, append(queue, a)); err != nil {
		return Action{}, false, err
	}
	q.logger.Info("offline action queued", "type", a.Type, "action_id", a.ID, "queue_len", len(queue)+1)
	return a, true, nil
}

// Drain replays every queued action in FIFO order. Successful actions are
// removed; failures increment Attempts and, once MaxAttempts is reached, move
// to the dead-letter list. A failing action does not stop the pass.
// Concurrent calls return a Skipped result.
func (q *Queue) Drain(ctx context.Context, handlers Handlers) (*DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return &DrainResult{Skipped: true}, nil
	}
	defer q.draining.Store(false)

	q.mu.Lock()
	pending, err := q.load(ctx, QueueKey)
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	res := &DrainResult{}
	for _, a := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Processed++

		handler, ok := handlers[a.Type]
		var herr error
		if !ok {
			herr = fmt.Errorf("%w: %s", ErrNoHandler, a.Type)
		} else {
			herr = handler(ctx, a)
		}

		if herr == nil {
			res.Succeeded++
			if err := q.remove(ctx, a.ID); err != nil {
				return res, err
			}
			q.logger.Debug("offline action replayed", "type", a.Type, "action_id", a.ID)
			continue
		}

		res.Failed++
		dead, err := q.recordFailure(ctx, a.ID, herr)
		if err != nil {
			return res, err
		}
		if dead != nil {
			res.DeadLettered = append(res.DeadLettered, dead.ID)
			q.logger.Warn("offline action dead-lettered", "type", dead.Type, "action_id", dead.ID, "attempts", dead.Attempts, "error", herr)
			if q.notifier != nil {
				q.notifier.Dispatch(ctx, notify.ActionFailed(dead.UserID, dead.ID, string(dead.Type), dead.LastError))
			}
		} else {
			q.logger.Info("offline action failed", "type", a.Type, "action_id", a.ID, "error", herr)
		}
	}
	return res, nil
}

// remove deletes the action with id from the queue.
func (q *Queue) remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, err := q.load(ctx, QueueKey)
	if err != nil {
		return err
	}
	return q.save(ctx, QueueKey, slices.DeleteFunc(queue, func(x Action) bool { return x.ID == id }))
}

// recordFailure increments attempts and returns the action if it was moved
// to the dead-letter list.
func (q *Queue) recordFailure(ctx context.Context, id string, cause error) (*Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, err := q.load(ctx, QueueKey)
	if err != nil {
		return nil, err
	}
	i := slices.IndexFunc(queue, func(x Action) bool { return x.ID == id })
	if i < 0 {
		return nil, nil
	}

	queue[i].Attempts++
	queue[i].LastError = cause.Error()
	if queue[i].Attempts < q.maxAttempts {
		return nil, q.save(ctx, QueueKey, queue)
	}

	exhausted := queue[i]
	dead, err := q.load(ctx, DeadLettersKey)
	if err != nil {
		return nil, err
	}
	// Dead letters are written first so a crash between the writes duplicates
	// rather than loses the action.
	if err := q.save(ctx, DeadLettersKey, append(dead, exhausted)); err != nil {
		return nil, err
	}
	if err := q.save(ctx, QueueKey, slices.Delete(queue, i, i+1)); err != nil {
		return nil, err
	}
	return &exhausted, nil
}

// Pending returns the queued actions in FIFO order.
func (q *Queue) Pending(ctx context.Context) ([]Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx, QueueKey)
}

// Len returns the number of queued actions.
func (q *Queue) Len(ctx context.Context) (int, error) {
	pending, err := q.Pending(ctx)
	return len(pending), err
}

// DeadLetters returns actions that exhausted their attempts.
func (q *Queue) DeadLetters(ctx context.Context) ([]Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx, DeadLettersKey)
}

// RequeueDeadLetter moves a dead letter back to the tail of the queue with
// its attempts reset.
func (q *Queue) RequeueDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	dead, err := q.load(ctx, DeadLettersKey)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(dead, func(x Action) bool { return x.ID == id })
	if i < 0 {
		return ErrNotFound
	}
	a := dead[i]
	a.Attempts = 0

	queue, err := q.load(ctx, QueueKey)
	if err != nil {
		return err
	}
	if err := q.save(ctx, QueueKey, append(queue, a)); err != nil {
		return err
	}
	return q.save(ctx, DeadLettersKey, slices.Delete(dead, i, i+1))
}

// DiscardDeadLetter drops a dead letter permanently.
func (q *Queue) DiscardDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	dead, err := q.load(ctx, DeadLettersKey)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(dead, func(x Action) bool { return x.ID == id })
	if i < 0 {
		return ErrNotFound
	}
	return q.save(ctx, DeadLettersKey, slices.Delete(dead, i, i+1))
}

// Draining reports whether a drain is in progress.
func (q *Queue) Draining() bool { return q.draining.Load() }
