// Package syncer keeps the in-memory state eventually consistent with the
// backend: it drains the offline queue, fetches fresh collections, replaces
// the ones that changed and announces newly observed items.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/binomepay/binomepay-go/internal/appstate"
	"github.com/binomepay/binomepay-go/internal/auth"
	"github.com/binomepay/binomepay-go/internal/domain"
	"github.com/binomepay/binomepay-go/internal/notify"
	"github.com/binomepay/binomepay-go/internal/offline"
	"github.com/binomepay/binomepay-go/internal/platform/logutil"
	"github.com/binomepay/binomepay-go/internal/remote"
	"github.com/binomepay/binomepay-go/internal/retry"
	"github.com/binomepay/binomepay-go/internal/snapshot"
)

// DefaultMinInterval is the minimum spacing of unforced syncs.
const DefaultMinInterval = 5 * time.Second

// Outcome of the last PerformSync call.
const (
	ResultOK          = "ok"
	ResultPartial     = "partial"
	ResultThrottled   = "throttled"
	ResultNoSession   = "no_session"
	ResultOffline     = "offline"
	ResultBackendDown = "backend_down"
	ResultFailed      = "failed"
)

// Reachability reports whether the network path to the backend is up.
type Reachability interface {
	Check(ctx context.Context) bool
}

// Options wires an Orchestrator. Remote, State and Auth are required.
type Options struct {
	Remote       remote.DataClient
	State        *appstate.State
	Auth         auth.Provider
	Reachability Reachability
	Queue        *offline.Queue
	Handlers     offline.Handlers
	Snapshots    *snapshot.Cache
	Notifier     notify.Dispatcher
	Retry        retry.Config
	MinInterval  time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Stats describes recent sync activity.
type Stats struct {
	InFlight      bool                 `json:"in_flight"`
	LastAttemptAt time.Time            `json:"last_attempt_at,omitzero"`
	LastSuccessAt time.Time            `json:"last_success_at,omitzero"`
	LastResult    string               `json:"last_result,omitempty"`
	Attempts      int                  `json:"attempts"`
	Successes     int                  `json:"successes"`
	FetchErrors   map[string]string    `json:"fetch_errors,omitempty"`
	LastDrain     *offline.DrainResult `json:"last_drain,omitempty"`
}

// Orchestrator runs sync passes. At most one pass runs at a time.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	inFlight atomic.Bool

	mu          sync.Mutex
	lastStart   time.Time
	lastSuccess time.Time
	stats       Stats
}

func New(opts Options) *Orchestrator {
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Retry.ApplyDefaults()
	return &Orchestrator{opts: opts, logger: logutil.NoopIfNil(opts.Logger)}
}

// InFlight reports whether a pass is running.
func (o *Orchestrator) InFlight() bool { return o.inFlight.Load() }

// Stats returns a copy of the current counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.InFlight = o.inFlight.Load()
	if s.FetchErrors != nil {
		errs := make(map[string]string, len(s.FetchErrors))
		for k, v := range s.FetchErrors {
			errs[k] = v
		}
		s.FetchErrors = errs
	}
	return s
}

func (o *Orchestrator) finish(result string, fetchErrs map[string]string, drain *offline.DrainResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.LastResult = result
	o.stats.FetchErrors = fetchErrs
	if drain != nil {
		o.stats.LastDrain = drain
	}
	if result == ResultOK || result == ResultPartial {
		o.stats.Successes++
		o.stats.LastSuccessAt = o.lastSuccess
	}
}

// PerformSync runs one pass and reports whether fresh data was applied. It
// returns false without side effects when a pass is already running, when the
// last attempted pass started less than the minimum interval ago and force is
// false, or when no user is signed in. Network and backend failures are
// logged and leave the current state untouched.
func (o *Orchestrator) PerformSync(ctx context.Context, force bool) bool {
	if !o.inFlight.CompareAndSwap(false, true) {
		o.logger.Debug("sync skipped, already in flight")
		return false
	}
	defer o.inFlight.Store(false)

	now := o.opts.Now()
	o.mu.Lock()
	last := o.lastStart
	o.mu.Unlock()
	if !force && !last.IsZero() && now.Sub(last) < o.opts.MinInterval {
		o.logger.Debug("sync skipped, too soon", "since_last", now.Sub(last))
		o.finish(ResultThrottled, nil, nil)
		return false
	}

	session, ok := o.opts.Auth.Session(ctx)
	if !ok || session.UserID == "" {
		o.finish(ResultNoSession, nil, nil)
		return false
	}
	userID := session.UserID

	o.mu.Lock()
	o.lastStart = now
	o.stats.Attempts++
	o.stats.LastAttemptAt = now
	o.mu.Unlock()

	logger := o.logger.With("user_id", userID, "forced", force)

	if o.opts.Reachability != nil && !o.opts.Reachability.Check(ctx) {
		logger.Info("sync skipped, network unreachable")
		o.finish(ResultOffline, nil, nil)
		return false
	}
	if !o.opts.Remote.CheckAPIHealth(ctx) {
		logger.Warn("sync skipped, backend health check failed")
		o.finish(ResultBackendDown, nil, nil)
		return false
	}

	var drain *offline.DrainResult
	if o.opts.Queue != nil {
		res, err := o.opts.Queue.Drain(ctx, o.opts.Handlers)
		if err != nil {
			logger.Warn("offline queue drain failed", "error", err)
		} else if res.Processed > 0 {
			logger.Info("offline queue drained",
				"processed", res.Processed, "succeeded", res.Succeeded,
				"failed", res.Failed, "dead_lettered", len(res.DeadLettered))
		}
		drain = res
	}

	fetched, fetchErrs := o.fetch(ctx, userID, logger)
	if fetched == nil {
		o.finish(ResultFailed, fetchErrs, drain)
		return false
	}

	o.apply(ctx, userID, fetched, o.retainedIDs(ctx))

	synced := o.opts.Now()
	o.opts.State.SetLastSync(synced)
	if o.opts.Snapshots != nil {
		if err := o.opts.Snapshots.Save(ctx, userID, o.opts.State.Snapshot()); err != nil {
			logger.Warn("failed to save snapshot", "error", err)
		}
		if err := o.opts.Snapshots.SetLastSync(ctx, userID, synced); err != nil {
			logger.Warn("failed to record last sync", "error", err)
		}
	}

	o.mu.Lock()
	o.lastSuccess = synced
	o.mu.Unlock()

	result := ResultOK
	if len(fetchErrs) > 0 {
		result = ResultPartial
	}
	o.finish(result, fetchErrs, drain)
	logger.Info("sync completed", "result", result, "duration", synced.Sub(now))
	return true
}

// fetch tries the combined call first and falls back to one call per
// collection. A nil snapshot means nothing could be fetched. Collections that
// failed in the fallback are nil in the returned snapshot.
func (o *Orchestrator) fetch(ctx context.Context, userID string, logger *slog.Logger) (*domain.Snapshot, map[string]string) {
	snap, err := retry.Do(ctx, o.opts.Retry, func(ctx context.Context) (*domain.Snapshot, error) {
		return o.opts.Remote.SyncUserData(ctx, userID)
	}, retry.WithNotify(func(err error, attempt int, wait time.Duration) {
		logger.Debug("combined fetch failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}))
	if err == nil && snap != nil {
		return normalize(snap), nil
	}
	logger.Warn("combined fetch failed, falling back to per-collection fetches", "error", err)
	return o.fetchEach(ctx, userID, logger)
}

func (o *Orchestrator) fetchEach(ctx context.Context, userID string, logger *slog.Logger) (*domain.Snapshot, map[string]string) {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs = make(map[string]string)
		snap domain.Snapshot
	)

	// Each goroutine settles its own failure so one collection never cancels another.
	run := func(name string, fn func() error) {
		g.Go(func() error {
			if err := fn(); err != nil {
				logger.Warn("collection fetch failed", "collection", name, "error", err)
				mu.Lock()
				errs[name] = err.Error()
				mu.Unlock()
			}
			return nil
		})
	}

	rc := o.opts.Remote
	run("user", func() error {
		u, err := rc.FetchUserProfile(ctx, userID)
		snap.User = u
		return err
	})
	run("requests", func() error {
		rs, err := rc.FetchUserRequests(ctx, userID)
		if err == nil {
			snap.Requests = nonNil(rs)
		}
		return err
	})
	run("matches", func() error {
		ms, err := rc.FetchUserMatches(ctx, userID)
		if err == nil {
			snap.Matches = nonNil(ms)
		}
		return err
	})
	run("suggestions", func() error {
		ss, err := rc.FetchSuggestionsForUser(ctx, userID)
		if err == nil {
			snap.Suggestions = nonNil(ss)
		}
		return err
	})
	run("conversations", func() error {
		cs, err := rc.FetchUserConversations(ctx, userID)
		if err == nil {
			snap.Conversations = nonNil(cs)
		}
		return err
	})
	_ = g.Wait()

	if len(errs) == 5 {
		return nil, errs
	}
	return &snap, errs
}

// retainedIDs returns the optimistic record ids still backed by a queued action.
func (o *Orchestrator) retainedIDs(ctx context.Context) map[string]bool {
	ids := make(map[string]bool)
	if o.opts.Queue == nil {
		return ids
	}
	pending, err := o.opts.Queue.Pending(ctx)
	if err != nil {
		o.logger.Warn("failed to list pending actions", "error", err)
		return ids
	}
	for _, a := range pending {
		for _, id := range a.LocalIDs() {
			ids[id] = true
		}
	}
	return ids
}

// apply replaces changed collections and fires notifications for new items.
// Nil collections were not fetched and are left alone.
func (o *Orchestrator) apply(ctx context.Context, userID string, snap *domain.Snapshot, retained map[string]bool) {
	st := o.opts.State
	// The first pass establishes a baseline; announcing every item would be noise.
	baseline := st.LastSyncAt().IsZero()

	if snap.User != nil {
		prev, had := st.User()
		if !had || prev.SyncKey() != snap.User.SyncKey() || prev.KYCStatus != snap.User.KYCStatus {
			st.SetUser(snap.User)
		}
		if had && prev.KYCStatus != snap.User.KYCStatus {
			o.announce(ctx, notify.KYCUpdate(userID, string(snap.User.KYCStatus)))
		}
	}

	if snap.Requests != nil {
		prev := st.Requests()
		next := keepLocal(prev, snap.Requests, retained)
		if Diff(prev, next).Changed {
			st.SetRequests(next)
		}
	}

	if snap.Matches != nil {
		prev := st.Matches()
		next := keepLocal(prev, snap.Matches, retained)
		d := Diff(prev, next)
		if d.Changed {
			st.SetMatches(next)
		}
		if !baseline || len(prev) > 0 {
			for _, m := range pick(next, d.Added) {
				o.announce(ctx, notify.MatchAccepted(userID, m.CounterpartName, "", m.ID))
			}
		}
	}

	if snap.Suggestions != nil {
		prev := st.Suggestions()
		next := keepAccepted(prev, snap.Suggestions)
		d := Diff(prev, next)
		if d.Changed {
			st.SetSuggestions(next)
		}
		if !baseline || len(prev) > 0 {
			for _, s := range pick(next, d.Added) {
				o.announce(ctx, notify.NewSuggestion(userID, s.ID, s.SenderName))
			}
		}
	}

	if snap.Conversations != nil {
		prev := st.Conversations()
		next := keepLocal(prev, snap.Conversations, retained)
		d := Diff(prev, next)
		if d.Changed {
			st.SetConversations(next)
		}
		if !baseline || len(prev) > 0 {
			for _, c := range pick(next, d.Added) {
				o.announce(ctx, notify.NewMessage(userID, c.CounterpartName, c.ID, c.LastMessage))
			}
		}
	}
}

func (o *Orchestrator) announce(ctx context.Context, n notify.Notification) {
	o.opts.State.IncrementNotifications()
	if o.opts.Notifier != nil {
		o.opts.Notifier.Dispatch(ctx, n)
	}
}

// keepLocal prepends optimistic records from prev that are still backed by a
// queued action and absent from next.
func keepLocal[T Keyed](prev, next []T, retained map[string]bool) []T {
	inNext := make(map[string]bool, len(next))
	for _, x := range next {
		inNext[x.Key()] = true
	}
	var out []T
	for _, x := range prev {
		id := x.Key()
		if domain.IsTempID(id) && retained[id] && !inNext[id] {
			out = append(out, x)
		}
	}
	return append(out, next...)
}

// keepAccepted preserves local acceptance so a suggestion never reverts to
// open while its acceptance is still queued.
func keepAccepted(prev, next []domain.Suggestion) []domain.Suggestion {
	accepted := make(map[string]string)
	for _, s := range prev {
		if s.IsAccepted {
			accepted[s.ID] = s.ConversationID
		}
	}
	out := make([]domain.Suggestion, len(next))
	for i, s := range next {
		if conv, ok := accepted[s.ID]; ok && !s.IsAccepted {
			s.MarkAccepted(conv)
		}
		out[i] = s
	}
	return out
}

func pick[T Keyed](xs []T, ids []string) []T {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []T
	for _, x := range xs {
		if want[x.Key()] {
			out = append(out, x)
		}
	}
	return out
}

func normalize(s *domain.Snapshot) *domain.Snapshot {
	return &domain.Snapshot{
		User:          s.User,
		Requests:      nonNil(s.Requests),
		Matches:       nonNil(s.Matches),
		Suggestions:   nonNil(s.Suggestions),
		Conversations: nonNil(s.Conversations),
	}
}

func nonNil[T any](xs []T) []T {
	if xs == nil {
		return []T{}
	}
	return xs
}
