package syncer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/binomepay/binomepay-go/internal/appstate"
	"github.com/binomepay/binomepay-go/internal/auth"
	"github.com/binomepay/binomepay-go/internal/domain"
	"github.com/binomepay/binomepay-go/internal/notify"
	"github.com/binomepay/binomepay-go/internal/offline"
	cachemem "github.com/binomepay/binomepay-go/internal/platform/cache/memory"
	"github.com/binomepay/binomepay-go/internal/platform/store/memory"
	"github.com/binomepay/binomepay-go/internal/remote/remotetest"
	"github.com/binomepay/binomepay-go/internal/retry"
	"github.com/binomepay/binomepay-go/internal/snapshot"
	"github.com/binomepay/binomepay-go/internal/syncer"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type reach bool

func (r reach) Check(context.Context) bool { return bool(r) }

type env struct {
	fake      *remotetest.Fake
	state     *appstate.State
	queue     *offline.Queue
	snapshots *snapshot.Cache
	rec       *notify.Recorder
	clk       *clock
	opts      syncer.Options
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := &clock{t: t0}
	fake := remotetest.NewFake()
	fake.Now = clk.now
	fake.Update(func(s *domain.Snapshot) {
		s.User = &domain.User{ID: "u_1", DisplayName: "Awa", KYCStatus: domain.KYCPending, UpdatedAt: t0}
		s.Requests = []domain.Request{{ID: "r_1", Amount: decimal.NewFromInt(100), Currency: "EUR", Status: domain.RequestOpen, CreatedAt: t0}}
	})

	st := memory.New()
	ephemeral := cachemem.New(time.Hour, 0)
	t.Cleanup(func() { _ = ephemeral.Close() })

	e := &env{
		fake:      fake,
		state:     appstate.New(),
		queue:     offline.NewQueue(st, offline.Options{Now: clk.now}),
		snapshots: snapshot.New(st, ephemeral, nil),
		rec:       &notify.Recorder{},
		clk:       clk,
	}
	e.opts = syncer.Options{
		Remote:    fake,
		State:     e.state,
		Auth:      auth.NewSessionProvider(nil, "u_1", nil),
		Queue:     e.queue,
		Snapshots: e.snapshots,
		Notifier:  e.rec,
		Retry:     retry.Config{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Now:       clk.now,
	}
	return e
}

func (e *env) orchestrator() *syncer.Orchestrator { return syncer.New(e.opts) }

func TestPerformSyncAppliesAndNotifies(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	o := e.orchestrator()

	if !o.PerformSync(ctx, false) {
		t.Fatal("first sync returned false")
	}
	if u, ok := e.state.User(); !ok || u.DisplayName != "Awa" {
		t.Errorf("user = %+v", u)
	}
	if rs := e.state.Requests(); len(rs) != 1 || rs[0].ID != "r_1" {
		t.Errorf("requests = %+v", rs)
	}
	if n := len(e.rec.All()); n != 0 {
		t.Errorf("baseline sync fired %d notifications", n)
	}

	e.fake.Update(func(s *domain.Snapshot) {
		s.Matches = append(s.Matches, domain.Match{ID: "m_1", CounterpartName: "Fatou N.", Status: domain.MatchAccepted, CreatedAt: t0})
		s.Suggestions = append(s.Suggestions, domain.Suggestion{ID: "s_1", SenderName: "Moussa D.", CreatedAt: t0})
		s.Conversations = append(s.Conversations, domain.Conversation{ID: "c_1", CounterpartName: "Fatou N.", LastMessage: "Bonjour", UpdatedAt: t0})
		s.User.KYCStatus = domain.KYCVerified
	})
	if !o.PerformSync(ctx, true) {
		t.Fatal("second sync returned false")
	}

	for _, kind := range []notify.Kind{notify.KindMatchAccepted, notify.KindNewSuggestion, notify.KindNewMessage, notify.KindKYCUpdate} {
		if got := e.rec.Count(kind); got != 1 {
			t.Errorf("%s notifications = %d, want 1", kind, got)
		}
	}
	if got := e.state.NotificationCount(); got != 4 {
		t.Errorf("NotificationCount = %d, want 4", got)
	}

	// Nothing new: no further notifications.
	e.rec.Reset()
	o.PerformSync(ctx, true)
	if n := len(e.rec.All()); n != 0 {
		t.Errorf("unchanged sync fired %+v", e.rec.All())
	}

	saved, err := e.snapshots.Load(ctx, "u_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.Matches) != 1 || len(saved.Suggestions) != 1 {
		t.Errorf("saved snapshot = %+v", saved)
	}
	if at, _ := e.snapshots.LastSync(ctx, "u_1"); at.IsZero() {
		t.Error("last sync marker not saved")
	}
}

func TestPerformSyncMinInterval(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	o := e.orchestrator()

	if !o.PerformSync(ctx, false) {
		t.Fatal("first sync returned false")
	}
	e.fake.ResetCalls()

	e.clk.advance(4 * time.Second)
	if o.PerformSync(ctx, false) {
		t.Error("sync within the minimum interval returned true")
	}
	if calls := e.fake.Calls(); len(calls) != 0 {
		t.Errorf("throttled sync issued calls: %v", calls)
	}
	if got := o.Stats().LastResult; got != syncer.ResultThrottled {
		t.Errorf("LastResult = %q", got)
	}

	if !o.PerformSync(ctx, true) {
		t.Error("forced sync returned false")
	}
	e.clk.advance(5 * time.Second)
	if !o.PerformSync(ctx, false) {
		t.Error("sync after the interval returned false")
	}
}

func TestPerformSyncMinIntervalAfterFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	o := e.orchestrator()

	e.fake.SetHealthy(false)
	if o.PerformSync(ctx, false) {
		t.Fatal("sync against an unhealthy backend returned true")
	}
	e.fake.ResetCalls()
	e.fake.SetHealthy(true)

	e.clk.advance(time.Second)
	if o.PerformSync(ctx, false) {
		t.Error("second sync within the minimum interval returned true")
	}
	if calls := e.fake.Calls(); len(calls) != 0 {
		t.Errorf("second sync within 5s issued calls: %v", calls)
	}
	if got := o.Stats().LastResult; got != syncer.ResultThrottled {
		t.Errorf("LastResult = %q", got)
	}

	e.clk.advance(4 * time.Second)
	if !o.PerformSync(ctx, false) {
		t.Error("sync after the interval returned false")
	}
}

func TestPerformSyncShortCircuits(t *testing.T) {
	ctx := context.Background()

	t.Run("no session", func(t *testing.T) {
		e := newEnv(t)
		e.opts.Auth = auth.NewSessionProvider(nil, "", nil)
		if e.orchestrator().PerformSync(ctx, true) {
			t.Error("expected false")
		}
		if calls := e.fake.Calls(); len(calls) != 0 {
			t.Errorf("calls = %v", calls)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		e := newEnv(t)
		e.opts.Reachability = reach(false)
		o := e.orchestrator()
		if o.PerformSync(ctx, true) {
			t.Error("expected false")
		}
		if calls := e.fake.Calls(); len(calls) != 0 {
			t.Errorf("calls = %v", calls)
		}
		if got := o.Stats().LastResult; got != syncer.ResultOffline {
			t.Errorf("LastResult = %q", got)
		}
	})

	t.Run("backend down", func(t *testing.T) {
		e := newEnv(t)
		e.state.SetRequests([]domain.Request{{ID: "stale"}})
		e.fake.SetHealthy(false)
		if e.orchestrator().PerformSync(ctx, true) {
			t.Error("expected false")
		}
		if e.fake.CallsTo(remotetest.MethodSyncUserData) != 0 {
			t.Error("fetched despite failed health check")
		}
		if rs := e.state.Requests(); len(rs) != 1 || rs[0].ID != "stale" {
			t.Errorf("state touched: %+v", rs)
		}
	})
}

func TestPerformSyncFallsBackPerCollection(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.state.SetMatches([]domain.Match{{ID: "m_stale"}})
	e.fake.FailAlways(remotetest.MethodSyncUserData, errors.New("connection reset by peer"))
	e.fake.FailAlways(remotetest.MethodFetchUserMatches, errors.New("boom"))

	o := e.orchestrator()
	if !o.PerformSync(ctx, true) {
		t.Fatal("partial sync returned false")
	}
	if got := e.fake.CallsTo(remotetest.MethodSyncUserData); got != 2 {
		t.Errorf("combined fetch attempts = %d, want 2", got)
	}
	if rs := e.state.Requests(); len(rs) != 1 || rs[0].ID != "r_1" {
		t.Errorf("requests = %+v", rs)
	}
	if ms := e.state.Matches(); len(ms) != 1 || ms[0].ID != "m_stale" {
		t.Errorf("stale matches should be kept: %+v", ms)
	}
	stats := o.Stats()
	if stats.LastResult != syncer.ResultPartial || stats.FetchErrors["matches"] != "boom" {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPerformSyncAllFetchesFail(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	for _, m := range []string{
		remotetest.MethodSyncUserData, remotetest.MethodFetchUserProfile, remotetest.MethodFetchUserRequests,
		remotetest.MethodFetchUserMatches, remotetest.MethodFetchSuggestions, remotetest.MethodFetchUserConversations,
	} {
		e.fake.FailAlways(m, errors.New("boom"))
	}
	o := e.orchestrator()
	if o.PerformSync(ctx, true) {
		t.Error("expected false")
	}
	if got := o.Stats().LastResult; got != syncer.ResultFailed {
		t.Errorf("LastResult = %q", got)
	}
}

func TestPerformSyncDrainsQueueFirst(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	a, _ := offline.NewCreateRequest("u_1", "temp_1", domain.NewRequest{Amount: decimal.NewFromInt(150), Currency: "EUR"}, t0)
	if _, _, err := e.queue.Enqueue(ctx, a); err != nil {
		t.Fatal(err)
	}

	var order []string
	e.opts.Handlers = offline.Handlers{
		offline.TypeCreateRequest: func(ctx context.Context, a offline.Action) error {
			order = append(order, "replay")
			return nil
		},
	}
	e.state.Subscribe(func(c appstate.Change) {
		if c.Topic == appstate.TopicRequests {
			order = append(order, "apply")
		}
	})

	if !e.orchestrator().PerformSync(ctx, true) {
		t.Fatal("sync returned false")
	}
	if len(order) < 2 || order[0] != "replay" {
		t.Errorf("order = %v", order)
	}
	if n, _ := e.queue.Len(ctx); n != 0 {
		t.Errorf("queue len = %d", n)
	}
}

func TestPerformSyncRetainsQueuedTempRecords(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.state.SetRequests([]domain.Request{{ID: "temp_queued"}, {ID: "temp_orphan"}})

	a, _ := offline.NewCreateRequest("u_1", "temp_queued", domain.NewRequest{Amount: decimal.NewFromInt(150), Currency: "EUR"}, t0)
	if _, _, err := e.queue.Enqueue(ctx, a); err != nil {
		t.Fatal(err)
	}
	e.opts.Handlers = offline.Handlers{
		offline.TypeCreateRequest: func(context.Context, offline.Action) error { return errors.New("timeout") },
	}

	if !e.orchestrator().PerformSync(ctx, true) {
		t.Fatal("sync returned false")
	}
	rs := e.state.Requests()
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	if len(ids) != 2 || ids[0] != "temp_queued" || ids[1] != "r_1" {
		t.Errorf("requests = %v, want [temp_queued r_1]", ids)
	}
}

func TestPerformSyncKeepsLocalAcceptance(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fake.Update(func(s *domain.Snapshot) {
		s.Suggestions = []domain.Suggestion{{ID: "s_1", CreatedAt: t0}}
	})
	e.state.SetSuggestions([]domain.Suggestion{{ID: "s_1", CreatedAt: t0, IsAccepted: true, ConversationID: "local_c"}})

	e.orchestrator().PerformSync(ctx, true)
	sg, ok := e.state.Suggestion("s_1")
	if !ok || !sg.IsAccepted || sg.ConversationID != "local_c" {
		t.Errorf("suggestion = %+v", sg)
	}
}

type blockingReach struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingReach) Check(context.Context) bool {
	close(b.entered)
	<-b.release
	return true
}

func TestPerformSyncInFlightGuard(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	br := &blockingReach{entered: make(chan struct{}), release: make(chan struct{})}
	e.opts.Reachability = br
	o := e.orchestrator()

	done := make(chan bool)
	go func() { done <- o.PerformSync(ctx, true) }()
	<-br.entered

	if !o.InFlight() {
		t.Error("InFlight should be true")
	}
	if o.PerformSync(ctx, true) {
		t.Error("overlapping sync returned true")
	}
	close(br.release)
	if !<-done {
		t.Error("first sync returned false")
	}
	if got := e.fake.CallsTo(remotetest.MethodSyncUserData); got != 1 {
		t.Errorf("SyncUserData calls = %d, want 1", got)
	}
}
