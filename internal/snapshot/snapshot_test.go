package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/binomepay/binomepay-go/internal/domain"
	cachemem "github.com/binomepay/binomepay-go/internal/platform/cache/memory"
	"github.com/binomepay/binomepay-go/internal/platform/store/memory"
	"github.com/binomepay/binomepay-go/internal/snapshot"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newCache(t *testing.T) (*snapshot.Cache, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	ephemeral := cachemem.New(time.Hour, 0)
	ephemeral.SetClock(clk.now)
	t.Cleanup(func() { _ = ephemeral.Close() })
	return snapshot.New(memory.New(), ephemeral, nil, snapshot.WithClock(clk.now)), clk
}

func sample() *domain.Snapshot {
	return &domain.Snapshot{
		User: &domain.User{ID: "u_1", DisplayName: "Awa", KYCStatus: domain.KYCVerified},
		Requests: []domain.Request{{
			ID: "r_1", Amount: decimal.NewFromInt(150), Currency: "EUR",
			OriginCountry: "France", DestCountry: "Sénégal", Status: domain.RequestOpen,
		}},
		Matches:       []domain.Match{{ID: "m_1", CounterpartName: "Fatou N.", Status: domain.MatchAccepted}},
		Suggestions:   []domain.Suggestion{{ID: "s_1", SenderName: "Fatou N.", Amount: decimal.NewFromInt(200)}},
		Conversations: []domain.Conversation{{ID: "c_1", CounterpartName: "Fatou N.", UnreadCount: 2}},
	}
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t)

	empty, err := c.Load(ctx, "u_1")
	if err != nil {
		t.Fatal(err)
	}
	if empty.User != nil || len(empty.Requests) != 0 || len(empty.Suggestions) != 0 {
		t.Errorf("empty load = %+v", empty)
	}

	if err := c.Save(ctx, "u_1", sample()); err != nil {
		t.Fatal(err)
	}
	got, err := c.Load(ctx, "u_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.User == nil || got.User.DisplayName != "Awa" {
		t.Errorf("user = %+v", got.User)
	}
	if len(got.Requests) != 1 || !got.Requests[0].Amount.Equal(decimal.NewFromInt(150)) {
		t.Errorf("requests = %+v", got.Requests)
	}
	if len(got.Matches) != 1 || len(got.Conversations) != 1 || got.Conversations[0].UnreadCount != 2 {
		t.Errorf("matches = %+v conversations = %+v", got.Matches, got.Conversations)
	}
	if len(got.Suggestions) != 1 || got.Suggestions[0].ID != "s_1" {
		t.Errorf("suggestions = %+v", got.Suggestions)
	}

	other, _ := c.Load(ctx, "u_2")
	if other.User != nil {
		t.Error("snapshots must be per user")
	}
}

func TestSuggestionsExpire(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache(t)
	if err := c.Save(ctx, "u_1", sample()); err != nil {
		t.Fatal(err)
	}

	clk.advance(29 * time.Minute)
	if s, _ := c.Suggestions(ctx, "u_1"); len(s) != 1 {
		t.Fatalf("suggestions before expiry = %+v", s)
	}

	clk.advance(time.Minute)
	got, err := c.Load(ctx, "u_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Suggestions) != 0 {
		t.Errorf("expired suggestions served: %+v", got.Suggestions)
	}
	if got.User == nil || len(got.Requests) != 1 {
		t.Error("durable parts must survive suggestion expiry")
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t)
	if err := c.Save(ctx, "u_1", sample()); err != nil {
		t.Fatal(err)
	}
	if err := c.TouchActivity(ctx, "u_1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Clear(ctx, "u_1"); err != nil {
		t.Fatal(err)
	}

	got, _ := c.Load(ctx, "u_1")
	if got.User != nil || len(got.Requests) != 0 || len(got.Suggestions) != 0 {
		t.Errorf("snapshot after clear = %+v", got)
	}
	if at, _ := c.LastActivity(ctx, "u_1"); !at.IsZero() {
		t.Errorf("last activity after clear = %v", at)
	}
}

func TestActivityMarkers(t *testing.T) {
	ctx := context.Background()
	c, clk := newCache(t)

	if at, err := c.LastSync(ctx, "u_1"); err != nil || !at.IsZero() {
		t.Fatalf("LastSync = %v, %v", at, err)
	}
	if err := c.TouchActivity(ctx, "u_1"); err != nil {
		t.Fatal(err)
	}
	if at, _ := c.LastActivity(ctx, "u_1"); !at.Equal(clk.t) {
		t.Errorf("LastActivity = %v, want %v", at, clk.t)
	}

	synced := clk.t.Add(time.Minute)
	if err := c.SetLastSync(ctx, "u_1", synced); err != nil {
		t.Fatal(err)
	}
	if at, _ := c.LastSync(ctx, "u_1"); !at.Equal(synced) {
		t.Errorf("LastSync = %v, want %v", at, synced)
	}
}
