// Package snapshot persists the last known per-user state so the agent can
// start with data before the first sync completes.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/binomepay/binomepay-go/internal/domain"
	"github.com/binomepay/binomepay-go/internal/platform/cache"
	"github.com/binomepay/binomepay-go/internal/platform/logutil"
	"github.com/binomepay/binomepay-go/internal/platform/store"
)

// collections persisted in the store, per user.
const (
	partUser          = "user"
	partRequests      = "requests"
	partMatches       = "matches"
	partConversations = "conversations"
)

// Cache combines the durable store for long-lived collections with the TTL
// cache for suggestions.
type Cache struct {
	store          store.Store
	ephemeral      cache.Cache
	suggestionsTTL time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithSuggestionsTTL overrides cache.TTLSuggestions.
func WithSuggestionsTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.suggestionsTTL = ttl }
}

// WithClock sets the time source used for suggestion expiry and activity markers.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(s store.Store, ephemeral cache.Cache, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		store:          s,
		ephemeral:      ephemeral,
		suggestionsTTL: cache.TTLSuggestions,
		logger:         logutil.NoopIfNil(logger),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func key(userID, part string) string {
	return "snapshot:" + userID + ":" + part
}

func suggestionsKey(userID string) string {
	return "suggestions:" + userID
}

func activityKey(userID, marker string) string {
	return "activity:" + userID + ":" + marker
}

// cachedSuggestions stamps the list so expiry holds even on drivers that
// expire lazily.
type cachedSuggestions struct {
	CachedAt time.Time           `json:"cached_at"`
	Items    []domain.Suggestion `json:"items"`
}

// Load returns the last saved snapshot for userID. Missing parts are left
// empty; a snapshot with nothing saved has a nil User.
func (c *Cache) Load(ctx context.Context, userID string) (*domain.Snapshot, error) {
	snap := &domain.Snapshot{}

	var u domain.User
	switch err := c.get(ctx, key(userID, partUser), &u); {
	case err == nil:
		snap.User = &u
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	if err := c.getList(ctx, key(userID, partRequests), &snap.Requests); err != nil {
		return nil, err
	}
	if err := c.getList(ctx, key(userID, partMatches), &snap.Matches); err != nil {
		return nil, err
	}
	if err := c.getList(ctx, key(userID, partConversations), &snap.Conversations); err != nil {
		return nil, err
	}

	suggestions, err := c.Suggestions(ctx, userID)
	if err != nil {
		return nil, err
	}
	snap.Suggestions = suggestions
	return snap, nil
}

// Save persists snap for userID. Suggestions go to the TTL cache.
func (c *Cache) Save(ctx context.Context, userID string, snap *domain.Snapshot) error {
	if snap == nil {
		return nil
	}
	if snap.User != nil {
		if err := store.SetJSON(ctx, c.store, key(userID, partUser), snap.User); err != nil {
			return err
		}
	}
	parts := []struct {
		name string
		v    any
	}{
		{partRequests, emptyIfNil(snap.Requests)},
		{partMatches, emptyIfNil(snap.Matches)},
		{partConversations, emptyIfNil(snap.Conversations)},
	}
	for _, p := range parts {
		if err := store.SetJSON(ctx, c.store, key(userID, p.name), p.v); err != nil {
			return err
		}
	}
	return c.SaveSuggestions(ctx, userID, snap.Suggestions)
}

// Suggestions returns the cached suggestions for userID, or nil when the
// entry is absent or older than the TTL. Stale entries are deleted.
func (c *Cache) Suggestions(ctx context.Context, userID string) ([]domain.Suggestion, error) {
	k := suggestionsKey(userID)
	raw, err := c.ephemeral.Get(ctx, k)
	if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrExpired) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load suggestions: %w", err)
	}

	var cached cachedSuggestions
	if err := json.Unmarshal(raw, &cached); err != nil {
		c.logger.Warn("dropping unreadable suggestion cache", "user_id", userID, "error", err)
		_ = c.ephemeral.Delete(ctx, k)
		return nil, nil
	}
	if c.now().Sub(cached.CachedAt) >= c.suggestionsTTL {
		c.logger.Debug("suggestion cache expired", "user_id", userID, "cached_at", cached.CachedAt)
		if err := c.ephemeral.Delete(ctx, k); err != nil {
			return nil, fmt.Errorf("purge suggestions: %w", err)
		}
		return nil, nil
	}
	return cached.Items, nil
}

// SaveSuggestions caches suggestions for userID with the suggestions TTL.
func (c *Cache) SaveSuggestions(ctx context.Context, userID string, suggestions []domain.Suggestion) error {
	raw, err := json.Marshal(cachedSuggestions{CachedAt: c.now(), Items: emptyIfNil(suggestions)})
	if err != nil {
		return fmt.Errorf("encode suggestions: %w", err)
	}
	if err := c.ephemeral.Set(ctx, suggestionsKey(userID), raw, c.suggestionsTTL); err != nil {
		return fmt.Errorf("save suggestions: %w", err)
	}
	return nil
}

// Clear removes everything saved for userID, activity markers included.
func (c *Cache) Clear(ctx context.Context, userID string) error {
	keys := []string{
		key(userID, partUser),
		key(userID, partRequests),
		key(userID, partMatches),
		key(userID, partConversations),
		activityKey(userID, "last_activity"),
		activityKey(userID, "last_sync"),
	}
	for _, k := range keys {
		if err := c.store.Remove(ctx, k); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("clear %s: %w", k, err)
		}
	}
	if err := c.ephemeral.Delete(ctx, suggestionsKey(userID)); err != nil && !errors.Is(err, cache.ErrNotFound) {
		return fmt.Errorf("clear suggestions: %w", err)
	}
	return nil
}

// TouchActivity records that the user did something now.
func (c *Cache) TouchActivity(ctx context.Context, userID string) error {
	return c.setTime(ctx, activityKey(userID, "last_activity"), c.now())
}

// LastActivity returns the last recorded activity, or the zero time.
func (c *Cache) LastActivity(ctx context.Context, userID string) (time.Time, error) {
	return c.getTime(ctx, activityKey(userID, "last_activity"))
}

func (c *Cache) SetLastSync(ctx context.Context, userID string, at time.Time) error {
	return c.setTime(ctx, activityKey(userID, "last_sync"), at)
}

// LastSync returns the time of the last successful sync, or the zero time.
func (c *Cache) LastSync(ctx context.Context, userID string) (time.Time, error) {
	return c.getTime(ctx, activityKey(userID, "last_sync"))
}

func (c *Cache) setTime(ctx context.Context, k string, t time.Time) error {
	return store.SetJSON(ctx, c.store, k, t.UnixMilli())
}

func (c *Cache) getTime(ctx context.Context, k string) (time.Time, error) {
	var ms int64
	err := store.GetJSON(ctx, c.store, k, &ms)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (c *Cache) get(ctx context.Context, k string, v any) error {
	err := store.GetJSON(ctx, c.store, k, v)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		// A corrupt entry behaves like a missing one; the next sync rewrites it.
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			c.logger.Warn("ignoring unreadable snapshot entry", "key", k, "error", err)
			return store.ErrNotFound
		}
	}
	return err
}

func (c *Cache) getList(ctx context.Context, k string, v any) error {
	if err := c.get(ctx, k, v); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
