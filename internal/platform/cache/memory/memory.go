// Package memory is the in-process cache driver. Entries live until their TTL
// passes; a background sweep reclaims them when enabled.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/binomepay/binomepay-go/internal/platform/cache"
	"github.com/binomepay/binomepay-go/internal/platform/cfg"
)

func init() {
	cache.RegisterDriver("memory", func(options map[string]any) (cache.CacheWithCounter, error) {
		var opts Options
		if err := cfg.Decode(options, &opts); err != nil {
			return nil, err
		}
		return New(opts.DefaultTTL, opts.CleanupInterval), nil
	})
}

// Options are decoded from [cache.drivers.memory].
type Options struct {
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

func (o *Options) ApplyDefaults() {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = 15 * time.Minute
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 5 * time.Minute
	}
}

// slot separates blob keys from counter keys so both may share a name.
type slot struct {
	counter bool
	key     string
}

type entry struct {
	blob    []byte
	count   int64
	expires time.Time
}

func (e *entry) live(now time.Time) bool { return !now.After(e.expires) }

// Cache implements cache.CacheWithCounter over a map.
type Cache struct {
	mu      sync.Mutex
	entries map[slot]*entry
	ttl     time.Duration
	now     func() time.Time

	done chan struct{}
	once sync.Once
}

// New creates a cache. A zero cleanupInterval disables the background sweep;
// expired entries are then dropped lazily.
func New(defaultTTL, cleanupInterval time.Duration) *Cache {
	c := &Cache{
		entries: make(map[slot]*entry),
		ttl:     defaultTTL,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.sweepEvery(cleanupInterval)
	}
	return c
}

// SetClock replaces the time source. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Cache) sweepEvery(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for s, e := range c.entries {
		if !e.live(now) {
			delete(c.entries, s)
		}
	}
}

func (c *Cache) ttlOr(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return c.ttl
	}
	return ttl
}

// Get returns a copy of the value. An entry past its TTL yields ErrExpired
// once and is then gone.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := slot{key: key}
	e, ok := c.entries[s]
	switch {
	case !ok:
		return nil, cache.ErrNotFound
	case !e.live(c.now()):
		delete(c.entries, s)
		return nil, cache.ErrExpired
	}
	return slices.Clone(e.blob), nil
}

// Set stores a copy of value. A zero ttl uses the default TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	blob := slices.Clone(value)
	if blob == nil {
		blob = []byte{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[slot{key: key}] = &entry{blob: blob, expires: c.now().Add(c.ttlOr(ttl))}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, slot{key: key})
	c.mu.Unlock()
	return nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[slot{key: key}]
	return ok && e.live(c.now()), nil
}

// Increment adds delta, opening a new window of length ttl when the counter
// is missing or its window has passed.
func (c *Cache) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	s := slot{counter: true, key: key}
	e, ok := c.entries[s]
	if !ok || !e.live(now) {
		e = &entry{expires: now.Add(c.ttlOr(ttl))}
		c.entries[s] = e
	}
	e.count += delta
	return e.count, e.expires, nil
}

func (c *Cache) GetCount(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[slot{counter: true, key: key}]; ok && e.live(c.now()) {
		return e.count, nil
	}
	return 0, nil
}

func (c *Cache) Reset(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, slot{counter: true, key: key})
	c.mu.Unlock()
	return nil
}

// Close stops the sweep. It is safe to call more than once.
func (c *Cache) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

var _ cache.CacheWithCounter = (*Cache)(nil)
