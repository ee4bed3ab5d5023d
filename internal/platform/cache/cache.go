// Package cache provides TTL key-value storage for ephemeral data such as
// cached suggestions and request counters.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrExpired  = errors.New("key expired")
)

// Cache provides TTL-based key-value storage.
type Cache interface {
	// Get retrieves a value by key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. If TTL is 0, use default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists and is not expired.
	Exists(ctx context.Context, key string) (bool, error)

	Close() error
}

// Counter provides fixed-window counters.
type Counter interface {
	// Increment adds delta and returns the new value and the time the window resets.
	// A missing or expired key starts a new window of length ttl.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, time.Time, error)

	// GetCount returns the current value, 0 if not found.
	GetCount(ctx context.Context, key string) (int64, error)

	Reset(ctx context.Context, key string) error
}

// CacheWithCounter combines Cache and Counter.
type CacheWithCounter interface {
	Cache
	Counter
}

// Default TTLs.
const (
	TTLSuggestions = 30 * time.Minute
	TTLRateLimit   = 1 * time.Minute
)

// DriverFactory builds a cache from its [cache.drivers.<name>] options.
type DriverFactory func(options map[string]any) (CacheWithCounter, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]DriverFactory)
)

// RegisterDriver makes a driver available by name. Drivers call it from init.
func RegisterDriver(name string, factory DriverFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = factory
}

// NewFromConfig builds the named driver. An empty name selects "memory".
func NewFromConfig(driver string, options map[string]any) (CacheWithCounter, error) {
	if driver == "" {
		driver = "memory"
	}
	driversMu.RLock()
	factory, ok := drivers[driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown cache driver: %s", driver)
	}
	return factory(options)
}

// AvailableDrivers returns the registered driver names, sorted.
func AvailableDrivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
