// Package valkey provides a Valkey/Redis cache driver.
package valkey

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/binomepay/binomepay-go/internal/platform/cache"
	"github.com/binomepay/binomepay-go/internal/platform/cfg"
)

func init() {
	cache.RegisterDriver("valkey", func(options map[string]any) (cache.CacheWithCounter, error) {
		var c Config
		if err := cfg.Decode(options, &c); err != nil {
			return nil, err
		}
		return New(&c)
	})
}

// Config holds the connection settings decoded from [cache.drivers.valkey].
type Config struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "binomepay:"
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 15 * time.Minute
	}
}

// DefaultConfig returns defaults for a local server.
func DefaultConfig() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// Cache stores values in Valkey with native key expiry.
type Cache struct {
	client     valkey.Client
	prefix     string
	defaultTTL time.Duration
}

// New connects and pings the server; it fails fast when the server is unreachable.
func New(c *Config) (*Cache, error) {
	if c == nil {
		c = DefaultConfig()
	}
	c.ApplyDefaults()

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{c.Addr},
		Password:          c.Password,
		SelectDB:          c.DB,
		Dialer:            net.Dialer{Timeout: c.DialTimeout},
		DisableCache:      true,
		ForceSingleClient: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to valkey at %s: %w", c.Addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.DialTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey health check failed: %w", err)
	}

	return &Cache{client: client, prefix: c.KeyPrefix, defaultTTL: c.DefaultTTL}, nil
}

func (c *Cache) key(k string) string {
	return c.prefix + k
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := c.client.Do(ctx, c.client.B().Get().Key(c.key(key)).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	cmd := c.client.B().Set().Key(c.key(key)).Value(valkey.BinaryString(value)).PxMilliseconds(ttl.Milliseconds()).Build()
	return c.client.Do(ctx, cmd).Error()
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Do(ctx, c.client.B().Del().Key(c.key(key)).Build()).Error()
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Do(ctx, c.client.B().Exists().Key(c.key(key)).Build()).AsInt64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Increment uses INCRBY; the first increment of a window sets its expiry.
func (c *Cache) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, time.Time, error) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	k := c.key(key)

	n, err := c.client.Do(ctx, c.client.B().Incrby().Key(k).Increment(delta).Build()).AsInt64()
	if err != nil {
		return 0, time.Time{}, err
	}
	if n == delta {
		if err := c.client.Do(ctx, c.client.B().Pexpire().Key(k).Milliseconds(ttl.Milliseconds()).Build()).Error(); err != nil {
			return 0, time.Time{}, err
		}
		return n, time.Now().Add(ttl), nil
	}

	pttl, err := c.client.Do(ctx, c.client.B().Pttl().Key(k).Build()).AsInt64()
	if err != nil {
		return 0, time.Time{}, err
	}
	if pttl < 0 {
		// Key lost its expiry; start the window now.
		if err := c.client.Do(ctx, c.client.B().Pexpire().Key(k).Milliseconds(ttl.Milliseconds()).Build()).Error(); err != nil {
			return 0, time.Time{}, err
		}
		pttl = ttl.Milliseconds()
	}
	return n, time.Now().Add(time.Duration(pttl) * time.Millisecond), nil
}

func (c *Cache) GetCount(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Do(ctx, c.client.B().Get().Key(c.key(key)).Build()).AsInt64()
	if valkey.IsValkeyNil(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter %s: %w", key, err)
	}
	return n, nil
}

func (c *Cache) Reset(ctx context.Context, key string) error {
	return c.Delete(ctx, key)
}

func (c *Cache) Close() error {
	c.client.Close()
	return nil
}

var _ cache.CacheWithCounter = (*Cache)(nil)
