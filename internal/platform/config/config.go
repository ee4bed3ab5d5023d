// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	httpclient "github.com/binomepay/binomepay-go/internal/platform/http/client"
	"github.com/binomepay/binomepay-go/internal/realtime"
	"github.com/binomepay/binomepay-go/internal/retry"
)

// Config holds the agent and devserver configuration.
type Config struct {
	// Mode is the data mode: mock (static data, no network) or online.
	Mode string `toml:"mode"`

	// ListenAddr is the local agent API address.
	// Example: "127.0.0.1:8780"
	ListenAddr string `toml:"listen_addr"`

	// UserID pins the signed-in user. When empty it is taken from the
	// session token's subject.
	UserID string `toml:"user_id"`

	// Backend describes the remote data API.
	Backend BackendConfig `toml:"backend"`

	// Sync holds orchestrator and offline queue settings.
	Sync SyncConfig `toml:"sync"`

	// Storage selects the local persistent store.
	Storage StorageConfig `toml:"storage"`

	// Cache selects the TTL cache used for suggestions.
	Cache CacheConfig `toml:"cache"`

	// Notify selects the push notification dispatcher.
	Notify NotifyConfig `toml:"notify"`

	// OutboundHTTP bounds calls to the backend.
	OutboundHTTP httpclient.Config `toml:"outbound_http"`

	// Realtime configures the websocket subscription.
	Realtime realtime.Config `toml:"realtime"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`

	// DevServer configures cmd/binomepay-devserver.
	DevServer DevServerConfig `toml:"devserver"`
}

// BackendConfig holds remote API settings.
type BackendConfig struct {
	// URL is the backend origin. Required in online mode.
	URL string `toml:"url"`

	// AuthToken is the bearer session token. It is written to the secure
	// store at startup; leave empty to reuse a stored token.
	AuthToken string `toml:"auth_token"`

	// UseRealtime subscribes to backend change events.
	UseRealtime bool `toml:"use_realtime"`
}

// SyncConfig holds synchronization settings.
type SyncConfig struct {
	// Interval between periodic syncs while online. Default: 30s.
	Interval time.Duration `toml:"interval"`

	// MinInterval throttles unforced syncs. Default: 5s.
	MinInterval time.Duration `toml:"min_interval"`

	// ProbeInterval is the connectivity probe period. Default: 10s.
	ProbeInterval time.Duration `toml:"probe_interval"`

	// MaxAttempts is how many replays an offline action gets before it is
	// dead-lettered. Default: 3.
	MaxAttempts int `toml:"max_attempts"`

	// DedupWindow collapses identical actions enqueued within the window. Default: 60s.
	DedupWindow time.Duration `toml:"dedup_window"`

	// Retry is the backoff policy for the combined sync fetch.
	Retry retry.Config `toml:"retry"`
}

// StorageConfig holds local store settings.
type StorageConfig struct {
	// Driver is one of memory, json, sqlite. Default: json.
	Driver string `toml:"driver"`

	// DataDir is where file-backed drivers keep their data.
	DataDir string `toml:"data_dir"`

	// Drivers holds per-driver options, e.g. [storage.drivers.sqlite].
	Drivers map[string]any `toml:"drivers"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	// Driver is the cache driver name: "memory" (default) or "valkey".
	Driver string `toml:"driver"`

	// Drivers holds per-driver configuration.
	// Example: [cache.drivers.valkey] address = "localhost:6379"
	Drivers map[string]any `toml:"drivers"`
}

// NotifyConfig holds notification dispatcher settings.
type NotifyConfig struct {
	// Driver is "log" (default) or "amqp".
	Driver string `toml:"driver"`

	// Drivers holds per-driver configuration, e.g. [notify.drivers.amqp].
	Drivers map[string]any `toml:"drivers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	// Default: debug in mock mode, info in online mode.
	Level string `toml:"level"`
}

// DevServerConfig holds development backend settings.
type DevServerConfig struct {
	// ListenAddr for the development backend. Default: ":8790".
	ListenAddr string `toml:"listen_addr"`

	// DatabasePath is the SQLite file. ":memory:" keeps everything in memory.
	DatabasePath string `toml:"database_path"`

	// JWTSecret signs HS256 session tokens. Must be at least 32 bytes.
	JWTSecret string `toml:"jwt_secret"`

	// TokenTTL is the lifetime of minted tokens. Default: 24h.
	TokenTTL time.Duration `toml:"token_ttl"`

	// MatchTTL is how long a pending match lives before it expires. Default: 48h.
	MatchTTL time.Duration `toml:"match_ttl"`

	// Seed loads the demo dataset into an empty database.
	Seed bool `toml:"seed"`
}

// MockData reports whether the agent runs without a backend.
func (c *Config) MockData() bool {
	return c.Mode == string(ModeMock)
}

// StoreDriverOptions returns the option map for the selected store driver.
func (c *Config) StoreDriverOptions() map[string]any {
	return subMap(c.Storage.Drivers, c.Storage.Driver)
}

// CacheDriverOptions returns the option map for the selected cache driver.
func (c *Config) CacheDriverOptions() map[string]any {
	return subMap(c.Cache.Drivers, c.Cache.Driver)
}

// NotifyDriverOptions returns the option map for the selected notify driver.
func (c *Config) NotifyDriverOptions() map[string]any {
	return subMap(c.Notify.Drivers, c.Notify.Driver)
}

func subMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	// Return a copy to prevent mutation
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Redacted returns a string representation of the config with secrets redacted.
func (c *Config) Redacted() string {
	var sb strings.Builder
	sb.WriteString("Config{\n")
	fmt.Fprintf(&sb, "  Mode: %q,\n", c.Mode)
	fmt.Fprintf(&sb, "  ListenAddr: %q,\n", c.ListenAddr)
	fmt.Fprintf(&sb, "  UserID: %q,\n", c.UserID)
	sb.WriteString("  Backend: {\n")
	fmt.Fprintf(&sb, "    URL: %q,\n", redactURL(c.Backend.URL))
	if c.Backend.AuthToken != "" {
		sb.WriteString("    AuthToken: [REDACTED],\n")
	} else {
		sb.WriteString("    AuthToken: \"\",\n")
	}
	fmt.Fprintf(&sb, "    UseRealtime: %v,\n", c.Backend.UseRealtime)
	sb.WriteString("  },\n")
	sb.WriteString("  Sync: {\n")
	fmt.Fprintf(&sb, "    Interval: %s,\n", c.Sync.Interval)
	fmt.Fprintf(&sb, "    MinInterval: %s,\n", c.Sync.MinInterval)
	fmt.Fprintf(&sb, "    ProbeInterval: %s,\n", c.Sync.ProbeInterval)
	fmt.Fprintf(&sb, "    MaxAttempts: %d,\n", c.Sync.MaxAttempts)
	fmt.Fprintf(&sb, "    DedupWindow: %s,\n", c.Sync.DedupWindow)
	fmt.Fprintf(&sb, "    Retry: {MaxRetries: %d, BaseDelay: %s, MaxDelay: %s},\n",
		c.Sync.Retry.MaxRetries, c.Sync.Retry.BaseDelay, c.Sync.Retry.MaxDelay)
	sb.WriteString("  },\n")
	fmt.Fprintf(&sb, "  Storage: {Driver: %q, DataDir: %q},\n", c.Storage.Driver, c.Storage.DataDir)
	fmt.Fprintf(&sb, "  Cache: {Driver: %q},\n", c.Cache.Driver)
	fmt.Fprintf(&sb, "  Notify: {Driver: %q},\n", c.Notify.Driver)
	fmt.Fprintf(&sb, "  OutboundHTTP: {TimeoutMS: %d, ConnectTimeoutMS: %d, MaxResponseBytes: %d, InsecureSkipVerify: %v},\n",
		c.OutboundHTTP.TimeoutMS, c.OutboundHTTP.ConnectTimeoutMS, c.OutboundHTTP.MaxResponseBytes, c.OutboundHTTP.InsecureSkipVerify)
	fmt.Fprintf(&sb, "  Logging: {Level: %q},\n", c.Logging.Level)
	sb.WriteString("  DevServer: {\n")
	fmt.Fprintf(&sb, "    ListenAddr: %q,\n", c.DevServer.ListenAddr)
	fmt.Fprintf(&sb, "    DatabasePath: %q,\n", c.DevServer.DatabasePath)
	sb.WriteString("    JWTSecret: [REDACTED],\n")
	fmt.Fprintf(&sb, "    TokenTTL: %s,\n", c.DevServer.TokenTTL)
	fmt.Fprintf(&sb, "    MatchTTL: %s,\n", c.DevServer.MatchTTL)
	fmt.Fprintf(&sb, "    Seed: %v,\n", c.DevServer.Seed)
	sb.WriteString("  },\n")
	sb.WriteString("}")
	return sb.String()
}

// redactURL drops userinfo, which may carry credentials.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("REDACTED")
	return u.String()
}
