package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/binomepay/binomepay-go/internal/platform/logutil"
)

// Mode represents the agent data mode.
type Mode string

const (
	ModeMock   Mode = "mock"
	ModeOnline Mode = "online"
)

// ParseMode parses a mode string, returning an error for invalid values.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mock", "":
		return ModeMock, nil
	case "online":
		return ModeOnline, nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be one of mock, online", s)
	}
}

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to a TOML config file (optional).
	// If provided but file is missing or invalid, loading fails.
	ConfigPath string

	// EnvFile is a dotenv file merged under the process environment.
	// A missing file is ignored. Default: ".env".
	EnvFile string

	// Environ replaces the process environment (tests). Nil uses os.Environ.
	Environ map[string]string

	// ModeFlag is the --mode flag value (overrides every other mode source).
	ModeFlag string

	// FlagOverrides are CLI flag values that override config file values.
	FlagOverrides FlagOverrides

	// Logger is used for warning messages (e.g., undecoded keys).
	Logger *slog.Logger
}

// FlagOverrides holds CLI flag values that override config file values.
type FlagOverrides struct {
	ListenAddr   *string
	BackendURL   *string
	UserID       *string
	LoggingLevel *string
	UseRealtime  *string // "true", "false", or "" (unset)
	StoreDriver  *string
	DataDir      *string
}

// envConfig is the environment layer. Pointer fields stay nil when unset.
type envConfig struct {
	MockData    *bool   `env:"BINOMEPAY_MOCK_DATA"`
	UseRealtime *bool   `env:"BINOMEPAY_USE_REALTIME"`
	APIURL      *string `env:"BINOMEPAY_API_URL"`
	AuthToken   *string `env:"BINOMEPAY_AUTH_TOKEN"`
	UserID      *string `env:"BINOMEPAY_USER_ID"`
	ListenAddr  *string `env:"BINOMEPAY_LISTEN_ADDR"`
	LogLevel    *string `env:"BINOMEPAY_LOG_LEVEL"`
	JWTSecret   *string `env:"BINOMEPAY_JWT_SECRET"`
}

// Load loads configuration with the following precedence:
//  1. Determine effective mode: --mode flag > BINOMEPAY_MOCK_DATA > mode in config file > default (mock)
//  2. Start from mode preset defaults
//  3. Overlay TOML config file values
//  4. Overlay environment (process environment over the dotenv file)
//  5. Overlay CLI flags
//  6. Validate
//
// Unknown TOML keys produce a warning but do not fail the load.
func Load(opts LoaderOptions) (*Config, error) {
	logger := logutil.NoopIfNil(opts.Logger)

	var fc Config
	var md toml.MetaData
	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigPath, err)
		}
		md, err = toml.Decode(string(data), &fc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			logger.Warn("config file contains undecoded keys", "path", opts.ConfigPath, "keys", keys)
		}
	}

	ec, err := loadEnv(opts)
	if err != nil {
		return nil, err
	}

	modeStr := string(ModeMock)
	if fc.Mode != "" {
		modeStr = fc.Mode
	}
	if ec.MockData != nil {
		if *ec.MockData {
			modeStr = string(ModeMock)
		} else {
			modeStr = string(ModeOnline)
		}
	}
	if opts.ModeFlag != "" {
		modeStr = opts.ModeFlag
	}
	mode, err := ParseMode(modeStr)
	if err != nil {
		return nil, err
	}

	cfg := presetForMode(mode)
	if opts.ConfigPath != "" {
		overlayFileConfig(cfg, &fc, md)
	}
	overlayEnv(cfg, ec)
	overlayFlags(cfg, opts.FlagOverrides)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnv(opts LoaderOptions) (envConfig, error) {
	environ := make(map[string]string)

	path := opts.EnvFile
	if path == "" {
		path = ".env"
	}
	fileVars, err := godotenv.Read(path)
	switch {
	case err == nil:
		for k, v := range fileVars {
			environ[k] = v
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return envConfig{}, fmt.Errorf("failed to read env file %s: %w", path, err)
	}

	if opts.Environ != nil {
		for k, v := range opts.Environ {
			environ[k] = v
		}
	} else {
		for k, v := range env.ToMap(os.Environ()) {
			environ[k] = v
		}
	}

	var ec envConfig
	if err := env.ParseWithOptions(&ec, env.Options{Environment: environ}); err != nil {
		return envConfig{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return ec, nil
}

// presetForMode returns the base config for a given mode.
func presetForMode(mode Mode) *Config {
	if mode == ModeOnline {
		return OnlineConfig()
	}
	return MockConfig()
}

// MockConfig returns defaults for running without a backend.
func MockConfig() *Config {
	cfg := OnlineConfig()
	cfg.Mode = string(ModeMock)
	cfg.Backend.URL = ""
	cfg.Storage.Driver = "memory"
	cfg.Logging.Level = "debug"
	return cfg
}

// OnlineConfig returns defaults for talking to a backend.
func OnlineConfig() *Config {
	cfg := &Config{
		Mode:       string(ModeOnline),
		ListenAddr: "127.0.0.1:8780",
		Backend: BackendConfig{
			URL:         "http://localhost:8790",
			UseRealtime: true,
		},
		Storage: StorageConfig{
			Driver:  "json",
			DataDir: ".binomepay",
		},
		Cache: CacheConfig{
			Driver: "memory",
		},
		Notify: NotifyConfig{
			Driver: "log",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		DevServer: DevServerConfig{
			ListenAddr:   ":8790",
			DatabasePath: ".binomepay/devserver.db",
			Seed:         true,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset durations and limits.
func (c *Config) ApplyDefaults() {
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = 30 * time.Second
	}
	if c.Sync.MinInterval <= 0 {
		c.Sync.MinInterval = 5 * time.Second
	}
	if c.Sync.ProbeInterval <= 0 {
		c.Sync.ProbeInterval = 10 * time.Second
	}
	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = 3
	}
	if c.Sync.DedupWindow <= 0 {
		c.Sync.DedupWindow = time.Minute
	}
	c.Sync.Retry.ApplyDefaults()
	c.OutboundHTTP.ApplyDefaults()
	c.Realtime.ApplyDefaults()
	if c.DevServer.TokenTTL <= 0 {
		c.DevServer.TokenTTL = 24 * time.Hour
	}
	if c.DevServer.MatchTTL <= 0 {
		c.DevServer.MatchTTL = 48 * time.Hour
	}
}

// overlayFileConfig applies TOML file values onto cfg. Booleans are applied
// only when the key is present in the file.
func overlayFileConfig(cfg *Config, fc *Config, md toml.MetaData) {
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.UserID != "" {
		cfg.UserID = fc.UserID
	}

	if fc.Backend.URL != "" {
		cfg.Backend.URL = fc.Backend.URL
	}
	if fc.Backend.AuthToken != "" {
		cfg.Backend.AuthToken = fc.Backend.AuthToken
	}
	if md.IsDefined("backend", "use_realtime") {
		cfg.Backend.UseRealtime = fc.Backend.UseRealtime
	}

	if fc.Sync.Interval > 0 {
		cfg.Sync.Interval = fc.Sync.Interval
	}
	if fc.Sync.MinInterval > 0 {
		cfg.Sync.MinInterval = fc.Sync.MinInterval
	}
	if fc.Sync.ProbeInterval > 0 {
		cfg.Sync.ProbeInterval = fc.Sync.ProbeInterval
	}
	if fc.Sync.MaxAttempts > 0 {
		cfg.Sync.MaxAttempts = fc.Sync.MaxAttempts
	}
	if fc.Sync.DedupWindow > 0 {
		cfg.Sync.DedupWindow = fc.Sync.DedupWindow
	}
	if fc.Sync.Retry.MaxRetries > 0 {
		cfg.Sync.Retry.MaxRetries = fc.Sync.Retry.MaxRetries
	}
	if fc.Sync.Retry.BaseDelay > 0 {
		cfg.Sync.Retry.BaseDelay = fc.Sync.Retry.BaseDelay
	}
	if fc.Sync.Retry.MaxDelay > 0 {
		cfg.Sync.Retry.MaxDelay = fc.Sync.Retry.MaxDelay
	}
	if fc.Sync.Retry.Multiplier > 0 {
		cfg.Sync.Retry.Multiplier = fc.Sync.Retry.Multiplier
	}
	if md.IsDefined("sync", "retry", "jitter") {
		cfg.Sync.Retry.Jitter = fc.Sync.Retry.Jitter
	}

	if fc.Storage.Driver != "" {
		cfg.Storage.Driver = fc.Storage.Driver
	}
	if fc.Storage.DataDir != "" {
		cfg.Storage.DataDir = fc.Storage.DataDir
	}
	if len(fc.Storage.Drivers) > 0 {
		cfg.Storage.Drivers = fc.Storage.Drivers
	}
	if fc.Cache.Driver != "" {
		cfg.Cache.Driver = fc.Cache.Driver
	}
	if len(fc.Cache.Drivers) > 0 {
		cfg.Cache.Drivers = fc.Cache.Drivers
	}
	if fc.Notify.Driver != "" {
		cfg.Notify.Driver = fc.Notify.Driver
	}
	if len(fc.Notify.Drivers) > 0 {
		cfg.Notify.Drivers = fc.Notify.Drivers
	}

	if fc.OutboundHTTP.TimeoutMS > 0 {
		cfg.OutboundHTTP.TimeoutMS = fc.OutboundHTTP.TimeoutMS
	}
	if fc.OutboundHTTP.ConnectTimeoutMS > 0 {
		cfg.OutboundHTTP.ConnectTimeoutMS = fc.OutboundHTTP.ConnectTimeoutMS
	}
	if fc.OutboundHTTP.MaxResponseBytes > 0 {
		cfg.OutboundHTTP.MaxResponseBytes = fc.OutboundHTTP.MaxResponseBytes
	}
	if md.IsDefined("outbound_http", "insecure_skip_verify") {
		cfg.OutboundHTTP.InsecureSkipVerify = fc.OutboundHTTP.InsecureSkipVerify
	}

	if fc.Realtime.InitialBackoff > 0 {
		cfg.Realtime.InitialBackoff = fc.Realtime.InitialBackoff
	}
	if fc.Realtime.MaxBackoff > 0 {
		cfg.Realtime.MaxBackoff = fc.Realtime.MaxBackoff
	}
	if fc.Realtime.HandshakeTimeout > 0 {
		cfg.Realtime.HandshakeTimeout = fc.Realtime.HandshakeTimeout
	}
	if fc.Realtime.ReadLimit > 0 {
		cfg.Realtime.ReadLimit = fc.Realtime.ReadLimit
	}

	if fc.Logging.Level != "" {
		cfg.Logging.Level = fc.Logging.Level
	}

	if fc.DevServer.ListenAddr != "" {
		cfg.DevServer.ListenAddr = fc.DevServer.ListenAddr
	}
	if fc.DevServer.DatabasePath != "" {
		cfg.DevServer.DatabasePath = fc.DevServer.DatabasePath
	}
	if fc.DevServer.JWTSecret != "" {
		cfg.DevServer.JWTSecret = fc.DevServer.JWTSecret
	}
	if fc.DevServer.TokenTTL > 0 {
		cfg.DevServer.TokenTTL = fc.DevServer.TokenTTL
	}
	if fc.DevServer.MatchTTL > 0 {
		cfg.DevServer.MatchTTL = fc.DevServer.MatchTTL
	}
	if md.IsDefined("devserver", "seed") {
		cfg.DevServer.Seed = fc.DevServer.Seed
	}
}

func overlayEnv(cfg *Config, ec envConfig) {
	if ec.UseRealtime != nil {
		cfg.Backend.UseRealtime = *ec.UseRealtime
	}
	if ec.APIURL != nil && *ec.APIURL != "" {
		cfg.Backend.URL = *ec.APIURL
	}
	if ec.AuthToken != nil && *ec.AuthToken != "" {
		cfg.Backend.AuthToken = *ec.AuthToken
	}
	if ec.UserID != nil && *ec.UserID != "" {
		cfg.UserID = *ec.UserID
	}
	if ec.ListenAddr != nil && *ec.ListenAddr != "" {
		cfg.ListenAddr = *ec.ListenAddr
	}
	if ec.LogLevel != nil && *ec.LogLevel != "" {
		cfg.Logging.Level = *ec.LogLevel
	}
	if ec.JWTSecret != nil && *ec.JWTSecret != "" {
		cfg.DevServer.JWTSecret = *ec.JWTSecret
	}
}

// overlayFlags applies CLI flag values onto cfg.
func overlayFlags(cfg *Config, f FlagOverrides) {
	if f.ListenAddr != nil && *f.ListenAddr != "" {
		cfg.ListenAddr = *f.ListenAddr
	}
	if f.BackendURL != nil && *f.BackendURL != "" {
		cfg.Backend.URL = *f.BackendURL
	}
	if f.UserID != nil && *f.UserID != "" {
		cfg.UserID = *f.UserID
	}
	if f.LoggingLevel != nil && *f.LoggingLevel != "" {
		cfg.Logging.Level = *f.LoggingLevel
	}
	if f.UseRealtime != nil && *f.UseRealtime != "" {
		// Parse "true" or "false" string (only apply when explicitly set)
		cfg.Backend.UseRealtime = *f.UseRealtime == "true"
	}
	if f.StoreDriver != nil && *f.StoreDriver != "" {
		cfg.Storage.Driver = *f.StoreDriver
	}
	if f.DataDir != nil && *f.DataDir != "" {
		cfg.Storage.DataDir = *f.DataDir
	}
}

// Validate checks enum fields and required values.
func (c *Config) Validate() error {
	if _, err := ParseMode(c.Mode); err != nil {
		return err
	}

	if c.Mode == string(ModeOnline) {
		if err := validateBackendURL(c.Backend.URL); err != nil {
			return err
		}
	}

	switch c.Storage.Driver {
	case "memory", "json", "sqlite":
	default:
		return fmt.Errorf("invalid storage.driver %q: must be one of memory, json, sqlite", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required for the %s driver", c.Storage.Driver)
	}

	switch c.Cache.Driver {
	case "", "memory", "valkey":
	default:
		return fmt.Errorf("invalid cache.driver %q: must be one of memory, valkey", c.Cache.Driver)
	}

	switch c.Notify.Driver {
	case "", "log", "amqp":
	default:
		return fmt.Errorf("invalid notify.driver %q: must be one of log, amqp", c.Notify.Driver)
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q: must be one of trace, debug, info, warn, error", c.Logging.Level)
	}

	if c.Sync.MinInterval > c.Sync.Interval {
		return fmt.Errorf("sync.min_interval (%s) must not exceed sync.interval (%s)", c.Sync.MinInterval, c.Sync.Interval)
	}
	if c.Sync.Retry.BaseDelay > c.Sync.Retry.MaxDelay {
		return fmt.Errorf("sync.retry.base_delay must not exceed sync.retry.max_delay")
	}

	if c.DevServer.JWTSecret != "" && len(c.DevServer.JWTSecret) < 32 {
		return fmt.Errorf("devserver.jwt_secret must be at least 32 bytes")
	}
	return nil
}

// validateBackendURL requires an absolute http(s) origin without query or fragment.
func validateBackendURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("backend.url is required in online mode")
	}
	if raw != strings.TrimSpace(raw) {
		return fmt.Errorf("invalid backend.url %q: must not contain leading or trailing whitespace", raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid backend.url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("invalid backend.url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid backend.url %q: must include a host", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("invalid backend.url %q: must not include a query string or fragment", raw)
	}
	return nil
}
