// Package main runs the binomepay development backend: the remote data API
// over SQLite with token auth and realtime change events.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/binomepay/binomepay-go/internal/devserver"
	"github.com/binomepay/binomepay-go/internal/platform/cache"
	"github.com/binomepay/binomepay-go/internal/platform/config"
	"github.com/binomepay/binomepay-go/internal/platform/http/server"
	"github.com/binomepay/binomepay-go/internal/platform/logutil"
	"github.com/binomepay/binomepay-go/internal/ratelimit"

	// Register cache drivers
	_ "github.com/binomepay/binomepay-go/internal/platform/cache/loader"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	envFile := flag.String("env-file", "", "Path to a dotenv file (default .env)")
	listenAddr := flag.String("listen", "", "Listen address (overrides [devserver].listen_addr)")
	dbPath := flag.String("db", "", "SQLite database path or :memory: (overrides [devserver].database_path)")
	noSeed := flag.Bool("no-seed", false, "Do not load the demo dataset into an empty database")
	expiryInterval := flag.Duration("expiry-interval", time.Minute, "How often stale PENDING matches are expired")
	loggingLevel := flag.String("logging-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	flag.Parse()

	bootstrapLogger := logutil.NewJSON(os.Stdout, "info")

	c, err := config.Load(config.LoaderOptions{
		ConfigPath:    *configPath,
		EnvFile:       *envFile,
		FlagOverrides: config.FlagOverrides{LoggingLevel: loggingLevel},
		Logger:        bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		c.DevServer.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		c.DevServer.DatabasePath = *dbPath
	}
	if *noSeed {
		c.DevServer.Seed = false
	}

	logger := logutil.NewJSON(os.Stdout, c.Logging.Level)
	slog.SetDefault(logger)
	logger.Info("effective configuration", "config", c.Redacted())

	if err := run(c, *expiryInterval, logger); err != nil {
		logger.Error("devserver failed", "error", err)
		os.Exit(1)
	}
	logger.Info("devserver stopped")
}

func run(c *config.Config, expiryInterval time.Duration, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := devserver.OpenDB(c.DevServer.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	if c.DevServer.Seed {
		seeded, err := db.Seed(ctx)
		if err != nil {
			return fmt.Errorf("seed database: %w", err)
		}
		if seeded {
			logger.Info("loaded demo dataset", "demo_user_id", devserver.DemoUserID)
		}
	}

	secret := []byte(c.DevServer.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		logger.Warn("no jwt_secret configured, using a random one; tokens will not survive a restart")
	}
	tokens, err := devserver.NewTokens(secret, c.DevServer.TokenTTL)
	if err != nil {
		return err
	}

	counters, err := cache.NewFromConfig(c.Cache.Driver, c.CacheDriverOptions())
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer counters.Close()

	api := devserver.New(devserver.Options{
		DB:        db,
		Tokens:    tokens,
		Counter:   counters,
		MintLimit: ratelimit.WindowConfig{RequestsPerWindow: 20, Window: time.Minute},
		MatchTTL:  c.DevServer.MatchTTL,
		Logger:    logger,
	})
	srv := server.New("devserver", c.DevServer.ListenAddr, api.Router(), logger)
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("listen on %s: %w", c.DevServer.ListenAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.RunExpiry(gctx, expiryInterval) })
	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("devserver api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("devserver started", "addr", srv.Addr())
	return g.Wait()
}
