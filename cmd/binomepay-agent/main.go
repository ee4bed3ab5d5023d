// Package main is the entrypoint for the binomepay sync agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/binomepay/binomepay-go/internal/agentapi"
	"github.com/binomepay/binomepay-go/internal/appstate"
	"github.com/binomepay/binomepay-go/internal/auth"
	"github.com/binomepay/binomepay-go/internal/connectivity"
	"github.com/binomepay/binomepay-go/internal/exchange"
	"github.com/binomepay/binomepay-go/internal/notify"
	notifyamqp "github.com/binomepay/binomepay-go/internal/notify/amqp"
	"github.com/binomepay/binomepay-go/internal/offline"
	"github.com/binomepay/binomepay-go/internal/platform/cache"
	"github.com/binomepay/binomepay-go/internal/platform/cfg"
	"github.com/binomepay/binomepay-go/internal/platform/config"
	httpclient "github.com/binomepay/binomepay-go/internal/platform/http/client"
	"github.com/binomepay/binomepay-go/internal/platform/http/server"
	"github.com/binomepay/binomepay-go/internal/platform/logutil"
	"github.com/binomepay/binomepay-go/internal/platform/store"
	"github.com/binomepay/binomepay-go/internal/ratelimit"
	"github.com/binomepay/binomepay-go/internal/realtime"
	"github.com/binomepay/binomepay-go/internal/remote"
	"github.com/binomepay/binomepay-go/internal/remote/httpapi"
	"github.com/binomepay/binomepay-go/internal/remote/mock"
	"github.com/binomepay/binomepay-go/internal/snapshot"
	"github.com/binomepay/binomepay-go/internal/syncer"

	// Register cache and store drivers
	_ "github.com/binomepay/binomepay-go/internal/platform/cache/loader"
	_ "github.com/binomepay/binomepay-go/internal/platform/store/json"
	_ "github.com/binomepay/binomepay-go/internal/platform/store/memory"
	_ "github.com/binomepay/binomepay-go/internal/platform/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	envFile := flag.String("env-file", "", "Path to a dotenv file (default .env)")
	modeFlag := flag.String("mode", "", "Data mode: mock or online (overrides config)")
	listenAddr := flag.String("listen", "", "Agent API listen address (overrides config)")
	backendURL := flag.String("backend-url", "", "Backend base URL (overrides config)")
	userID := flag.String("user-id", "", "Signed-in user id (overrides config)")
	useRealtime := flag.String("use-realtime", "", "Subscribe to backend change events: true or false (overrides config)")
	storeDriver := flag.String("storage-driver", "", "Local storage driver: memory, json or sqlite (overrides config)")
	dataDir := flag.String("data-dir", "", "Local storage directory (overrides config)")
	loggingLevel := flag.String("logging-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	flag.Parse()

	bootstrapLogger := logutil.NewJSON(os.Stdout, "info")

	cfgv, err := config.Load(config.LoaderOptions{
		ConfigPath: *configPath,
		EnvFile:    *envFile,
		ModeFlag:   *modeFlag,
		FlagOverrides: config.FlagOverrides{
			ListenAddr:   listenAddr,
			BackendURL:   backendURL,
			UserID:       userID,
			UseRealtime:  useRealtime,
			StoreDriver:  storeDriver,
			DataDir:      dataDir,
			LoggingLevel: loggingLevel,
		},
		Logger: bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logutil.NewJSON(os.Stdout, cfgv.Logging.Level)
	slog.SetDefault(logger)
	logger.Info("effective configuration", "config", cfgv.Redacted())

	if err := run(cfgv, logger); err != nil {
		logger.Error("agent failed", "error", err)
		os.Exit(1)
	}
	logger.Info("agent stopped")
}

func run(c *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(&store.DriverConfig{
		Driver:  c.Storage.Driver,
		DataDir: c.Storage.DataDir,
		Options: c.StoreDriverOptions(),
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.Close()

	ephemeral, err := cache.NewFromConfig(c.Cache.Driver, c.CacheDriverOptions())
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer ephemeral.Close()

	notifier, closeNotifier, err := newNotifier(c, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	tokens := auth.NewStoreTokenSource(st)
	if c.Backend.AuthToken != "" {
		if err := tokens.SetToken(ctx, c.Backend.AuthToken); err != nil {
			return fmt.Errorf("store auth token: %w", err)
		}
	}
	uid := c.UserID
	if c.MockData() && uid == "" {
		uid = mock.DemoUserID
	}
	session := auth.NewSessionProvider(tokens, uid, logger)

	var (
		client  remote.DataClient
		monitor *connectivity.Monitor
		reach   syncer.Reachability
	)
	if c.MockData() {
		client = mock.New()
		monitor = connectivity.NewMonitor(nil, 0, true, logger)
		logger.Info("running on mock data")
	} else {
		hc := httpclient.New(&c.OutboundHTTP)
		client, err = httpapi.New(httpapi.Options{
			BaseURL:          c.Backend.URL,
			Tokens:           tokens,
			HTTP:             hc,
			OnSessionExpired: session.Expire,
			Logger:           logger,
		})
		if err != nil {
			return err
		}
		monitor = connectivity.NewMonitor(connectivity.NewHTTPProber(c.Backend.URL, hc), c.Sync.ProbeInterval, false, logger)
		reach = monitor
	}

	state := appstate.New()
	queue := offline.NewQueue(st, offline.Options{
		MaxAttempts: c.Sync.MaxAttempts,
		DedupWindow: c.Sync.DedupWindow,
		Notifier:    notifier,
		Logger:      logger,
	})
	limits := ratelimit.NewRegistry(st, time.Now)
	snapshots := snapshot.New(st, ephemeral, logger)

	svc := exchange.New(exchange.Options{
		Remote:    client,
		State:     state,
		Auth:      session,
		Queue:     queue,
		Limits:    limits,
		Store:     st,
		Snapshots: snapshots,
		Notifier:  notifier,
		Logger:    logger,
	})
	if err := svc.Restore(ctx); err != nil {
		logger.Warn("failed to restore cached snapshot", "error", err)
	}

	orch := syncer.New(syncer.Options{
		Remote:       client,
		State:        state,
		Auth:         session,
		Reachability: reach,
		Queue:        queue,
		Handlers:     svc.ReplayHandlers(),
		Snapshots:    snapshots,
		Notifier:     notifier,
		Retry:        c.Sync.Retry,
		MinInterval:  c.Sync.MinInterval,
		Logger:       logger,
	})
	sched := syncer.NewScheduler(orch, monitor, c.Sync.Interval, logger)

	handler := agentapi.New(agentapi.Deps{
		Service:      svc,
		State:        state,
		Orchestrator: orch,
		Queue:        queue,
		Limits:       limits,
		Online:       monitor,
		Mode:         c.Mode,
		Logger:       logger,
	})
	srv := server.New("agent-api", c.ListenAddr, handler.Router(), logger)
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("listen on %s: %w", c.ListenAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	if !c.MockData() {
		g.Go(func() error {
			monitor.Run(gctx)
			return nil
		})
		if c.Backend.UseRealtime {
			sub, err := realtime.New(c.Backend.URL, tokens, func(ctx context.Context, ev realtime.Event) {
				sched.Trigger()
			}, c.Realtime, logger)
			if err != nil {
				return err
			}
			g.Go(func() error { return sub.Run(gctx) })
		}
	}
	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("agent api: %w", err)
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

	logger.Info("agent started", "addr", srv.Addr(), "mode", c.Mode)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newNotifier builds the dispatcher selected by [notify].driver.
func newNotifier(c *config.Config, logger *slog.Logger) (notify.Dispatcher, func(), error) {
	switch c.Notify.Driver {
	case "amqp":
		var opts notifyamqp.Config
		if err := cfg.Decode(c.NotifyDriverOptions(), &opts); err != nil {
			return nil, nil, fmt.Errorf("notify.drivers.amqp: %w", err)
		}
		d, err := notifyamqp.Dial(opts, logger)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	default:
		return notify.NewLogDispatcher(logger), func() {}, nil
	}
}
