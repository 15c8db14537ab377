package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"fleet-monitor/livefeed/internal/auth"
	"fleet-monitor/livefeed/internal/bootstrap"
	"fleet-monitor/livefeed/internal/clock"
	"fleet-monitor/livefeed/internal/config"
	"fleet-monitor/livefeed/internal/coordinator"
	"fleet-monitor/livefeed/internal/store"
	"fleet-monitor/livefeed/internal/stream"
	transport "fleet-monitor/livefeed/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var envFile, addr, feedURL string

	flagSet := pflag.NewFlagSet("livefeed", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flagSet.StringVar(&addr, "addr", "", "listen address (overrides HTTP_PORT)")
	flagSet.StringVar(&feedURL, "feed-url", "", "telemetry websocket URL (overrides FEED_URL)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	envErr := godotenv.Load(envFile)

	cfg := config.Load()
	if feedURL != "" {
		cfg.FeedURL = feedURL
	}
	if addr == "" {
		addr = ":" + cfg.HTTPPort
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Info("no env file loaded, using process environment", "path", envFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisStore *store.RedisStore
	if cfg.NeedsRedis() {
		var err error
		redisStore, err = store.NewRedisStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		logger.Info("redis connected", "addr", cfg.RedisAddr)
	}

	source, closeSource, err := newBootstrapSource(ctx, cfg, redisStore, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	header := http.Header{}
	if cfg.FeedAPIKey != "" {
		header.Set("X-API-Key", cfg.FeedAPIKey)
	}
	dialer := &stream.WebsocketDialer{
		URL:              cfg.FeedURL,
		Header:           header,
		HandshakeTimeout: cfg.DialTimeout,
	}

	coord := coordinator.New(coordinator.Config{
		StalenessThreshold: cfg.StalenessThreshold,
		SweepInterval:      cfg.SweepInterval,
		AnomalyCapacity:    cfg.AnomalyCapacity,
		BootstrapTimeout:   cfg.BootstrapTimeout,
		SubscriberBuffer:   cfg.SubscriberBuffer,
		Logger:             logger,
	}, source, dialer, stream.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		DialTimeout:       cfg.DialTimeout,
		Backoff: stream.Backoff{
			Base:   cfg.BackoffBase,
			Factor: cfg.BackoffFactor,
			Cap:    cfg.BackoffCap,
			Jitter: cfg.BackoffJitter,
		},
	})

	if err := coord.Start(ctx); err != nil {
		if !errors.Is(err, coordinator.ErrBootstrap) {
			return err
		}
		logger.Warn("starting with an empty fleet", "error", err)
	}
	defer coord.Stop()

	var authMW *transport.AuthMiddleware
	if cfg.AuthEnabled {
		var lookup auth.KeyLookup
		if redisStore != nil {
			lookup = redisStore
		}
		authMW = transport.NewAuthMiddleware(auth.NewAuthenticator(cfg, lookup, clock.Real(), logger))
	}

	mux := http.NewServeMux()
	transport.New(coord, authMW, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr, "feed_url", cfg.FeedURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server forced to shutdown", "error", err)
	}
	coord.Stop()
	logger.Info("livefeed exited")
	return nil
}

// newBootstrapSource builds the configured roster source. The returned
// cleanup releases any connection the source opened.
func newBootstrapSource(ctx context.Context, cfg *config.Config, redisStore *store.RedisStore, logger *slog.Logger) (bootstrap.Source, func(), error) {
	noop := func() {}
	switch cfg.BootstrapSource {
	case config.BootstrapHTTP:
		return bootstrap.NewHTTPSource(cfg.BootstrapURL, cfg.FeedAPIKey, cfg.BootstrapTimeout), noop, nil
	case config.BootstrapRedis:
		return bootstrap.NewRedisSource(redisStore, logger), noop, nil
	case config.BootstrapPostgres:
		db, err := store.NewTimescaleStore(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("timescaledb connected", "host", cfg.DBHost, "db", cfg.DBName)
		return bootstrap.NewPostgresSource(db, cfg.BootstrapLookback, cfg.AnomalyCapacity, clock.Real()), db.Close, nil
	case config.BootstrapNone:
		return bootstrap.Empty{}, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown BOOTSTRAP_SOURCE %q", cfg.BootstrapSource)
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
