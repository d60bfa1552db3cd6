// Command ghly is a pull-through cache server for raw GitHub file content.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/quonaro/ghly/cache"
	"github.com/quonaro/ghly/origin"
	"github.com/quonaro/ghly/server"
	"github.com/quonaro/ghly/store"
	"github.com/quonaro/ghly/store/redisstore"
	"github.com/quonaro/ghly/store/sqlitestore"
	"github.com/quonaro/ghly/telemetry"
)

var version = "dev"

var cli struct {
	Address   string `help:"Address to listen on." default:":8000" env:"GHLY_ADDRESS"`
	OriginURL string `help:"Origin base URL for raw file content." default:"https://raw.githubusercontent.com" env:"GHLY_ORIGIN_URL"`

	RedisAddr     string `help:"Redis address (host:port). When set, the networked store is used." env:"GHLY_REDIS_ADDR"`
	RedisPassword string `help:"Redis password." env:"GHLY_REDIS_PASSWORD"`
	RedisDB       int    `help:"Redis logical database." default:"0" env:"GHLY_REDIS_DB"`

	CachePath     string        `help:"SQLite cache file used when no Redis address is configured." default:"ghly.db" env:"GHLY_CACHE_PATH"`
	CacheTTL      time.Duration `help:"Time-to-live for cached files." default:"5m" env:"GHLY_CACHE_TTL"`
	SweepInterval time.Duration `help:"How often the embedded store sweeps expired rows." default:"5m" env:"GHLY_SWEEP_INTERVAL"`

	Repositories []string `help:"Allowed repository tokens (owner, owner/repo, or URL). Empty allows all." env:"GHLY_REPOSITORIES"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"GHLY_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"GHLY_LOG_FORMAT"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"GHLY_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Enable the Prometheus /metrics endpoint." default:"true" negatable:"" env:"GHLY_PROMETHEUS"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("ghly"),
		kong.Description("Pull-through cache for raw GitHub file content."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run())
}

func run() error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "ghly",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	cacheStore, err := newStore(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cacheStore.Close() }()

	originClient := origin.New(origin.WithBaseURL(cli.OriginURL))

	resolver := cache.NewResolver(cacheStore, originClient,
		cache.WithTTL(cli.CacheTTL),
		cache.WithWhitelist(cache.NewWhitelist(cli.Repositories)),
		cache.WithLogger(logger.With("component", "cache")),
	)

	srv := server.New(server.Config{
		Address: cli.Address,
		Logger:  logger.With("component", "server"),
	}, resolver)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"origin", cli.OriginURL,
		"ttl", cli.CacheTTL,
		"whitelist_entries", len(cli.Repositories),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return shutdownMetrics(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newStore selects the backend: the networked store when a Redis address is
// configured, otherwise the embedded store with its background reaper.
func newStore(ctx context.Context, logger *slog.Logger) (store.Store, error) {
	if cli.RedisAddr != "" {
		s, err := redisstore.New(ctx, redisstore.Config{
			Addr:     cli.RedisAddr,
			Password: cli.RedisPassword,
			DB:       cli.RedisDB,
		}, redisstore.WithLogger(logger.With("component", "redisstore")))
		if err != nil {
			return nil, fmt.Errorf("connecting networked store: %w", err)
		}
		logger.Info("using networked cache store", "address", cli.RedisAddr)
		return s, nil
	}

	s, err := sqlitestore.New(cli.CachePath,
		sqlitestore.WithLogger(logger.With("component", "sqlitestore")))
	if err != nil {
		return nil, fmt.Errorf("opening embedded store: %w", err)
	}

	reaper := sqlitestore.NewReaper(s,
		sqlitestore.WithReaperInterval(cli.SweepInterval),
		sqlitestore.WithReaperLogger(logger.With("component", "reaper")),
	)
	go reaper.Run(ctx)

	logger.Info("using embedded cache store", "path", cli.CachePath)
	return s, nil
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	switch cli.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cli.LogFormat)
	}

	return slog.New(handler), nil
}
