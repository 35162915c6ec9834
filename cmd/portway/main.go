package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/melosso/portway/internal/api"
	"github.com/melosso/portway/internal/api/handlers"
	"github.com/melosso/portway/internal/auth"
	"github.com/melosso/portway/internal/cache"
	"github.com/melosso/portway/internal/config"
	"github.com/melosso/portway/internal/edm"
	"github.com/melosso/portway/internal/environment"
	"github.com/melosso/portway/internal/logging"
	"github.com/melosso/portway/internal/sqlpool"
	"github.com/melosso/portway/internal/urlguard"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath string
	host       string
	port       int
	jsonLogs   bool
	debug      bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&f.host, "host", "", "Override HTTP bind host")
	flag.IntVar(&f.port, "port", 0, "Override HTTP bind port")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.jsonLogs {
		cfg.Logging.Format = "json"
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(config.ResolveConfigPath(flags.configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		IncludePID:  cfg.Logging.IncludePID,
		ExtraFields: cfg.Logging.ExtraFields,
	})

	store, err := auth.OpenStore(cfg.Auth.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}
	defer store.Close()

	provider, closeCache, err := buildCacheProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create cache provider: %w", err)
	}
	defer closeCache()

	pool := sqlpool.New(sqlpool.Config{
		DriverName:        cfg.Pool.DriverName,
		MinPoolSize:       cfg.Pool.MinPoolSize,
		MaxPoolSize:       cfg.Pool.MaxPoolSize,
		ConnectionTimeout: time.Duration(cfg.Pool.ConnectionTimeout) * time.Second,
		CommandTimeout:    time.Duration(cfg.Pool.CommandTimeout) * time.Second,
		Enabled:           cfg.Pool.Enabled,
		ApplicationName:   cfg.Pool.ApplicationName,
	}, logger)
	defer pool.Close()

	envs := make([]environment.Environment, 0, len(cfg.Environments))
	for _, e := range cfg.Environments {
		envs = append(envs, environment.Environment{
			Name:             e.Name,
			ConnectionString: e.ConnectionString,
			ServerName:       e.ServerName,
			Headers:          e.Headers,
		})
	}
	resolver := environment.NewResolver(envs)

	// Warm each environment's pool in the background; serving does not
	// wait for it.
	go prewarmEnvironments(cfg, pool, logger)

	h := handlers.New(handlers.Deps{
		Config:   cfg,
		Logger:   logger,
		Guard:    auth.NewGuard(store, logger),
		Store:    store,
		Resolver: resolver,
		Pool:     pool,
		Cache:    provider,
		Registry: edm.NewRegistry(logger),
		URLGuard: urlguard.New(urlguard.Config{
			AllowedHosts:    cfg.Hosts.AllowedHosts,
			BlockedIPRanges: cfg.Hosts.BlockedIPRanges,
		}, logger),
	})

	server := api.New(cfg, h, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			"addr", server.Addr(),
			"environments", len(cfg.Environments),
			"endpoints", len(cfg.Endpoints),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func buildCacheProvider(cfg *config.Config, logger *slog.Logger) (cache.Provider, func(), error) {
	if cfg.Cache.Provider == "redis" {
		r, err := cache.NewRedis(cache.RedisConfig{
			ConnectionString: cfg.Cache.Redis.ConnectionString,
			InstanceName:     cfg.Cache.Redis.InstanceName,
			UseSSL:           cfg.Cache.Redis.UseSSL,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil
	}
	return cache.NewMemory(cfg.Cache.MaxMemoryEntries), func() {}, nil
}

func prewarmEnvironments(cfg *config.Config, pool *sqlpool.Pool, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	for _, env := range cfg.Environments {
		if env.ConnectionString == "" {
			continue
		}
		if err := pool.Prewarm(ctx, env.ConnectionString); err != nil {
			logger.Warn("pool prewarm failed", "environment", env.Name, "error", err)
		}
	}
}
