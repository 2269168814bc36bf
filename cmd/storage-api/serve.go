package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/kubeflow/storage-api/pkg/config"
	"github.com/kubeflow/storage-api/pkg/metrics"
	"github.com/kubeflow/storage-api/pkg/migrations"
	"github.com/kubeflow/storage-api/pkg/server"
	"github.com/kubeflow/storage-api/pkg/tenants"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd.Flags(), map[string]string{
			"addr":              config.KeyServerAddr,
			"warm-concurrency":  config.KeyWarmConcurrency,
			"migration-timeout": config.KeyMigrationTimeout,
		})
	},
	Run: func(cmd *cobra.Command, args []string) {
		runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().String("addr", config.DefaultServerAddr, "Address to listen on")
	serveCmd.Flags().Int("warm-concurrency", config.DefaultWarmConcurrency, "Tenants migrated concurrently during the startup warm pass")
	serveCmd.Flags().Duration("migration-timeout", 0, "Upper bound for one tenant migration (0 means none)")
}

func runServe(parent context.Context) {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load(v)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger()
	logger.Info("starting storage gateway",
		"listen", cfg.ServerAddr,
		"multitenant", cfg.IsMultitenant,
		"region", cfg.Region,
	)

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	runner := migrations.NewPostgresRunner(&migrations.Config{MigrationsTable: cfg.MigrationsTable}, logger)
	opts := []server.ServerOption{server.WithLogger(logger), server.WithMetrics(m)}

	var cache *tenants.ConfigCache
	if cfg.IsMultitenant {
		store, err := openRegistry(ctx, cfg.MultitenantDatabaseURL)
		if err != nil {
			glog.Fatalf("Failed to open tenant registry: %v", err)
		}
		cache = tenants.NewConfigCache(store, runner,
			tenants.WithCacheConfig(&tenants.CacheConfig{
				WarmConcurrency:  cfg.WarmConcurrency,
				MigrationTimeout: cfg.MigrationTimeout,
			}),
			tenants.WithLogger(logger),
			tenants.WithMetrics(m),
		)
		m.RegisterCacheSize(cache.Len)
		opts = append(opts, server.WithTenantRegistry(store, cache))
		if p, ok := store.(server.Pinger); ok {
			opts = append(opts, server.WithPinger(p))
		}
	} else if cfg.DatabaseURL != "" {
		if err := runner.Migrate(ctx, cfg.DatabaseURL); err != nil {
			glog.Fatalf("Failed to migrate database: %v", err)
		}
	}

	srv, err := server.NewServer(cfg, opts...)
	if err != nil {
		glog.Fatalf("Failed to create server: %v", err)
	}
	router := srv.MountRoutes()

	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()

	if cache != nil {
		// Readiness stays pending until every tenant has been tried once.
		go func() {
			if err := warmTenants(ctx, cache, newWarmBackOff(), srv.MarkWarm, logger); err != nil {
				logger.Error("tenant warm pass abandoned", "error", err)
			}
		}()
	}

	logger.Info("storage gateway ready", "listen", cfg.ServerAddr)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("storage gateway stopped")
}

// tenantWarmer runs one warm pass over every registered tenant.
type tenantWarmer interface {
	WarmAll(ctx context.Context) (tenants.WarmResult, error)
}

// newWarmBackOff retries a failed warm pass until the process stops.
func newWarmBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// warmTenants runs the warm pass and then calls markWarm. A pass that cannot
// list the tenants is retried per b until ctx ends; per-tenant failures do
// not count, those tenants are loaded on their first request instead.
func warmTenants(ctx context.Context, warmer tenantWarmer, b backoff.BackOff, markWarm func(), logger *slog.Logger) error {
	var res tenants.WarmResult
	err := backoff.RetryNotify(func() error {
		r, err := warmer.WarmAll(ctx)
		if err != nil {
			return err
		}
		res = r
		return nil
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Warn("tenant warm pass failed, retrying", "error", err, "retryIn", next.String())
	})
	if err != nil {
		return err
	}

	markWarm()
	logger.Info("tenant warm pass finished",
		"total", res.Total, "cached", res.Cached, "failed", len(res.Failed))
	return nil
}
