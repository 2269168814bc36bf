package tenants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kubeflow/storage-api/pkg/metrics"
)

// DefaultWarmConcurrency caps simultaneous migrations during WarmAll.
const DefaultWarmConcurrency = 100

// Migrator applies the tenant schema to a database. Implementations must be
// idempotent.
type Migrator interface {
	Migrate(ctx context.Context, databaseURL string) error
}

// CacheConfig controls the tenant config cache.
type CacheConfig struct {
	// WarmConcurrency is the maximum number of migrate-then-cache units that
	// WarmAll runs at once.
	WarmConcurrency int

	// MigrationTimeout bounds a single load (store read plus migration).
	// Zero means no timeout.
	MigrationTimeout time.Duration
}

// DefaultCacheConfig returns a CacheConfig with sensible defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		WarmConcurrency: DefaultWarmConcurrency,
	}
}

// WarmResult summarizes a WarmAll pass.
type WarmResult struct {
	Total  int
	Cached int
	Failed map[string]error
}

// CacheOption configures a ConfigCache.
type CacheOption func(*ConfigCache)

// WithCacheConfig overrides the default CacheConfig.
func WithCacheConfig(cfg *CacheConfig) CacheOption {
	return func(c *ConfigCache) {
		if cfg != nil {
			c.cfg = cfg
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CacheOption {
	return func(c *ConfigCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) CacheOption {
	return func(c *ConfigCache) {
		c.metrics = m
	}
}

// ConfigCache maps tenant ids to migrated tenant configs. An entry is only
// inserted after the tenant's migrations succeeded in this process, and it
// stays until Invalidate is called.
//
// Concurrent misses for the same tenant share one in-flight load. The load
// runs detached from the callers' contexts, so a caller that gives up does not
// abort the migration for the others.
type ConfigCache struct {
	store    Store
	migrator Migrator
	cfg      *CacheConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	entries map[string]TenantConfig
	// versions is bumped on every invalidation; a load only publishes its
	// result if the version it started with is still current.
	versions map[string]uint64

	flights singleflight.Group
}

// NewConfigCache creates an empty ConfigCache.
func NewConfigCache(store Store, migrator Migrator, opts ...CacheOption) *ConfigCache {
	c := &ConfigCache{
		store:    store,
		migrator: migrator,
		cfg:      DefaultCacheConfig(),
		logger:   slog.Default(),
		entries:  make(map[string]TenantConfig),
		versions: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the config for tenantID. A cached value is returned without
// I/O. On a miss the tenant row is read, its database migrated and the result
// cached before it is returned.
func (c *ConfigCache) Get(ctx context.Context, tenantID string) (TenantConfig, error) {
	if cfg, ok := c.lookup(tenantID); ok {
		c.metrics.CacheHit()
		return cfg, nil
	}
	c.metrics.CacheMiss()

	return c.load(ctx, tenantID, func(ctx context.Context) (TenantConfig, error) {
		cfg, err := c.store.Get(ctx, tenantID)
		if err != nil {
			return TenantConfig{}, storeError(err)
		}
		return cfg, nil
	})
}

// Invalidate drops the cached entry for tenantID, if any. The next Get reads
// the store and migrates again. A load already in flight still answers its
// waiters but will not publish its result.
func (c *ConfigCache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.versions[tenantID]++
	c.mu.Unlock()

	c.flights.Forget(tenantID)
}

// Refresh migrates the database described by cfg and, on success, replaces the
// cached entry for tenantID. The migration runs as the tenant's in-flight load,
// so a Get arriving meanwhile waits for it instead of migrating again.
func (c *ConfigCache) Refresh(ctx context.Context, tenantID string, cfg TenantConfig) error {
	c.Invalidate(tenantID)

	_, err := c.load(ctx, tenantID, func(context.Context) (TenantConfig, error) {
		return cfg, nil
	})
	return err
}

// WarmAll migrates and caches every tenant in the store, running at most
// CacheConfig.WarmConcurrency units at once. Individual failures are logged and
// reported in the result; only a failure to list tenants is returned as an
// error.
func (c *ConfigCache) WarmAll(ctx context.Context) (WarmResult, error) {
	start := time.Now()

	all, err := c.store.List(ctx)
	if err != nil {
		return WarmResult{}, storeError(err)
	}

	limit := c.cfg.WarmConcurrency
	if limit < 1 {
		limit = DefaultWarmConcurrency
	}

	c.logger.Info("warming tenant config cache",
		"tenants", len(all),
		"concurrency", limit)

	result := WarmResult{
		Total:  len(all),
		Failed: make(map[string]error),
	}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(limit)
	for _, t := range all {
		t := t
		g.Go(func() error {
			_, err := c.load(ctx, t.ID, func(context.Context) (TenantConfig, error) {
				return t.Config, nil
			})
			if err != nil {
				c.logger.Error("failed to warm tenant config", "tenantId", t.ID, "error", err)
				mu.Lock()
				result.Failed[t.ID] = err
				mu.Unlock()
			}
			// Never fail the group: one tenant must not stop the others.
			return nil
		})
	}
	_ = g.Wait()

	result.Cached = result.Total - len(result.Failed)
	elapsed := time.Since(start)
	c.metrics.ObserveWarm(elapsed)

	c.logger.Info("tenant config cache warmed",
		"tenants", result.Total,
		"cached", result.Cached,
		"failed", len(result.Failed),
		"duration", elapsed.String())

	return result, nil
}

// Len returns the number of cached tenant configs.
func (c *ConfigCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// AnonKey returns the anonymous API key for tenantID.
func (c *ConfigCache) AnonKey(ctx context.Context, tenantID string) (string, error) {
	cfg, err := c.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return cfg.AnonKey, nil
}

// ServiceKey returns the service role key for tenantID.
func (c *ConfigCache) ServiceKey(ctx context.Context, tenantID string) (string, error) {
	cfg, err := c.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return cfg.ServiceKey, nil
}

// JWTSecret returns the JWT signing secret for tenantID.
func (c *ConfigCache) JWTSecret(ctx context.Context, tenantID string) (string, error) {
	cfg, err := c.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return cfg.JWTSecret, nil
}

// load runs fetch and the migration for tenantID inside a singleflight call
// shared by every concurrent caller for the same tenant.
func (c *ConfigCache) load(ctx context.Context, tenantID string, fetch func(context.Context) (TenantConfig, error)) (TenantConfig, error) {
	ch := c.flights.DoChan(tenantID, func() (any, error) {
		// Another load may have published between our miss and this call.
		if cfg, ok := c.lookup(tenantID); ok {
			return cfg, nil
		}
		version := c.version(tenantID)

		loadCtx := context.WithoutCancel(ctx)
		if c.cfg.MigrationTimeout > 0 {
			var cancel context.CancelFunc
			loadCtx, cancel = context.WithTimeout(loadCtx, c.cfg.MigrationTimeout)
			defer cancel()
		}

		cfg, err := fetch(loadCtx)
		if err != nil {
			return TenantConfig{}, err
		}
		if err := c.migrate(loadCtx, tenantID, cfg); err != nil {
			return TenantConfig{}, err
		}
		c.publish(tenantID, cfg, version)
		return cfg, nil
	})

	select {
	case <-ctx.Done():
		return TenantConfig{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.metrics.Coalesced()
		}
		if res.Err != nil {
			return TenantConfig{}, res.Err
		}
		return res.Val.(TenantConfig), nil
	}
}

func (c *ConfigCache) migrate(ctx context.Context, tenantID string, cfg TenantConfig) error {
	start := time.Now()
	err := c.migrator.Migrate(ctx, cfg.DatabaseURL)
	c.metrics.ObserveMigration(time.Since(start), err)
	if err != nil {
		return fmt.Errorf("%w: tenant %s: %w", ErrMigrationFailed, tenantID, err)
	}
	c.logger.Debug("tenant migrations applied", "tenantId", tenantID, "duration", time.Since(start).String())
	return nil
}

func (c *ConfigCache) lookup(tenantID string) (TenantConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.entries[tenantID]
	return cfg, ok
}

func (c *ConfigCache) version(tenantID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versions[tenantID]
}

// publish stores cfg unless tenantID was invalidated after version was read.
func (c *ConfigCache) publish(tenantID string, cfg TenantConfig, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versions[tenantID] != version {
		c.logger.Debug("discarding tenant config invalidated during load", "tenantId", tenantID)
		return
	}
	c.entries[tenantID] = cfg
}

// storeError maps arbitrary store failures onto the package taxonomy.
func storeError(err error) error {
	if errors.Is(err, ErrTenantNotFound) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
