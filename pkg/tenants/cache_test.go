package tenants

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/storage-api/pkg/metrics"
)

// fakeStore is an in-memory Store that counts reads.
type fakeStore struct {
	mu        sync.Mutex
	rows      map[string]TenantConfig
	getCalls  atomic.Int32
	listCalls atomic.Int32
	getErr    error
	listErr   error
}

func newFakeStore(rows map[string]TenantConfig) *fakeStore {
	if rows == nil {
		rows = make(map[string]TenantConfig)
	}
	return &fakeStore{rows: rows}
}

func (s *fakeStore) List(_ context.Context) ([]Tenant, error) {
	s.listCalls.Add(1)
	if s.listErr != nil {
		return nil, s.listErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Tenant, 0, len(s.rows))
	for id, cfg := range s.rows {
		out = append(out, Tenant{ID: id, Config: cfg})
	}
	return out, nil
}

func (s *fakeStore) Get(_ context.Context, id string) (TenantConfig, error) {
	s.getCalls.Add(1)
	if s.getErr != nil {
		return TenantConfig{}, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.rows[id]
	if !ok {
		return TenantConfig{}, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	return cfg, nil
}

func (s *fakeStore) Upsert(_ context.Context, id string, cfg TenantConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[id] = cfg
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return ErrTenantNotFound
	}
	delete(s.rows, id)
	return nil
}

// fakeMigrator counts runs, can fail per database URL, and can be gated so a
// test controls when a migration finishes.
type fakeMigrator struct {
	calls   atomic.Int32
	failFor map[string]error

	// When gate is non-nil Migrate signals started and blocks until gate is
	// closed or its context ends.
	gate    chan struct{}
	started chan struct{}

	delay      time.Duration
	active     atomic.Int32
	maxActive  atomic.Int32
	startedOne sync.Once
}

func (m *fakeMigrator) Migrate(ctx context.Context, databaseURL string) error {
	m.calls.Add(1)
	cur := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		prev := m.maxActive.Load()
		if cur <= prev || m.maxActive.CompareAndSwap(prev, cur) {
			break
		}
	}

	if m.gate != nil {
		m.startedOne.Do(func() { close(m.started) })
		select {
		case <-m.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if err, ok := m.failFor[databaseURL]; ok {
		return err
	}
	return nil
}

func gatedMigrator() *fakeMigrator {
	return &fakeMigrator{
		gate:    make(chan struct{}),
		started: make(chan struct{}),
	}
}

func testConfig(id string) TenantConfig {
	return TenantConfig{
		AnonKey:     "anon-" + id,
		ServiceKey:  "service-" + id,
		JWTSecret:   "secret-" + id,
		DatabaseURL: "postgres://db/" + id,
	}
}

func TestGet_NotFound(t *testing.T) {
	store := newFakeStore(nil)
	migrator := &fakeMigrator{}
	c := NewConfigCache(store, migrator)

	_, err := c.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTenantNotFound)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int32(0), migrator.calls.Load())
}

func TestGet_CachesAfterMigration(t *testing.T) {
	store := newFakeStore(map[string]TenantConfig{"t1": testConfig("t1")})
	migrator := &fakeMigrator{}
	c := NewConfigCache(store, migrator)

	got, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, testConfig("t1"), got)

	again, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, got, again)

	assert.Equal(t, int32(1), store.getCalls.Load(), "second Get must not read the store")
	assert.Equal(t, int32(1), migrator.calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestGet_StoreUnavailable(t *testing.T) {
	store := newFakeStore(nil)
	store.getErr = errors.New("connection refused")
	c := NewConfigCache(store, &fakeMigrator{})

	_, err := c.Get(context.Background(), "t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 0, c.Len())
}

func TestGet_MigrationFailedIsRetried(t *testing.T) {
	cfg := testConfig("t1")
	store := newFakeStore(map[string]TenantConfig{"t1": cfg})
	migrator := &fakeMigrator{failFor: map[string]error{cfg.DatabaseURL: errors.New("syntax error")}}
	c := NewConfigCache(store, migrator)

	_, err := c.Get(context.Background(), "t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMigrationFailed)
	assert.Equal(t, 0, c.Len(), "a failed migration must not cache the config")

	delete(migrator.failFor, cfg.DatabaseURL)
	got, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
	assert.Equal(t, int32(2), migrator.calls.Load())
	assert.Equal(t, int32(2), store.getCalls.Load())
}

func TestInvalidate_ForcesFreshReadAndMigration(t *testing.T) {
	store := newFakeStore(map[string]TenantConfig{"t1": testConfig("t1")})
	migrator := &fakeMigrator{}
	c := NewConfigCache(store, migrator)
	ctx := context.Background()

	_, err := c.Get(ctx, "t1")
	require.NoError(t, err)

	updated := testConfig("t1")
	updated.DatabaseURL = "postgres://db/t1-moved"
	updated.AnonKey = "rotated"
	require.NoError(t, store.Upsert(ctx, "t1", updated))

	c.Invalidate("t1")
	assert.Equal(t, 0, c.Len())

	got, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, updated, got)
	assert.Equal(t, int32(2), store.getCalls.Load())
	assert.Equal(t, int32(2), migrator.calls.Load())
}

func TestInvalidate_UnknownTenantIsNoop(t *testing.T) {
	c := NewConfigCache(newFakeStore(nil), &fakeMigrator{})
	c.Invalidate("nobody")
	assert.Equal(t, 0, c.Len())
}

func TestGet_ConcurrentMissesCoalesce(t *testing.T) {
	store := newFakeStore(map[string]TenantConfig{"t1": testConfig("t1")})
	migrator := &fakeMigrator{delay: 20 * time.Millisecond}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := NewConfigCache(store, migrator, WithMetrics(m))

	const n = 50
	var wg sync.WaitGroup
	results := make([]TenantConfig, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), "t1")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), migrator.calls.Load(), "concurrent misses must share one migration")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, testConfig("t1"), results[i])
	}
	assert.Equal(t, 1, c.Len())
}

func TestGet_ConcurrentMissesShareFailure(t *testing.T) {
	cfg := testConfig("t1")
	store := newFakeStore(map[string]TenantConfig{"t1": cfg})
	migrator := gatedMigrator()
	migrator.failFor = map[string]error{cfg.DatabaseURL: errors.New("boom")}
	c := NewConfigCache(store, migrator)

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Get(context.Background(), "t1")
		}(i)
	}
	<-migrator.started
	time.Sleep(20 * time.Millisecond)
	close(migrator.gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.ErrorIs(t, errs[i], ErrMigrationFailed)
	}
	assert.Equal(t, 0, c.Len())
}

func TestGet_CancelledWaiterDoesNotCancelLoad(t *testing.T) {
	store := newFakeStore(map[string]TenantConfig{"t1": testConfig("t1")})
	migrator := gatedMigrator()
	c := NewConfigCache(store, migrator)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "t1")
		firstErr <- err
	}()
	<-migrator.started

	secondResult := make(chan TenantConfig, 1)
	secondErr := make(chan error, 1)
	go func() {
		cfg, err := c.Get(context.Background(), "t1")
		secondResult <- cfg
		secondErr <- err
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(migrator.gate)
	require.NoError(t, <-secondErr)
	assert.Equal(t, testConfig("t1"), <-secondResult)
	assert.Equal(t, int32(1), migrator.calls.Load())
	assert.Equal(t, 1, c.Len(), "the detached load must still publish")
}

func TestGet_MigrationTimeout(t *testing.T) {
	store := newFakeStore(map[string]TenantConfig{"t1": testConfig("t1")})
	migrator := gatedMigrator()
	c := NewConfigCache(store, migrator, WithCacheConfig(&CacheConfig{
		WarmConcurrency:  DefaultWarmConcurrency,
		MigrationTimeout: 20 * time.Millisecond,
	}))

	_, err := c.Get(context.Background(), "t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMigrationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Len())
}

func TestInvalidate_DuringLoadDoesNotResurrectEntry(t *testing.T) {
	store := newFakeStore(map[string]TenantConfig{"t1": testConfig("t1")})
	migrator := gatedMigrator()
	c := NewConfigCache(store, migrator)

	done := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), "t1")
		done <- err
	}()
	<-migrator.started

	c.Invalidate("t1")
	close(migrator.gate)
	require.NoError(t, <-done, "waiters of the stale load still get an answer")
	assert.Equal(t, 0, c.Len(), "stale load must not be published")

	_, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int32(2), store.getCalls.Load())
}

func TestRefresh(t *testing.T) {
	store := newFakeStore(map[string]TenantConfig{"t1": testConfig("t1")})
	migrator := &fakeMigrator{}
	c := NewConfigCache(store, migrator)
	ctx := context.Background()

	_, err := c.Get(ctx, "t1")
	require.NoError(t, err)

	updated := testConfig("t1")
	updated.ServiceKey = "new-service-key"
	require.NoError(t, c.Refresh(ctx, "t1", updated))

	got, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, updated, got)
	assert.Equal(t, int32(1), store.getCalls.Load())
	assert.Equal(t, int32(2), migrator.calls.Load())
}

func TestRefresh_MigrationFailureLeavesNoEntry(t *testing.T) {
	migrator := &fakeMigrator{failFor: map[string]error{"postgres://db/bad": errors.New("boom")}}
	c := NewConfigCache(newFakeStore(nil), migrator)

	err := c.Refresh(context.Background(), "t1", TenantConfig{DatabaseURL: "postgres://db/bad"})
	assert.ErrorIs(t, err, ErrMigrationFailed)
	assert.Equal(t, 0, c.Len())
}

func TestRefresh_ConcurrentGetJoinsMigration(t *testing.T) {
	store := newFakeStore(map[string]TenantConfig{"t1": testConfig("t1")})
	migrator := gatedMigrator()
	c := NewConfigCache(store, migrator)

	updated := testConfig("t1")
	updated.AnonKey = "new-anon-key"

	refreshErr := make(chan error, 1)
	go func() {
		refreshErr <- c.Refresh(context.Background(), "t1", updated)
	}()
	<-migrator.started

	getResult := make(chan TenantConfig, 1)
	getErr := make(chan error, 1)
	go func() {
		cfg, err := c.Get(context.Background(), "t1")
		getResult <- cfg
		getErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(migrator.gate)

	require.NoError(t, <-refreshErr)
	require.NoError(t, <-getErr)
	assert.Equal(t, updated, <-getResult)
	assert.Equal(t, int32(1), migrator.calls.Load(), "a Get during Refresh must not migrate again")
	assert.Equal(t, int32(1), migrator.maxActive.Load())
	assert.Equal(t, int32(0), store.getCalls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestKeyGetters(t *testing.T) {
	store := newFakeStore(map[string]TenantConfig{"t1": testConfig("t1")})
	c := NewConfigCache(store, &fakeMigrator{})
	ctx := context.Background()

	anon, err := c.AnonKey(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "anon-t1", anon)

	service, err := c.ServiceKey(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "service-t1", service)

	secret, err := c.JWTSecret(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "secret-t1", secret)

	_, err = c.AnonKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestWarmAll_OneFailureDoesNotStopOthers(t *testing.T) {
	rows := make(map[string]TenantConfig)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("t%d", i)
		rows[id] = testConfig(id)
	}
	store := newFakeStore(rows)
	migrator := &fakeMigrator{failFor: map[string]error{rows["t2"].DatabaseURL: errors.New("boom")}}
	c := NewConfigCache(store, migrator)

	result, err := c.WarmAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, result.Total)
	assert.Equal(t, 4, result.Cached)
	require.Len(t, result.Failed, 1)
	assert.ErrorIs(t, result.Failed["t2"], ErrMigrationFailed)
	assert.Equal(t, 4, c.Len())

	// Warm entries are served without store reads.
	for _, id := range []string{"t0", "t1", "t3", "t4"} {
		_, err := c.Get(context.Background(), id)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(0), store.getCalls.Load())
}

func TestWarmAll_BoundedConcurrency(t *testing.T) {
	rows := make(map[string]TenantConfig)
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("t%d", i)
		rows[id] = testConfig(id)
	}
	migrator := &fakeMigrator{delay: 10 * time.Millisecond}
	c := NewConfigCache(newFakeStore(rows), migrator, WithCacheConfig(&CacheConfig{WarmConcurrency: 3}))

	result, err := c.WarmAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, result.Cached)
	assert.LessOrEqual(t, migrator.maxActive.Load(), int32(3))
	assert.Equal(t, int32(12), migrator.calls.Load())
}

func TestWarmAll_ListFailure(t *testing.T) {
	store := newFakeStore(nil)
	store.listErr = errors.New("connection refused")
	c := NewConfigCache(store, &fakeMigrator{})

	_, err := c.WarmAll(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestMetricsRecorded(t *testing.T) {
	store := newFakeStore(map[string]TenantConfig{"t1": testConfig("t1")})
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := NewConfigCache(store, &fakeMigrator{}, WithMetrics(m))
	m.RegisterCacheSize(c.Len)

	_, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "t1")
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg,
		"storage_tenant_cache_hits_total",
		"storage_tenant_cache_misses_total",
		"storage_tenant_migrations_total",
		"storage_tenant_cache_entries")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestStaticSource(t *testing.T) {
	src := StaticSource{Config: testConfig("single")}
	got, err := src.Get(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, testConfig("single"), got)
}
