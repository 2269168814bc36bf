// Package ha holds primitives for running several gateway replicas against
// one tenant registry.
package ha

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// DefaultLockName identifies the tenant registry schema lock.
const DefaultLockName = "storage-tenant-registry"

// MigrationLocker serializes schema changes to the registry across replicas.
type MigrationLocker interface {
	// WithLock runs fn while holding the lock and releases it afterwards.
	WithLock(ctx context.Context, fn func() error) error
}

// LockConfig tunes the table-based lock used on databases without advisory
// locks.
type LockConfig struct {
	Name          string
	Retries       int
	RetryInterval time.Duration
	// StaleAfter is how old a lock row must be before another holder may
	// break it.
	StaleAfter time.Duration
}

// DefaultLockConfig returns a LockConfig with sensible defaults.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		Name:          DefaultLockName,
		Retries:       30,
		RetryInterval: time.Second,
		StaleAfter:    5 * time.Minute,
	}
}

// NewMigrationLocker returns a locker for db's dialect: a session advisory
// lock on Postgres and a lock row elsewhere. A nil db runs fn unlocked.
func NewMigrationLocker(db *gorm.DB, cfg LockConfig) MigrationLocker {
	if db == nil {
		return noopLock{}
	}
	if cfg.Name == "" {
		cfg.Name = DefaultLockName
	}
	if db.Dialector.Name() == "postgres" {
		return &advisoryLock{db: db, key: int64(crc32.ChecksumIEEE([]byte(cfg.Name)))}
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	// Create the lock table up front so concurrent first callers do not race
	// on it.
	_ = db.AutoMigrate(&lockRecord{})
	return &rowLock{db: db, cfg: cfg}
}

type noopLock struct{}

func (noopLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

// advisoryLock pins one pooled connection for the lock's lifetime, since
// Postgres advisory locks belong to a session.
type advisoryLock struct {
	db  *gorm.DB
	key int64
}

func (l *advisoryLock) WithLock(ctx context.Context, fn func() error) error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("get registry connection pool: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get registry connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", l.key); err != nil {
		return fmt.Errorf("acquire registry migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", l.key)
	}()

	return fn()
}

// lockRecord is the lock row used by rowLock.
type lockRecord struct {
	Name     string    `gorm:"primaryKey;column:name"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (lockRecord) TableName() string { return "registry_migration_lock" }

// rowLock holds the lock while its row exists. Rows older than StaleAfter are
// treated as left behind by a crashed holder.
type rowLock struct {
	db  *gorm.DB
	cfg LockConfig
}

var errLockHeld = errors.New("registry migration lock is held")

func (l *rowLock) WithLock(ctx context.Context, fn func() error) error {
	holder, _ := os.Hostname()
	if holder == "" {
		holder = "unknown"
	}

	var lastErr error
	for attempt := 0; attempt < l.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.cfg.RetryInterval):
			}
		}
		if lastErr = l.tryAcquire(ctx, holder); lastErr == nil {
			defer l.db.WithContext(context.WithoutCancel(ctx)).
				Where("name = ?", l.cfg.Name).Delete(&lockRecord{})
			return fn()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("acquire registry migration lock after %d attempts: %w", l.cfg.Retries, lastErr)
}

func (l *rowLock) tryAcquire(ctx context.Context, holder string) error {
	db := l.db.WithContext(ctx)
	if l.cfg.StaleAfter > 0 {
		db.Where("name = ? AND locked_at < ?", l.cfg.Name, time.Now().Add(-l.cfg.StaleAfter)).
			Delete(&lockRecord{})
	}
	if err := db.Create(&lockRecord{Name: l.cfg.Name, LockedAt: time.Now(), LockedBy: holder}).Error; err != nil {
		return fmt.Errorf("%w: %w", errLockHeld, err)
	}
	return nil
}
