// Package migrations applies the storage schema to tenant databases using
// golang-migrate with migrations embedded in the binary.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed tenant/*.sql
var tenantMigrations embed.FS

// DefaultMigrationsTable is the table golang-migrate uses to track the
// applied version in each tenant database.
const DefaultMigrationsTable = "storage_migrations"

// ErrNoDatabaseURL is returned when a tenant has no database configured.
var ErrNoDatabaseURL = errors.New("database url is empty")

// Runner applies the tenant schema to the database at databaseURL. Running it
// against an up-to-date database is a no-op.
type Runner interface {
	Migrate(ctx context.Context, databaseURL string) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, databaseURL string) error

// Migrate calls f.
func (f RunnerFunc) Migrate(ctx context.Context, databaseURL string) error {
	return f(ctx, databaseURL)
}

// Config controls how tenant migrations are applied.
type Config struct {
	// MigrationsTable overrides DefaultMigrationsTable.
	MigrationsTable string

	// StatementTimeout bounds each migration statement. Zero means no limit.
	StatementTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MigrationsTable: DefaultMigrationsTable,
	}
}

// PostgresRunner migrates Postgres tenant databases.
type PostgresRunner struct {
	cfg    *Config
	logger *slog.Logger
}

// NewPostgresRunner creates a PostgresRunner. A nil cfg uses DefaultConfig.
func NewPostgresRunner(cfg *Config, logger *slog.Logger) *PostgresRunner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRunner{cfg: cfg, logger: logger}
}

// Migrate opens databaseURL and applies every pending migration. golang-migrate
// holds a Postgres advisory lock for the duration, so replicas migrating the
// same tenant serialize. Cancelling ctx stops after the current migration.
func (r *PostgresRunner) Migrate(ctx context.Context, databaseURL string) error {
	if databaseURL == "" {
		return ErrNoDatabaseURL
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("open tenant database: %w", redact(err, databaseURL))
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to tenant database: %w", redact(err, databaseURL))
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable:  r.cfg.MigrationsTable,
		StatementTimeout: r.cfg.StatementTimeout,
	})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", redact(err, databaseURL))
	}

	src, err := Source()
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	m.Log = &migrateLogger{logger: r.logger}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			select {
			case m.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()

	start := time.Now()
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	if err != nil {
		version, dirty, _ := m.Version()
		return fmt.Errorf("apply tenant migrations (version %d, dirty %t): %w", version, dirty, redact(err, databaseURL))
	}
	if ctx.Err() != nil {
		return fmt.Errorf("tenant migrations interrupted: %w", ctx.Err())
	}

	version, _, _ := m.Version()
	r.logger.Info("applied tenant migrations",
		"version", version,
		"duration", time.Since(start).String())
	return nil
}

// Source returns a golang-migrate source over the embedded tenant migrations.
func Source() (source.Driver, error) {
	src, err := iofs.New(tenantMigrations, "tenant")
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	return src, nil
}

// Files lists the embedded migration file names.
func Files() ([]string, error) {
	entries, err := fs.ReadDir(tenantMigrations, "tenant")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// redactedError hides a database URL, and the password inside it, from the
// text of a wrapped error while keeping it reachable for errors.Is and As.
type redactedError struct {
	err     error
	secrets []string
}

func (e *redactedError) Error() string {
	msg := e.err.Error()
	for _, secret := range e.secrets {
		msg = strings.ReplaceAll(msg, secret, "xxxxx")
	}
	return msg
}

func (e *redactedError) Unwrap() error { return e.err }

// redact wraps err so that databaseURL never appears in its message. Drivers
// quote the URL verbatim in parse errors, password included.
func redact(err error, databaseURL string) error {
	if err == nil || databaseURL == "" {
		return err
	}
	secrets := []string{databaseURL}
	if u, perr := url.Parse(databaseURL); perr == nil && u.User != nil {
		if pw, ok := u.User.Password(); ok && pw != "" {
			secrets = append(secrets, pw)
		}
	} else if i := strings.Index(databaseURL, "://"); i >= 0 {
		// Unparseable URL: fall back to the userinfo between scheme and host.
		rest := databaseURL[i+3:]
		if at := strings.LastIndex(rest, "@"); at >= 0 {
			if _, pw, ok := strings.Cut(rest[:at], ":"); ok && pw != "" {
				secrets = append(secrets, pw)
			}
		}
	}
	for _, field := range strings.Fields(databaseURL) {
		if pw, ok := strings.CutPrefix(field, "password="); ok && pw != "" {
			secrets = append(secrets, pw)
		}
	}
	return &redactedError{err: err, secrets: secrets}
}

// migrateLogger routes golang-migrate output to slog at debug level.
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
