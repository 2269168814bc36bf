package main

import (
	"context"
	goflag "flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kubeflow/storage-api/pkg/config"
	"github.com/kubeflow/storage-api/pkg/ha"
	"github.com/kubeflow/storage-api/pkg/tenants"
)

var (
	envFile   string
	outputFmt string
	logLevel  string

	v = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "storage-api",
	Short: "Multi-tenant storage gateway",
	Long: `storage-api serves directory-style object listings on behalf of one or
many tenants. In multitenant mode each tenant's secrets and database live in a
registry table; tenant databases are migrated before their config is used.

Configuration is read from the environment and an optional dotenv file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.ReadEnvFile(v, envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file merged under the process environment")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	// glog flags (used for fatal startup errors).
	rootCmd.PersistentFlags().AddGoFlagSet(goflag.CommandLine)
	_ = goflag.Set("logtostderr", "true")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tenantsCmd)
}

// bindFlags maps command flags onto configuration keys so a flag, when set,
// overrides the environment.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) error {
	for flagName, key := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flagName)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flagName, err)
		}
	}
	return nil
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// openRegistry connects to the tenant registry database. Tests replace it.
var openRegistry = func(ctx context.Context, dsn string) (tenants.Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s is required", config.KeyMultitenantDatabaseURL)
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to tenant registry: %w", err)
	}
	store := tenants.NewGormStore(db)
	locker := ha.NewMigrationLocker(db, ha.DefaultLockConfig())
	if err := locker.WithLock(ctx, store.AutoMigrate); err != nil {
		return nil, fmt.Errorf("failed to migrate tenant registry: %w", err)
	}
	return store, nil
}

// registryDSN reads the registry DSN without validating the rest of the
// configuration.
func registryDSN(v *viper.Viper) string {
	return v.GetString(config.KeyMultitenantDatabaseURL)
}
