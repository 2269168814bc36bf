package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kubeflow/storage-api/pkg/config"
	"github.com/kubeflow/storage-api/pkg/migrations"
	"github.com/kubeflow/storage-api/pkg/tenants"
)

var (
	migrateDatabaseURL string
	migrateAllTenants  bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the storage schema to tenant databases",
	Long: `migrate applies the embedded storage migrations.

With --database-url (or DATABASE_URL) it migrates a single database. With
--all-tenants it migrates every database in the tenant registry through the
same bounded warm pass the server runs at startup.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		runner := migrations.NewPostgresRunner(&migrations.Config{
			MigrationsTable: v.GetString(config.KeyMigrationsTable),
		}, logger)

		if !migrateAllTenants {
			url := migrateDatabaseURL
			if url == "" {
				url = v.GetString(config.KeyDatabaseURL)
			}
			if err := runner.Migrate(cmd.Context(), url); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "database migrated")
			return nil
		}

		store, err := openRegistry(cmd.Context(), registryDSN(v))
		if err != nil {
			return err
		}
		cache := tenants.NewConfigCache(store, runner,
			tenants.WithCacheConfig(&tenants.CacheConfig{
				WarmConcurrency:  v.GetInt(config.KeyWarmConcurrency),
				MigrationTimeout: v.GetDuration(config.KeyMigrationTimeout),
			}),
			tenants.WithLogger(logger),
		)
		return migrateTenants(cmd, cache)
	},
}

var migrateFilesCmd = &cobra.Command{
	Use:   "files",
	Short: "List the embedded migration files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := migrations.Files()
		if err != nil {
			return err
		}
		if outputFmt != "table" {
			return printOutput(cmd.OutOrStdout(), files)
		}
		rows := make([][]string, 0, len(files))
		for _, f := range files {
			rows = append(rows, []string{f})
		}
		printTable(cmd.OutOrStdout(), []string{"file"}, rows)
		return nil
	},
}

func migrateTenants(cmd *cobra.Command, cache *tenants.ConfigCache) error {
	res, err := cache.WarmAll(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "migrated %d of %d tenants\n", res.Cached, res.Total)
	for id, ferr := range res.Failed {
		fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %v\n", id, ferr)
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d tenant migrations failed", len(res.Failed))
	}
	return nil
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDatabaseURL, "database-url", "", "Database to migrate (default DATABASE_URL)")
	migrateCmd.Flags().BoolVar(&migrateAllTenants, "all-tenants", false, "Migrate every tenant in the registry")
	migrateCmd.AddCommand(migrateFilesCmd)
}
