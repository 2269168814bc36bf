package main

import (
	"github.com/spf13/cobra"

	"github.com/kubeflow/storage-api/pkg/tenants"
)

var showSecrets bool

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Inspect the tenant registry",
}

// tenantView is the printed form of a registry row.
type tenantView struct {
	ID          string `json:"id"`
	AnonKey     string `json:"anonKey"`
	ServiceKey  string `json:"serviceKey"`
	JWTSecret   string `json:"jwtSecret"`
	DatabaseURL string `json:"databaseUrl"`
}

func newTenantView(id string, cfg tenants.TenantConfig) tenantView {
	view := tenantView{
		ID:          id,
		AnonKey:     cfg.AnonKey,
		ServiceKey:  cfg.ServiceKey,
		JWTSecret:   cfg.JWTSecret,
		DatabaseURL: cfg.DatabaseURL,
	}
	if !showSecrets {
		view.AnonKey = mask(view.AnonKey)
		view.ServiceKey = mask(view.ServiceKey)
		view.JWTSecret = mask(view.JWTSecret)
	}
	return view
}

var tenantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tenants",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openRegistry(cmd.Context(), registryDSN(v))
		if err != nil {
			return err
		}
		all, err := store.List(cmd.Context())
		if err != nil {
			return err
		}

		views := make([]tenantView, 0, len(all))
		for _, t := range all {
			views = append(views, newTenantView(t.ID, t.Config))
		}
		if outputFmt != "table" {
			return printOutput(cmd.OutOrStdout(), views)
		}

		rows := make([][]string, 0, len(views))
		for _, view := range views {
			rows = append(rows, []string{view.ID, view.AnonKey, view.DatabaseURL})
		}
		printTable(cmd.OutOrStdout(), []string{"id", "anon key", "database url"}, rows)
		return nil
	},
}

var tenantsGetCmd = &cobra.Command{
	Use:   "get <tenant-id>",
	Short: "Show one tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openRegistry(cmd.Context(), registryDSN(v))
		if err != nil {
			return err
		}
		cfg, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		view := newTenantView(args[0], cfg)
		if outputFmt != "table" {
			return printOutput(cmd.OutOrStdout(), view)
		}
		printTable(cmd.OutOrStdout(),
			[]string{"id", "anon key", "service key", "jwt secret", "database url"},
			[][]string{{view.ID, view.AnonKey, view.ServiceKey, view.JWTSecret, view.DatabaseURL}})
		return nil
	},
}

func init() {
	tenantsCmd.PersistentFlags().BoolVar(&showSecrets, "show-secrets", false, "Print keys and secrets unmasked")
	tenantsCmd.AddCommand(tenantsListCmd)
	tenantsCmd.AddCommand(tenantsGetCmd)
}
