package tenants

import "context"

// SecretsSource yields the credentials used for downstream calls on behalf of
// a tenant. In single-tenant mode the secrets come from process configuration;
// in multitenant mode they come from the ConfigCache.
type SecretsSource interface {
	Get(ctx context.Context, tenantID string) (TenantConfig, error)
}

// StaticSource returns the same config for every tenant id.
type StaticSource struct {
	Config TenantConfig
}

// Get always returns s.Config.
func (s StaticSource) Get(_ context.Context, _ string) (TenantConfig, error) {
	return s.Config, nil
}

var (
	_ SecretsSource = StaticSource{}
	_ SecretsSource = (*ConfigCache)(nil)
)
