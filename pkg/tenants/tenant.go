// Package tenants resolves per-tenant credentials for the storage API. It owns
// the tenant registry (Store), the in-memory config cache that guarantees a
// tenant's schema migrations have run before its config becomes visible, and
// the secrets cascade used by request handlers.
package tenants

import "errors"

var (
	// ErrTenantNotFound is returned when the tenant registry has no row for
	// the requested id.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrStoreUnavailable wraps failures reading the tenant registry.
	ErrStoreUnavailable = errors.New("tenant store unavailable")
	// ErrMigrationFailed wraps failures migrating a tenant database.
	ErrMigrationFailed = errors.New("tenant migration failed")
)

// TenantConfig holds the secrets and connection info for one tenant. Values
// are immutable once cached; an update replaces the whole struct.
type TenantConfig struct {
	AnonKey     string `json:"anonKey"`
	ServiceKey  string `json:"serviceKey"`
	JWTSecret   string `json:"jwtSecret"`
	DatabaseURL string `json:"databaseUrl"`
}

// Tenant is a registry row.
type Tenant struct {
	ID     string
	Config TenantConfig
}
