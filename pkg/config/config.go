// Package config loads the gateway configuration from the environment and an
// optional dotenv file.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment keys.
const (
	KeyIsMultitenant          = "IS_MULTITENANT"
	KeyMultitenantDatabaseURL = "MULTITENANT_DATABASE_URL"
	KeyAnonKey                = "ANON_KEY"
	KeyServiceKey             = "SERVICE_KEY"
	KeyJWTSecret              = "PGRST_JWT_SECRET"
	KeyDatabaseURL            = "DATABASE_URL"
	KeyPostgrestURL           = "POSTGREST_URL"
	KeyPostgrestURLSuffix     = "POSTGREST_URL_SUFFIX"
	KeyTenantID               = "TENANT_ID"
	KeyProjectRef             = "PROJECT_REF"
	KeyRegion                 = "REGION"
	KeyStorageBackend         = "STORAGE_BACKEND"
	KeyFileSizeLimit          = "FILE_SIZE_LIMIT"
	KeyFileStoragePath        = "FILE_STORAGE_BACKEND_PATH"
	KeyGlobalS3Bucket         = "GLOBAL_S3_BUCKET"
	KeyGlobalS3Endpoint       = "GLOBAL_S3_ENDPOINT"
	KeyXForwardedHostRegExp   = "X_FORWARDED_HOST_REGEXP"
	KeyRequestIDHeader        = "REQUEST_ID_HEADER"
	KeyAdminAPIKeys           = "ADMIN_API_KEYS"
	KeyServerAddr             = "SERVER_ADDR"
	KeyWarmConcurrency        = "TENANT_WARM_CONCURRENCY"
	KeyMigrationTimeout       = "MIGRATION_TIMEOUT"
	KeyMigrationsTable        = "MIGRATIONS_TABLE"
)

const (
	DefaultServerAddr      = ":5000"
	DefaultWarmConcurrency = 100
	DefaultMigrationsTable = "storage_migrations"
	DefaultStorageBackend  = "s3"
	DefaultRequestIDHeader = "X-Request-Id"
)

// ErrMissingKey is returned when a required key is unset.
var ErrMissingKey = errors.New("required configuration is undefined")

// StorageConfig is the process configuration.
type StorageConfig struct {
	IsMultitenant bool

	// MultitenantDatabaseURL points at the tenant registry database.
	MultitenantDatabaseURL string

	// Single-tenant secrets. Optional in multitenant mode, where each
	// tenant's values come from the registry.
	AnonKey      string
	ServiceKey   string
	JWTSecret    string
	DatabaseURL  string
	PostgrestURL string
	TenantID     string

	// PostgrestURLSuffix is appended to a tenant id to form its PostgREST
	// base URL in multitenant mode.
	PostgrestURLSuffix string

	Region           string
	StorageBackend   string
	FileSizeLimit    int64
	FileStoragePath  string
	GlobalS3Bucket   string
	GlobalS3Endpoint string

	XForwardedHostRegExp string
	RequestIDHeader      string
	AdminAPIKeys         []string

	ServerAddr       string
	WarmConcurrency  int
	MigrationTimeout time.Duration
	MigrationsTable  string
}

// New returns a viper instance reading from the environment with defaults set.
func New() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault(KeyServerAddr, DefaultServerAddr)
	v.SetDefault(KeyWarmConcurrency, DefaultWarmConcurrency)
	v.SetDefault(KeyMigrationsTable, DefaultMigrationsTable)
	v.SetDefault(KeyStorageBackend, DefaultStorageBackend)
	v.SetDefault(KeyRequestIDHeader, DefaultRequestIDHeader)
	return v
}

// ReadEnvFile merges a dotenv file into v. A missing file is not an error.
// Values already present in the environment take precedence.
func ReadEnvFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read env file %s: %w", path, err)
	}
	return nil
}

// Load builds a StorageConfig from v and validates it.
func Load(v *viper.Viper) (*StorageConfig, error) {
	cfg := &StorageConfig{
		IsMultitenant:          v.GetBool(KeyIsMultitenant),
		MultitenantDatabaseURL: v.GetString(KeyMultitenantDatabaseURL),
		AnonKey:                v.GetString(KeyAnonKey),
		ServiceKey:             v.GetString(KeyServiceKey),
		JWTSecret:              v.GetString(KeyJWTSecret),
		DatabaseURL:            v.GetString(KeyDatabaseURL),
		PostgrestURL:           v.GetString(KeyPostgrestURL),
		PostgrestURLSuffix:     v.GetString(KeyPostgrestURLSuffix),
		TenantID:               v.GetString(KeyProjectRef),
		Region:                 v.GetString(KeyRegion),
		StorageBackend:         v.GetString(KeyStorageBackend),
		FileSizeLimit:          v.GetInt64(KeyFileSizeLimit),
		FileStoragePath:        v.GetString(KeyFileStoragePath),
		GlobalS3Bucket:         v.GetString(KeyGlobalS3Bucket),
		GlobalS3Endpoint:       v.GetString(KeyGlobalS3Endpoint),
		XForwardedHostRegExp:   v.GetString(KeyXForwardedHostRegExp),
		RequestIDHeader:        v.GetString(KeyRequestIDHeader),
		AdminAPIKeys:           splitList(v.GetString(KeyAdminAPIKeys)),
		ServerAddr:             v.GetString(KeyServerAddr),
		WarmConcurrency:        v.GetInt(KeyWarmConcurrency),
		MigrationTimeout:       v.GetDuration(KeyMigrationTimeout),
		MigrationsTable:        v.GetString(KeyMigrationsTable),
	}
	if cfg.TenantID == "" {
		cfg.TenantID = v.GetString(KeyTenantID)
	}
	if cfg.WarmConcurrency <= 0 {
		cfg.WarmConcurrency = DefaultWarmConcurrency
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every key required by the current mode is set.
func (c *StorageConfig) Validate() error {
	var required map[string]string
	if c.IsMultitenant {
		required = map[string]string{
			KeyMultitenantDatabaseURL: c.MultitenantDatabaseURL,
			KeyXForwardedHostRegExp:   c.XForwardedHostRegExp,
			KeyPostgrestURLSuffix:     c.PostgrestURLSuffix,
		}
	} else {
		required = map[string]string{
			KeyAnonKey:      c.AnonKey,
			KeyServiceKey:   c.ServiceKey,
			KeyJWTSecret:    c.JWTSecret,
			KeyPostgrestURL: c.PostgrestURL,
			KeyTenantID:     c.TenantID,
		}
	}

	var missing []string
	for key, value := range required {
		if value == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: %s", ErrMissingKey, strings.Join(missing, ", "))
	}
	return nil
}

// TenantBaseURL returns the PostgREST base URL for tenantID. In single-tenant
// mode it is the configured POSTGREST_URL.
func (c *StorageConfig) TenantBaseURL(tenantID string) string {
	if !c.IsMultitenant {
		return c.PostgrestURL
	}
	return "https://" + tenantID + c.PostgrestURLSuffix
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
