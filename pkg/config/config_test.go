package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	KeyIsMultitenant, KeyMultitenantDatabaseURL, KeyAnonKey, KeyServiceKey,
	KeyJWTSecret, KeyDatabaseURL, KeyPostgrestURL, KeyPostgrestURLSuffix,
	KeyTenantID, KeyProjectRef, KeyRegion, KeyStorageBackend, KeyFileSizeLimit,
	KeyFileStoragePath, KeyGlobalS3Bucket, KeyGlobalS3Endpoint,
	KeyXForwardedHostRegExp, KeyRequestIDHeader, KeyAdminAPIKeys,
	KeyServerAddr, KeyWarmConcurrency, KeyMigrationTimeout, KeyMigrationsTable,
}

// clearEnv blanks every known key so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func setEnv(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

var singleTenantEnv = map[string]string{
	KeyAnonKey:      "anon",
	KeyServiceKey:   "service",
	KeyJWTSecret:    "secret",
	KeyPostgrestURL: "http://localhost:3000",
	KeyTenantID:     "local",
}

func TestLoad_SingleTenant(t *testing.T) {
	clearEnv(t)
	setEnv(t, singleTenantEnv)

	cfg, err := Load(New())
	require.NoError(t, err)

	assert.False(t, cfg.IsMultitenant)
	assert.Equal(t, "anon", cfg.AnonKey)
	assert.Equal(t, "service", cfg.ServiceKey)
	assert.Equal(t, "secret", cfg.JWTSecret)
	assert.Equal(t, "local", cfg.TenantID)
	assert.Equal(t, DefaultServerAddr, cfg.ServerAddr)
	assert.Equal(t, DefaultWarmConcurrency, cfg.WarmConcurrency)
	assert.Equal(t, DefaultMigrationsTable, cfg.MigrationsTable)
	assert.Equal(t, DefaultRequestIDHeader, cfg.RequestIDHeader)
	assert.Equal(t, "http://localhost:3000", cfg.TenantBaseURL("ignored"))
}

func TestLoad_ProjectRefWinsOverTenantID(t *testing.T) {
	clearEnv(t)
	setEnv(t, singleTenantEnv)
	t.Setenv(KeyProjectRef, "ref")

	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, "ref", cfg.TenantID)
}

func TestLoad_MissingSecrets(t *testing.T) {
	tests := []struct {
		name    string
		envs    map[string]string
		missing []string
	}{
		{
			name:    "single tenant without secrets",
			envs:    map[string]string{KeyPostgrestURL: "http://localhost:3000", KeyTenantID: "t"},
			missing: []string{KeyAnonKey, KeyJWTSecret, KeyServiceKey},
		},
		{
			name:    "multitenant without registry",
			envs:    map[string]string{KeyIsMultitenant: "true", KeyXForwardedHostRegExp: `^(\w+)\.x$`, KeyPostgrestURLSuffix: ".x/rest/v1"},
			missing: []string{KeyMultitenantDatabaseURL},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			setEnv(t, tt.envs)

			_, err := Load(New())
			require.ErrorIs(t, err, ErrMissingKey)
			for _, key := range tt.missing {
				assert.Contains(t, err.Error(), key)
			}
		})
	}
}

func TestLoad_Multitenant(t *testing.T) {
	clearEnv(t)
	setEnv(t, map[string]string{
		KeyIsMultitenant:          "true",
		KeyMultitenantDatabaseURL: "postgres://registry",
		KeyXForwardedHostRegExp:   `^([a-z]{20})\.supabase\.co$`,
		KeyPostgrestURLSuffix:     ".supabase.co/rest/v1",
		KeyAdminAPIKeys:           "k1, k2,,",
		KeyWarmConcurrency:        "8",
		KeyMigrationTimeout:       "45s",
	})

	cfg, err := Load(New())
	require.NoError(t, err)

	assert.True(t, cfg.IsMultitenant)
	assert.Empty(t, cfg.AnonKey, "secrets are optional in multitenant mode")
	assert.Equal(t, []string{"k1", "k2"}, cfg.AdminAPIKeys)
	assert.Equal(t, 8, cfg.WarmConcurrency)
	assert.Equal(t, 45*time.Second, cfg.MigrationTimeout)
	assert.Equal(t, "https://abc.supabase.co/rest/v1", cfg.TenantBaseURL("abc"))
}

func TestLoad_NonPositiveConcurrencyFallsBack(t *testing.T) {
	clearEnv(t)
	setEnv(t, singleTenantEnv)
	t.Setenv(KeyWarmConcurrency, "0")

	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, DefaultWarmConcurrency, cfg.WarmConcurrency)
}

func TestReadEnvFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(KeyServiceKey, "from-env")

	path := filepath.Join(t.TempDir(), ".env")
	content := "ANON_KEY=from-file\nSERVICE_KEY=file-service\nPGRST_JWT_SECRET=s\nPOSTGREST_URL=http://pgrst\nTENANT_ID=t\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	v := New()
	require.NoError(t, ReadEnvFile(v, path))
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.AnonKey)
	assert.Equal(t, "from-env", cfg.ServiceKey, "environment overrides the env file")
}

func TestReadEnvFile_Missing(t *testing.T) {
	v := New()
	assert.NoError(t, ReadEnvFile(v, filepath.Join(t.TempDir(), "absent.env")))
	assert.NoError(t, ReadEnvFile(v, ""))
}
