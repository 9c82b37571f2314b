package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/feedesk/backend/internal/domain/fee"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("loads default values when nothing is configured", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "feedesk", cfg.App.Name)
		assert.Equal(t, "development", cfg.App.Env)
		assert.Equal(t, "feedesk.db", cfg.Local.Path)
		assert.Equal(t, "sqlite", cfg.Cache.Backend)
		assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
		assert.Equal(t, 5*time.Second, cfg.Remote.Timeout)
		assert.Equal(t, 2*time.Second, cfg.Network.Debounce)
		assert.Equal(t, fee.DefaultRetryPolicy(), cfg.Retry.Policy())
		assert.Equal(t, "INST", cfg.Receipt.Prefix(fee.DocumentTypeInstallmentReceipt))
		assert.Equal(t, "RCPT", cfg.Receipt.Prefix(fee.DocumentTypeReceipt))
		assert.Equal(t, fee.DefaultReceiptFormat, cfg.Receipt.Format)
		assert.Equal(t, 1.0, cfg.Telemetry.SamplingRatio)
		assert.False(t, cfg.Telemetry.TraceSQL)
	})

	t.Run("environment variables override defaults", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("FEEDESK_REMOTE_BASE_URL", "https://authority.example:8443")
		t.Setenv("FEEDESK_REMOTE_TIMEOUT", "750ms")
		t.Setenv("FEEDESK_RETRY_MAX_ATTEMPTS", "9")
		t.Setenv("FEEDESK_CACHE_BACKEND", "redis")
		t.Setenv("FEEDESK_APP_DEVICE_ID", "desk-2")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "https://authority.example:8443", cfg.Remote.BaseURL)
		assert.Equal(t, 750*time.Millisecond, cfg.Remote.Timeout)
		assert.Equal(t, 9, cfg.Retry.MaxAttempts)
		assert.Equal(t, "redis", cfg.Cache.Backend)
		assert.Equal(t, "desk-2", cfg.App.DeviceID)
	})

	t.Run("reads an explicit toml file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "feedesk.toml")
		content := `
[local]
path = "/var/lib/feedesk/ledger.db"

[retry]
max_attempts = 3
initial_backoff = "10ms"
max_backoff = "40ms"
multiplier = 1.5

[receipt]
installment_prefix = "INS"
format = "{prefix}/{school}/{year}/{seq:4}"
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		cfg, err := LoadFrom(path)
		require.NoError(t, err)

		assert.Equal(t, "/var/lib/feedesk/ledger.db", cfg.Local.Path)
		assert.Equal(t, fee.RetryPolicy{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond, Multiplier: 1.5}, cfg.Retry.Policy())
		assert.Equal(t, "INS", cfg.Receipt.InstallmentPrefix)
		assert.Equal(t, "{prefix}/{school}/{year}/{seq:4}", cfg.Receipt.Format)
	})

	t.Run("missing explicit file is an error", func(t *testing.T) {
		_, err := LoadFrom(filepath.Join(t.TempDir(), "nope.toml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, valid().validate())
	})

	t.Run("rejects unknown cache backend", func(t *testing.T) {
		cfg := valid()
		cfg.Cache.Backend = "memcached"
		assert.ErrorContains(t, cfg.validate(), "cache.backend")
	})

	t.Run("rejects retention shorter than ttl", func(t *testing.T) {
		cfg := valid()
		cfg.Cache.Retention = time.Second
		assert.ErrorContains(t, cfg.validate(), "cache.retention")
	})

	t.Run("rejects an invalid retry policy", func(t *testing.T) {
		cfg := valid()
		cfg.Retry.Multiplier = 0.5
		assert.ErrorContains(t, cfg.validate(), "retry")
	})

	t.Run("rejects a sampling ratio above one", func(t *testing.T) {
		cfg := valid()
		cfg.Telemetry.SamplingRatio = 1.5
		assert.ErrorContains(t, cfg.validate(), "telemetry.sampling_ratio")
	})

	t.Run("requires database password in production", func(t *testing.T) {
		cfg := valid()
		cfg.App.Env = "production"
		assert.ErrorContains(t, cfg.validate(), "database.password")

		cfg.Database.Password = "secret"
		cfg.Database.SSLMode = "require"
		assert.NoError(t, cfg.validate())
	})
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "fee", Password: "p@ss word", DBName: "feedesk", SSLMode: "disable"}
	assert.Equal(t, "postgres://fee:p%40ss%20word@db:5432/feedesk?sslmode=disable", d.DSN())
}
