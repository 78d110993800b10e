package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeTempConfig(t, `
ingest:
  token: "secret"
store:
  url: "postgres://localhost/excluster"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, "text", cfg.App.LogFormat)
	assert.Equal(t, 1000, cfg.Ingest.BatchLimit)
	assert.Equal(t, 10000, cfg.Ingest.RateLimitPerServicePerMin)
	assert.Equal(t, 600, cfg.Ingest.DedupWindowSeconds)
	assert.Equal(t, 8, cfg.Worker.PoolSize)
	assert.Equal(t, 10000, cfg.Worker.QueueCapacity)
	assert.Equal(t, 5000, cfg.Worker.RecordDeadlineMS)
	assert.Equal(t, 30, cfg.Worker.ShutdownGraceSeconds)
	assert.Equal(t, 300, cfg.Scheduler.TickSeconds)
	assert.Equal(t, 5, cfg.Scheduler.CodeIndexingMinIntervalMinutes)
	assert.Equal(t, "@weekly", cfg.Scheduler.CleanupCron)
	assert.Equal(t, 10, cfg.Store.MaxConns)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Contains(t, cfg.Extraction.VendorPrefixes, "node_modules/")
}

func TestLoadConfig_UnknownKeyRejected(t *testing.T) {
	path := writeTempConfig(t, `
ingest:
  token: "secret"
  bogus_key: true
store:
  url: "postgres://localhost/excluster"
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfig_MissingTokenFailsValidation(t *testing.T) {
	path := writeTempConfig(t, `
store:
  url: "postgres://localhost/excluster"
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfig_MissingStoreURLFailsValidation(t *testing.T) {
	path := writeTempConfig(t, `
ingest:
  token: "secret"
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestEnvironmentOverride(t *testing.T) {
	path := writeTempConfig(t, `
ingest:
  token: "secret"
store:
  url: "postgres://localhost/excluster"
`)

	t.Setenv("EXCLUSTER_WORKER_POOL_SIZE", "16")
	t.Setenv("EXCLUSTER_INGEST_TOKEN", "overridden")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Worker.PoolSize)
	assert.Equal(t, "overridden", cfg.Ingest.Token)
}

func TestValidateConfig_RejectsBadLogFormat(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Ingest.Token = "secret"
	cfg.Store.URL = "postgres://localhost/excluster"
	cfg.App.LogFormat = "xml"

	err := ValidateConfig(cfg)
	require.Error(t, err)
}
