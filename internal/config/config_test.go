package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patchsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadReadsYAMLAndFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
storage:
  profile: memory
docs:
  autosave_interval: 5s
  snapshot:
    interval: 10
log:
  format: console
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Server.Addr)
	require.Equal(t, 5*time.Second, cfg.Docs.AutosaveInterval)
	require.Equal(t, 10, cfg.Docs.Snapshot.Interval)
	require.Equal(t, 1<<20, cfg.Docs.Snapshot.MaxBytes)
	require.Equal(t, "console", cfg.Log.Format)
	require.Equal(t, "info", cfg.Log.Level)
	require.NotEmpty(t, cfg.Server.InstanceID)
	require.Equal(t, 3, cfg.Docs.SaveRetries)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "server:\n  adress: \":1\"\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9000\"\nauth:\n  rate_limit_max: 5\n")
	t.Setenv("PATCHSYNC_ADDR", ":7000")
	t.Setenv("PATCHSYNC_RATE_LIMIT_MAX", "50")
	t.Setenv("PATCHSYNC_BACKOFF_FACTOR", "1.5")
	t.Setenv("PATCHSYNC_IDLE_CLOSE", "2m")
	t.Setenv("PATCHSYNC_ORIGIN_PATTERNS", "a.example,b.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.Server.Addr)
	require.Equal(t, 50, cfg.Auth.RateLimitMax)
	require.Equal(t, 1.5, cfg.Docs.Backoff.Factor)
	require.Equal(t, 2*time.Minute, cfg.Docs.IdleClose)
	require.Equal(t, []string{"a.example", "b.example"}, cfg.Server.OriginPatterns)
}

func TestEnvHelpersFallBackOnInvalidValue(t *testing.T) {
	t.Setenv("PATCHSYNC_TEST_INT_BAD", "not-a-number")
	t.Setenv("PATCHSYNC_TEST_FLOAT_BAD", "x")
	t.Setenv("PATCHSYNC_TEST_DURATION_BAD", "soon")
	if got := intEnv("PATCHSYNC_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	if got := floatEnv("PATCHSYNC_TEST_FLOAT_BAD", 2); got != 2 {
		t.Fatalf("expected fallback 2, got %v", got)
	}
	if got := durationEnv("PATCHSYNC_TEST_DURATION_BAD", time.Second); got != time.Second {
		t.Fatalf("expected fallback 1s, got %s", got)
	}
	if got := intEnv("PATCHSYNC_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
}

func TestStorageProfiles(t *testing.T) {
	logDSN, recordDSN, err := StorageConfig{Profile: "memory"}.DSNs()
	require.NoError(t, err)
	require.Equal(t, "memory://", logDSN)
	require.Equal(t, "memory://", recordDSN)

	dir := t.TempDir()
	logDSN, recordDSN, err = StorageConfig{Profile: "durable-local", DataDir: dir}.DSNs()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(logDSN, "file://"))
	require.True(t, strings.HasSuffix(logDSN, "/patches"))
	require.True(t, strings.HasSuffix(recordDSN, "/records.json"))

	_, _, err = StorageConfig{Profile: "production"}.DSNs()
	require.True(t, errors.Is(err, ErrMissingProductionDSN))

	logDSN, recordDSN, err = StorageConfig{Profile: "prod", ProductionDSN: "postgres://db/sync", RecordDSN: "memory://"}.DSNs()
	require.NoError(t, err)
	require.Equal(t, "postgres://db/sync", logDSN)
	require.Equal(t, "memory://", recordDSN)

	_, _, err = StorageConfig{Profile: "cloud"}.DSNs()
	require.True(t, errors.Is(err, ErrUnknownProfile))
}

func TestProductionProfileReadsPostgresEnv(t *testing.T) {
	t.Setenv("PATCHSYNC_BACKEND_PROFILE", "production")
	t.Setenv("PATCHSYNC_POSTGRES_DSN", "postgres://localhost/patchsync")
	cfg, err := Load("")
	require.NoError(t, err)
	logDSN, _, err := cfg.Storage.DSNs()
	require.NoError(t, err)
	require.Equal(t, "postgres://localhost/patchsync", logDSN)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "xml"
	require.True(t, errors.Is(cfg.Validate(), ErrUnknownLogFormat))

	cfg = Default()
	cfg.Docs.Backoff.Factor = 0.5
	require.True(t, errors.Is(cfg.Validate(), ErrInvalidValue))

	var nilCfg *Config
	require.True(t, errors.Is(nilCfg.Validate(), ErrConfigIsNil))
}
