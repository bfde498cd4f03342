package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearClientEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SCHOOLSYNC_API_BASE", "SCHOOLSYNC_APP_ID", "SCHOOLSYNC_DATA_DIR",
		"SCHOOLSYNC_DEVICE_SECRET", "SCHOOLSYNC_ALLOW_INSECURE", "SCHOOLSYNC_SYNC_INTERVAL",
		"SCHOOLSYNC_HTTP_TIMEOUT", "SCHOOLSYNC_NET_RETRIES", "SCHOOLSYNC_429_RETRIES",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadClient_Defaults(t *testing.T) {
	clearClientEnv(t)
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")

	cfg, err := LoadClient()
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080", cfg.APIBase)
	require.Equal(t, filepath.Join("/tmp/xdg", "schoolsync"), cfg.DataDir)
	require.Equal(t, time.Minute, cfg.SyncInterval)
	require.Equal(t, 3, cfg.NetRetries)
	require.Equal(t, 3, cfg.RateRetries)
	require.False(t, cfg.AllowInsecure)
}

func TestLoadClient_Overrides(t *testing.T) {
	clearClientEnv(t)
	t.Setenv("SCHOOLSYNC_API_BASE", "https://api.school.test/v1/")
	t.Setenv("SCHOOLSYNC_ALLOW_INSECURE", "true")
	t.Setenv("SCHOOLSYNC_SYNC_INTERVAL", "30s")
	t.Setenv("SCHOOLSYNC_429_RETRIES", "0")
	t.Setenv("SCHOOLSYNC_DEVICE_SECRET", "s3cr3t")

	cfg, err := LoadClient()
	require.NoError(t, err)
	require.Equal(t, "https://api.school.test/v1", cfg.APIBase)
	require.True(t, cfg.AllowInsecure)
	require.Equal(t, 30*time.Second, cfg.SyncInterval)
	require.Equal(t, 0, cfg.RateRetries)
	require.Equal(t, "s3cr3t", cfg.DeviceSecret)
}

func TestLoadClient_BadValues(t *testing.T) {
	cases := map[string]string{
		"SCHOOLSYNC_SYNC_INTERVAL":  "soon",
		"SCHOOLSYNC_NET_RETRIES":    "-1",
		"SCHOOLSYNC_ALLOW_INSECURE": "maybe",
		"SCHOOLSYNC_HTTP_TIMEOUT":   "0s",
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			clearClientEnv(t)
			t.Setenv(k, v)
			_, err := LoadClient()
			require.ErrorContains(t, err, k)
		})
	}
}

func TestLoadServer_Required(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "k")
	_, err := LoadServer()
	require.ErrorContains(t, err, "DATABASE_URL")

	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("JWT_SECRET", "")
	_, err = LoadServer()
	require.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "k")
	t.Setenv("SCHOOLSYNC_MAX_BATCH", "")
	t.Setenv("SCHOOLSYNC_ACCESS_TTL", "5m")
	cfg, err := LoadServer()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, cfg.AccessTTL)
	require.Equal(t, 500, cfg.MaxBatch)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(p, []byte("SCHOOLSYNC_APP_ID=from-dotenv\n"), 0o600))
	t.Setenv("SCHOOLSYNC_APP_ID", "")
	require.NoError(t, os.Unsetenv("SCHOOLSYNC_APP_ID"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), p))
	require.Equal(t, "from-dotenv", os.Getenv("SCHOOLSYNC_APP_ID"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "none")))
}
