package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 256, cfg.WorkerPoolSize)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 4*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 2*time.Minute, cfg.RecoveryWindow)
	assert.NotEmpty(t, cfg.ServerName)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "chat.yaml")
	require.NoError(t, os.WriteFile(file, []byte("listen_addr: \":9000\"\nredis_addr: redis:6379\nstore_timeout: 2s\n"), 0o600))

	t.Setenv("CONFIG_FILE", file)
	t.Setenv("REDIS_ADDR", "cache.internal:6380")
	t.Setenv("HEARTBEAT_TIMEOUT", "45s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "cache.internal:6380", cfg.RedisAddr)
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 45*time.Second, cfg.HeartbeatTimeout)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("HEARTBEAT_INTERVAL", "40s")
	t.Setenv("HEARTBEAT_TIMEOUT", "30s")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
