package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:5000/api", cfg.API.BaseURL)
	assert.Equal(t, 10, cfg.API.TimeoutSec)
	assert.Equal(t, "ws://localhost:5000/ws", cfg.Realtime.URL)
	assert.Equal(t, 30, cfg.Realtime.MaxBackoffSec)
	assert.Equal(t, 20, cfg.Notifications.PageSize)
	assert.Equal(t, 300, cfg.Notifications.PollIntervalSec)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Metrics.Addr)
	assert.NotEmpty(t, cfg.Cache.Path)
}

func TestLoadConfig_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  base_url: https://tree.example.com/api
  timeout_sec: 0
notifications:
  page_size: 50
cache:
  path: ""
`), 0o600))

	t.Setenv("FAMILYTREE_LOG_LEVEL", "debug")
	t.Setenv("FAMILYTREE_REALTIME_URL", "wss://tree.example.com/ws")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://tree.example.com/api", cfg.API.BaseURL)
	assert.Equal(t, 10, cfg.API.TimeoutSec, "non-positive timeout falls back")
	assert.Equal(t, 50, cfg.Notifications.PageSize)
	assert.Empty(t, cfg.Cache.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "wss://tree.example.com/ws", cfg.Realtime.URL)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api: [unclosed"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg.API.BaseURL = "https://saved.example.com/api"
	cfg.Metrics.Addr = ":9090"

	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://saved.example.com/api", loaded.API.BaseURL)
	assert.Equal(t, ":9090", loaded.Metrics.Addr)
}
