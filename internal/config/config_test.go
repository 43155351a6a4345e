package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 30, cfg.Poll.ThreadsSeconds)
	assert.Equal(t, 10, cfg.Poll.MessagesSeconds)
	assert.Equal(t, 60, cfg.Poll.UnreadSeconds)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NotEmpty(t, cfg.Token)
	assert.NotEmpty(t, cfg.Database)
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Poll, cfg.Poll)
}

func TestLoadConfig_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "base_url": "https://portal.example.com/api/v1",
  "poll": {"messages_seconds": 5}
}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://portal.example.com/api/v1", cfg.BaseURL)
	assert.Equal(t, 5, cfg.Poll.MessagesSeconds)
	// Unset values fall back to the defaults.
	assert.Equal(t, 30, cfg.Poll.ThreadsSeconds)
	assert.Equal(t, 60, cfg.Poll.UnreadSeconds)
	assert.Equal(t, 50, cfg.PageSize)
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_RejectsBadBaseURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"base_url": "portal.example.com"}`), 0o600))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "base_url")
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")

	cfg := DefaultConfig()
	cfg.BaseURL = "http://localhost:8080/api"
	cfg.Poll.ThreadsSeconds = 15
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.BaseURL, loaded.BaseURL)
	assert.Equal(t, 15, loaded.Poll.ThreadsSeconds)
}

func TestIntervals(t *testing.T) {
	cfg := &Config{Poll: PollConfig{ThreadsSeconds: 30, MessagesSeconds: 10, UnreadSeconds: 60}}

	assert.Equal(t, 30*time.Second, cfg.ThreadsInterval())
	assert.Equal(t, 10*time.Second, cfg.MessagesInterval())
	assert.Equal(t, time.Minute, cfg.UnreadInterval())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "x"), ExpandHome("~/x"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
	assert.Equal(t, "relative", ExpandHome("relative"))
}
