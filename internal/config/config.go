// Package config loads the medchat configuration from a JSON file under the
// user's config directory, with sane defaults written on first run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PollConfig holds the refresh cadence for each pollable resource.
type PollConfig struct {
	ThreadsSeconds  int `json:"threads_seconds"`
	MessagesSeconds int `json:"messages_seconds"`
	UnreadSeconds   int `json:"unread_seconds"`
}

// Config holds all configuration for the medchat client.
type Config struct {
	// BaseURL is the portal messaging API root, e.g. https://portal.example.com/api/v1
	BaseURL string `json:"base_url"`

	// Token is the path to the session token file.
	Token string `json:"token"`

	// Database is the path to the local SQLite database (send outbox).
	Database string `json:"database"`

	Poll     PollConfig `json:"poll"`
	PageSize int        `json:"page_size"`

	// Logging
	LogFile  string `json:"log_file"`
	LogLevel string `json:"log_level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Token:    filepath.Join(defaultConfigDir(), "token.json"),
		Database: filepath.Join(defaultConfigDir(), "medchat.db"),
		Poll: PollConfig{
			ThreadsSeconds:  30,
			MessagesSeconds: 10,
			UnreadSeconds:   60,
		},
		PageSize: 50,
		LogLevel: "info",
	}
}

// DefaultConfigPath returns ~/.config/medchat/config.json.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".medchat"
	}
	return filepath.Join(home, ".config", "medchat")
}

// LoadConfig reads the config file at path, applying defaults for any
// missing values. A missing file returns the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		path = DefaultConfigPath()
	}
	path = ExpandHome(path)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON, creating the directory if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		path = DefaultConfigPath()
	}
	path = ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Token == "" {
		c.Token = def.Token
	}
	if c.Database == "" {
		c.Database = def.Database
	}
	if c.Poll.ThreadsSeconds <= 0 {
		c.Poll.ThreadsSeconds = def.Poll.ThreadsSeconds
	}
	if c.Poll.MessagesSeconds <= 0 {
		c.Poll.MessagesSeconds = def.Poll.MessagesSeconds
	}
	if c.Poll.UnreadSeconds <= 0 {
		c.Poll.UnreadSeconds = def.Poll.UnreadSeconds
	}
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

func (c *Config) validate() error {
	if c.BaseURL != "" && !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("base_url must start with http:// or https://")
	}
	return nil
}

// ThreadsInterval returns the thread-list poll cadence.
func (c *Config) ThreadsInterval() time.Duration {
	return time.Duration(c.Poll.ThreadsSeconds) * time.Second
}

// MessagesInterval returns the active-thread poll cadence.
func (c *Config) MessagesInterval() time.Duration {
	return time.Duration(c.Poll.MessagesSeconds) * time.Second
}

// UnreadInterval returns the unread-count poll cadence.
func (c *Config) UnreadInterval() time.Duration {
	return time.Duration(c.Poll.UnreadSeconds) * time.Second
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), string(os.PathSeparator)))
}
