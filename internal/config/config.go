// Package config loads and saves the user configuration stored as JSON in
// the state directory.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tracecast/tracecast/internal/paths"
)

// Defaults applied when the config file is absent or a field is unset.
const (
	DefaultMaxShares      = 5
	DefaultRetentionHours = 24
	DefaultBasePort       = 3000
)

// Config is the top-level config.json document.
type Config struct {
	// DefaultProvider is the tunnel provider used when StartShare names none.
	DefaultProvider string `json:"default_provider,omitempty"`
	// NgrokToken is passed to the ngrok provider when set.
	NgrokToken string `json:"ngrok_token,omitempty"`
	// DefaultPort is the base port the render server tries first.
	DefaultPort int `json:"default_port,omitempty"`
	// MaxShares caps concurrent shares; zero means DefaultMaxShares.
	MaxShares int `json:"max_shares,omitempty"`
	// RetentionHours controls cleanup of stopped/error records.
	RetentionHours int `json:"retention_hours,omitempty"`

	Daemon DaemonConfig `json:"daemon"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	// AutoStart permits clients to spawn the daemon on demand.
	// Stored as a pointer so absence means "enabled".
	AutoStart *bool `json:"auto_start,omitempty"`
}

// AutoStartEnabled reports whether clients may spawn the daemon.
func (d DaemonConfig) AutoStartEnabled() bool {
	return d.AutoStart == nil || *d.AutoStart
}

// Load reads the config file at the default location. A missing file is
// not an error; it yields the zero config.
func Load() (*Config, error) {
	path, err := paths.ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads a config file from an explicit path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the config to the default location, creating the state
// directory if needed. The write goes through a temp file and rename so a
// crash never leaves a half-written config.
func (c *Config) Save() error {
	path, err := paths.ConfigPath()
	if err != nil {
		return err
	}
	return c.SaveTo(path)
}

// SaveTo writes the config to an explicit path.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// EffectiveMaxShares returns the share cap with the default applied.
func (c *Config) EffectiveMaxShares() int {
	if c.MaxShares > 0 {
		return c.MaxShares
	}
	return DefaultMaxShares
}

// EffectiveRetentionHours returns the cleanup threshold with the default
// applied.
func (c *Config) EffectiveRetentionHours() int {
	if c.RetentionHours > 0 {
		return c.RetentionHours
	}
	return DefaultRetentionHours
}

// EffectivePort resolves the render server base port: an explicit override
// wins, then the configured default, then the built-in default.
func (c *Config) EffectivePort(override int) int {
	if override > 0 {
		return override
	}
	if c.DefaultPort > 0 {
		return c.DefaultPort
	}
	return DefaultBasePort
}
