package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tracecast/tracecast/internal/config"
	"github.com/tracecast/tracecast/internal/paths"
	"github.com/tracecast/tracecast/internal/tunnel"
)

// ConfigValue pairs a setting with where it came from.
type ConfigValue struct {
	Value  string `json:"value"`
	Source string `json:"source"` // "config.json" or "default"
}

// ConfigShowResult contains the resolved effective configuration.
type ConfigShowResult struct {
	ConfigFile      string      `json:"config_file"`
	DefaultProvider ConfigValue `json:"default_provider"`
	DefaultPort     ConfigValue `json:"default_port"`
	MaxShares       ConfigValue `json:"max_shares"`
	RetentionHours  ConfigValue `json:"retention_hours"`
	AutoStart       ConfigValue `json:"daemon_auto_start"`
	NgrokTokenSet   bool        `json:"ngrok_token_set"`
}

// ConfigShow resolves the effective configuration.
func ConfigShow() (*ConfigShowResult, error) {
	path, err := paths.ConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	result := &ConfigShowResult{
		ConfigFile:    path,
		NgrokTokenSet: cfg.NgrokToken != "",
	}
	result.DefaultProvider = resolved(cfg.DefaultProvider, "cloudflare")
	result.DefaultPort = resolvedInt(cfg.DefaultPort, config.DefaultBasePort)
	result.MaxShares = resolvedInt(cfg.MaxShares, config.DefaultMaxShares)
	result.RetentionHours = resolvedInt(cfg.RetentionHours, config.DefaultRetentionHours)
	if cfg.Daemon.AutoStart == nil {
		result.AutoStart = ConfigValue{Value: "true", Source: "default"}
	} else {
		result.AutoStart = ConfigValue{Value: strconv.FormatBool(*cfg.Daemon.AutoStart), Source: "config.json"}
	}
	return result, nil
}

func resolved(value, fallback string) ConfigValue {
	if value != "" {
		return ConfigValue{Value: value, Source: "config.json"}
	}
	return ConfigValue{Value: fallback, Source: "default"}
}

func resolvedInt(value, fallback int) ConfigValue {
	if value > 0 {
		return ConfigValue{Value: strconv.Itoa(value), Source: "config.json"}
	}
	return ConfigValue{Value: strconv.Itoa(fallback), Source: "default"}
}

// ConfigSet updates one setting and saves the config file.
func ConfigSet(key, value string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	switch key {
	case "default_provider":
		if _, err := tunnel.ByName(value, tunnel.Options{}); err != nil {
			return err
		}
		cfg.DefaultProvider = value
	case "ngrok_token":
		cfg.NgrokToken = value
	case "default_port":
		port, err := strconv.Atoi(value)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid port %q", value)
		}
		cfg.DefaultPort = port
	case "max_shares":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid share limit %q", value)
		}
		cfg.MaxShares = n
	case "retention_hours":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid retention %q", value)
		}
		cfg.RetentionHours = n
	case "daemon.auto_start":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool %q", value)
		}
		cfg.Daemon.AutoStart = &b
	default:
		return fmt.Errorf("unknown config key %q", key)
	}

	return cfg.Save()
}

// FormatConfigShow renders the effective config for humans.
func FormatConfigShow(r *ConfigShowResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Config file: %s\n", r.ConfigFile)
	writeValue(&b, "default_provider", r.DefaultProvider)
	writeValue(&b, "default_port", r.DefaultPort)
	writeValue(&b, "max_shares", r.MaxShares)
	writeValue(&b, "retention_hours", r.RetentionHours)
	writeValue(&b, "daemon.auto_start", r.AutoStart)
	if r.NgrokTokenSet {
		fmt.Fprintf(&b, "  %-18s (set)\n", "ngrok_token")
	}
	return b.String()
}

func writeValue(b *strings.Builder, name string, v ConfigValue) {
	fmt.Fprintf(b, "  %-18s %s (%s)\n", name, v.Value, v.Source)
}
