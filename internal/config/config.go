package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Exercise string       `yaml:"exercise" toml:"exercise"`
	AutoScan bool         `yaml:"auto_scan" toml:"auto_scan"`
	LogLevel string       `yaml:"log_level" toml:"log_level"`
	Server   ServerConfig `yaml:"server" toml:"server"`
	Chime    ChimeConfig  `yaml:"chime" toml:"chime"`
	Hotkey   HotkeyConfig `yaml:"hotkey" toml:"hotkey"`
}

// ServerConfig holds the consumer HTTP/websocket server settings.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

// ChimeConfig holds the rep-completed sound settings.
type ChimeConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	WAVPath     string  `yaml:"wav_path" toml:"wav_path"` // empty plays a synthesized tone
	FrequencyHz float64 `yaml:"frequency_hz" toml:"frequency_hz"`
	DurationMs  int     `yaml:"duration_ms" toml:"duration_ms"`
	Volume      float64 `yaml:"volume" toml:"volume"` // 0..1
}

// HotkeyConfig holds global key bindings.
type HotkeyConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	ResetKeys []string `yaml:"reset_keys" toml:"reset_keys"`
	ScanKeys  []string `yaml:"scan_keys" toml:"scan_keys"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "repsense")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Exercise: "squat",
		AutoScan: true,
		LogLevel: "info",
		Server: ServerConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8787",
		},
		Chime: ChimeConfig{
			Enabled:     true,
			FrequencyHz: 880,
			DurationMs:  150,
			Volume:      0.5,
		},
		Hotkey: HotkeyConfig{
			Enabled:   false,
			ResetKeys: []string{"ctrl", "shift", "0"},
			ScanKeys:  []string{"ctrl", "shift", "s"},
		},
	}
}

const defaultHeader = `# repsense configuration
# Radio identifiers and link timings are fixed at build time and cannot be
# set here. Delete a key to fall back to its default.
`

// WriteDefault writes the default config to DefaultConfigPath. If a file is
// already there it is left alone and ("", nil) is returned.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Load reads and parses a config file. Files ending in .toml are decoded as
// TOML, everything else as YAML. Missing fields are filled with defaults.
// Tilde (~) in chime.wav_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Chime.WAVPath = expandTilde(cfg.Chime.WAVPath)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Exercise) == "" {
		return fmt.Errorf("exercise must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty when the server is enabled")
	}

	if c.Chime.Enabled {
		if c.Chime.WAVPath == "" && c.Chime.FrequencyHz <= 0 {
			return fmt.Errorf("chime.frequency_hz must be > 0")
		}
		if c.Chime.DurationMs <= 0 {
			return fmt.Errorf("chime.duration_ms must be > 0")
		}
		if c.Chime.Volume < 0 || c.Chime.Volume > 1 {
			return fmt.Errorf("chime.volume must be between 0 and 1, got %v", c.Chime.Volume)
		}
	}

	if c.Hotkey.Enabled {
		if len(c.Hotkey.ResetKeys) == 0 {
			return fmt.Errorf("hotkey.reset_keys must not be empty")
		}
		if len(c.Hotkey.ScanKeys) == 0 {
			return fmt.Errorf("hotkey.scan_keys must not be empty")
		}
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
