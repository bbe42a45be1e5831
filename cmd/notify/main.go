package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.taskflow/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Stream  ConfigStream  `toml:"stream"`
	Queue   ConfigQueue   `toml:"queue"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	APIKey     string `toml:"api_key"`
	BaseURL    string `toml:"base_url"`
	UseKeyring bool   `toml:"use_keyring"`
}

// ConfigStream holds notification stream settings.
type ConfigStream struct {
	Transport    string `toml:"transport"`
	StaleTimeout string `toml:"stale_timeout"`
}

// ConfigQueue holds offline queue settings.
type ConfigQueue struct {
	DBPath string `toml:"db_path"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.taskflow, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".taskflow")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}

	switch section {
	case "default":
		switch field {
		case "api_key":
			cfg.Default.APIKey = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "use_keyring":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("default.use_keyring must be true or false")
			}
			cfg.Default.UseKeyring = b
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "stream":
		switch field {
		case "transport":
			if value != "sse" && value != "websocket" {
				return fmt.Errorf("stream.transport must be sse or websocket")
			}
			cfg.Stream.Transport = value
		case "stale_timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("stream.stale_timeout: %w", err)
			}
			cfg.Stream.StaleTimeout = value
		default:
			return fmt.Errorf("unknown field %q in section [stream]", field)
		}
	case "queue":
		switch field {
		case "db_path":
			cfg.Queue.DBPath = value
		default:
			return fmt.Errorf("unknown field %q in section [queue]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, stream, queue)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:          "taskflow-notify",
	Short:        "taskflow notifications CLI",
	Long:         "Command-line interface for taskflow notifications.\nWatch the live notification stream, manage unread state, and replay requests queued while offline.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
