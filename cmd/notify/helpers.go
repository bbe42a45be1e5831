package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"

	notify "github.com/taskflow-crm/notify-go"
)

// newLogger builds the CLI logger from --log-level and --log-format. Logs go
// to stderr so command output stays pipeable.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	}))
}

// resolveToken returns the API key from the keyring or the config file.
func resolveToken(cfg *Config) (string, error) {
	if cfg.Default.UseKeyring {
		tok, err := credentialGet(tokenKey)
		if err != nil {
			return "", fmt.Errorf("no token in keyring, run 'taskflow-notify login <api-key>': %w", err)
		}
		return tok, nil
	}
	if cfg.Default.APIKey == "" {
		return "", fmt.Errorf("no API key, run 'taskflow-notify init <api-key>' or 'taskflow-notify login <api-key>' first")
	}
	return cfg.Default.APIKey, nil
}

// getClient creates an authenticated client from the stored configuration.
func getClient() (*notify.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	tok, err := resolveToken(cfg)
	if err != nil {
		return nil, nil, err
	}

	opts := []notify.ClientOption{notify.WithLogger(newLogger(logLevel, logFormat))}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, notify.WithBaseURL(cfg.Default.BaseURL))
	}
	return notify.NewClient(tok, opts...), cfg, nil
}

// openStorage opens the SQLite state database holding the offline queue.
func openStorage(cfg *Config) (*notify.SQLiteStorage, error) {
	path := cfg.Queue.DBPath
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "state.db")
	}
	return notify.OpenSQLiteStorage(path)
}

// maskKey shows the first 6 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 10 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
