// Package config loads and serves the gateway's layered configuration.
//
// Two sources are layered: a YAML file (the primary hierarchical config,
// default configs/config.yaml) and an environment overlay carrying secrets
// plus a small whitelist of override keys, optionally seeded from a .env
// file. A whitelisted environment variable shadows the file value at its
// logical key path; every other value comes from the file. Lookups take
// dot-joined paths ("trading.defaults.quantity") against an immutable
// snapshot; reloads swap the snapshot atomically so readers never observe a
// torn tree.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// envOverrides is the whitelist of environment variables and the config key
// path each one shadows. Only these names are consulted; arbitrary
// environment variables never leak into lookups.
var envOverrides = map[string]string{
	"OANDA_API_KEY":         "brokers.oanda.api_key",
	"OANDA_ACCOUNT_ID":      "brokers.oanda.account_id",
	"OANDA_API_URL":         "brokers.oanda.base_url",
	"ALPACA_API_KEY_ID":     "brokers.alpaca.api_key_id",
	"ALPACA_API_SECRET_KEY": "brokers.alpaca.api_secret_key",
	"WEBHOOK_SHARED_SECRET": "webhook_server.shared_secret",
}

// snapshot is one coherent view of the configuration: the parsed file tree
// plus the environment overlay captured at load time.
type snapshot struct {
	v   *viper.Viper      // file tree; dot-path lookups are case-insensitive
	env map[string]string // key path -> value, from whitelisted env vars
}

// Store serves configuration lookups. Safe for concurrent use; Reload and
// Save swap the underlying snapshot atomically.
type Store struct {
	logger   *slog.Logger
	filePath string
	cur      atomic.Pointer[snapshot]
}

// Load reads the .env overlay (missing file is fine) and the YAML config
// file. A missing config file yields an empty tree with a warning; a parse
// error yields an empty tree with a logged diagnostic. Neither is fatal:
// secrets may still arrive via the environment alone.
func Load(filePath, envPath string, logger *slog.Logger) (*Store, error) {
	logger = logger.With("component", "config")

	if err := godotenv.Load(envPath); err != nil {
		if os.IsNotExist(err) {
			logger.Debug("no env file", "path", envPath)
		} else {
			logger.Warn("failed to read env file", "path", envPath, "error", err)
		}
	}

	s := &Store{logger: logger, filePath: filePath}
	snap, err := readSnapshot(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("config file not found, starting with empty tree", "path", filePath)
		} else {
			logger.Error("failed to parse config file, continuing with empty tree", "path", filePath, "error", err)
		}
	}
	s.cur.Store(snap)
	return s, nil
}

// readSnapshot parses the file and captures the env whitelist. On any file
// problem it returns an empty usable snapshot plus the error.
func readSnapshot(filePath string) (*snapshot, error) {
	env := make(map[string]string, len(envOverrides))
	for name, path := range envOverrides {
		if val := os.Getenv(name); val != "" {
			env[path] = val
		}
	}

	v := viper.New()
	v.SetConfigFile(filePath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		// Empty tree on failure; the env overlay still applies.
		return &snapshot{v: viper.New(), env: env}, err
	}
	return &snapshot{v: v, env: env}, nil
}

// Reload re-reads the file and swaps the snapshot. Even on a failure the
// swap happens (to the empty tree) so the running state matches what a
// fresh process would load; parse errors are returned for the caller to
// surface.
func (s *Store) Reload() error {
	snap, err := readSnapshot(s.filePath)
	s.cur.Store(snap)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("config file not found on reload, serving empty tree", "path", s.filePath)
			return nil
		}
		s.logger.Error("config reload failed, now serving empty tree", "path", s.filePath, "error", err)
		return fmt.Errorf("reload config: %w", err)
	}
	s.logger.Info("config reloaded", "path", s.filePath)
	return nil
}

// Save atomically replaces the config file with the given tree and reloads.
// Callers should warn operators that some settings (notably broker.name)
// only take effect after a process restart.
func (s *Store) Save(tree map[string]any) error {
	nv := viper.New()
	nv.SetConfigType("yaml")
	if err := nv.MergeConfigMap(tree); err != nil {
		return fmt.Errorf("merge config tree: %w", err)
	}
	if dir := filepath.Dir(s.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	// WriteConfigAs derives the format from the extension, so the temp file
	// keeps .yaml and the swap stays within one directory.
	tmp := s.filePath + ".tmp.yaml"
	if err := nv.WriteConfigAs(tmp); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return s.Reload()
}

// FileTree returns the file portion of the configuration as a nested map.
// The environment overlay is deliberately excluded so secrets are never
// echoed back through the API.
func (s *Store) FileTree() map[string]any {
	return s.cur.Load().v.AllSettings()
}

// Path returns the config file location backing this store.
func (s *Store) Path() string {
	return s.filePath
}

// ServerConfig is the startup view of the serving and logging keys.
type ServerConfig struct {
	Host      string
	Port      int
	LogLevel  string
	LogFormat string
}

// ServerConfig resolves the webhook_server and logging keys with their
// documented defaults applied.
func (s *Store) ServerConfig() ServerConfig {
	return ServerConfig{
		Host:      s.GetString("webhook_server.host", "0.0.0.0"),
		Port:      s.GetInt("webhook_server.port", 5000),
		LogLevel:  s.GetString("logging.level", "info"),
		LogFormat: s.GetString("logging.format", "text"),
	}
}

// Get resolves a dot-joined key path: whitelisted environment overrides
// first, then the file tree. def is returned only when the full path cannot
// be traversed.
func (s *Store) Get(keyPath string, def any) any {
	snap := s.cur.Load()
	if val, ok := snap.env[keyPath]; ok {
		return val
	}
	if val := snap.v.Get(keyPath); val != nil {
		return val
	}
	return def
}

// Has reports whether the key path resolves to a value in either layer.
func (s *Store) Has(keyPath string) bool {
	return s.Get(keyPath, nil) != nil
}

// GetString returns the value at keyPath coerced to a string.
func (s *Store) GetString(keyPath, def string) string {
	raw := s.Get(keyPath, nil)
	if raw == nil {
		return def
	}
	out, err := cast.ToStringE(raw)
	if err != nil {
		return def
	}
	return out
}

// GetInt returns the value at keyPath coerced to an int.
func (s *Store) GetInt(keyPath string, def int) int {
	raw := s.Get(keyPath, nil)
	if raw == nil {
		return def
	}
	out, err := cast.ToIntE(raw)
	if err != nil {
		return def
	}
	return out
}

// GetStringSlice returns the value at keyPath coerced to a string slice.
func (s *Store) GetStringSlice(keyPath string, def []string) []string {
	raw := s.Get(keyPath, nil)
	if raw == nil {
		return def
	}
	out, err := cast.ToStringSliceE(raw)
	if err != nil {
		return def
	}
	return out
}

// GetDecimal returns the value at keyPath as an exact decimal. The raw value
// is stringified before conversion so YAML integers, floats, and quoted
// numbers all round-trip without binary float artifacts.
func (s *Store) GetDecimal(keyPath string, def decimal.Decimal) decimal.Decimal {
	raw := s.Get(keyPath, nil)
	if raw == nil {
		return def
	}
	str, err := cast.ToStringE(raw)
	if err != nil || str == "" {
		return def
	}
	d, err := decimal.NewFromString(str)
	if err != nil {
		return def
	}
	return d
}
