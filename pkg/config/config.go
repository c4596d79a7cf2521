// Package config loads the YAML configuration shared by the familist binaries.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Hub     HubConfig     `yaml:"hub"`
	Journal JournalConfig `yaml:"journal"`
	Relay   RelayConfig   `yaml:"relay"`
	Client  ClientConfig  `yaml:"client"`
	Auth    AuthConfig    `yaml:"auth"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	// Addr is the http listen address.
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	// Path of the JSON dataset file.
	Path string `yaml:"path"`
	// ValidateReorder rejects reorders that drop, add or repeat ids.
	ValidateReorder bool `yaml:"validate_reorder"`
	// IdempotencyWindow is how many recent Idempotency-Key values are remembered.
	IdempotencyWindow int `yaml:"idempotency_window"`
}

type HubConfig struct {
	SendBuffer   int           `yaml:"send_buffer"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type JournalConfig struct {
	// Path of the automerge journal. Empty disables the journal.
	Path string `yaml:"path"`
}

type RelayConfig struct {
	// NATSURL enables the relay when set.
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type ClientConfig struct {
	ServerURL         string        `yaml:"server_url"`
	CachePath         string        `yaml:"cache_path"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

type AuthConfig struct {
	// Password is the shared secret in clear. PasswordHash, a bcrypt hash, wins when set.
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Addr: "localhost:3001"},
		Store: StoreConfig{
			Path:              "database.json",
			ValidateReorder:   true,
			IdempotencyWindow: 1024,
		},
		Hub: HubConfig{
			SendBuffer:   256,
			PingInterval: 30 * time.Second,
		},
		Relay: RelayConfig{SubjectPrefix: "familist"},
		Client: ClientConfig{
			ServerURL:         "http://localhost:3001",
			CachePath:         defaultCachePath(),
			ReconnectInterval: time.Second,
		},
		Auth: AuthConfig{Password: "HAPPYMONEY"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

func defaultCachePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "familist", "cache.sqlite3")
	}
	return "familist-cache.sqlite3"
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.IdempotencyWindow < 0 {
		return fmt.Errorf("store.idempotency_window must not be negative")
	}
	if c.Hub.SendBuffer < 1 {
		return fmt.Errorf("hub.send_buffer must be at least 1")
	}
	if c.Hub.PingInterval <= 0 {
		return fmt.Errorf("hub.ping_interval must be positive")
	}
	if c.Client.ServerURL == "" {
		return fmt.Errorf("client.server_url is required")
	}
	if c.Client.ReconnectInterval <= 0 {
		return fmt.Errorf("client.reconnect_interval must be positive")
	}
	if c.Auth.Password == "" && c.Auth.PasswordHash == "" {
		return fmt.Errorf("auth.password or auth.password_hash is required")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// LoadFromFile overlays the YAML file at path onto the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Load returns the defaults when path is empty, otherwise the file at path, validated.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		var err error
		if config, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
