package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftsync/driftsync/internal/core/dedup"
	"github.com/driftsync/driftsync/internal/core/registry"
)

// Config holds server configuration.
type Config struct {
	// Network settings
	ListenAddr string `yaml:"listen_addr"`
	Transport  string `yaml:"transport"` // "websocket" or "quic"
	Path       string `yaml:"path"`      // WebSocket endpoint path
	CertFile   string `yaml:"cert_file"` // QUIC only; self-signed when empty
	KeyFile    string `yaml:"key_file"`

	// Message settings
	MaxMessageSize int64 `yaml:"max_message_size"`
	InboxSize      int   `yaml:"inbox_size"`

	// Liveness settings
	ClientMaxIdle Duration `yaml:"client_max_idle"`
	SweepInterval Duration `yaml:"sweep_interval"`

	// Idempotency settings
	DedupHighWater int `yaml:"dedup_high_water"`

	// Storage settings
	Storage StorageConfig `yaml:"storage"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Duration accepts "5m" style YAML values, which plain time.Duration does
// not.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend   string `yaml:"backend"` // "bolt", "postgres", "redis" or "memory"
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"` // bolt database file
	DSN       string `yaml:"dsn"`  // postgres connection string
	Addr      string `yaml:"addr"` // redis address
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "127.0.0.1:8080",
		Transport:      "websocket",
		Path:           "/sync",
		MaxMessageSize: 1024 * 1024, // 1MB
		InboxSize:      1024,
		ClientMaxIdle:  Duration(registry.DefaultMaxIdle),
		SweepInterval:  Duration(registry.DefaultSweepInterval),
		DedupHighWater: dedup.DefaultHighWater,
		Storage: StorageConfig{
			Backend:   "bolt",
			Namespace: "sync_table",
			Path:      "driftsync.db",
		},
		LogLevel: "info",
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	switch c.Transport {
	case "websocket", "quic":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransportKind, c.Transport)
	}
	switch c.Storage.Backend {
	case "bolt", "postgres", "redis", "memory":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStorageBackend, c.Storage.Backend)
	}
	if c.ListenAddr == "" {
		return ErrMissingListenAddr
	}
	return nil
}
