// Package config loads and validates the relay's configuration: the
// three batcher flush thresholds, the indexer connection settings, and
// the ambient options (listen address, log level, queue/secrets
// backend).
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
//  1. Command-line flags
//  2. Environment variables (RELAY_*)
//  3. Config file (YAML)
//  4. Defaults
//
// # Example Config File
//
//	listen_addr: ":8080"
//	log_level: info
//
//	batcher:
//	  max_elements: 5
//	  max_size: 30000
//	  max_time_seconds: 5
//
//	indexer:
//	  host: https://indexer.internal:9200
//	  user: relay
//	  password: ""
//	  secrets_backend: auto
//
//	queue:
//	  backend: inproc
//	  redis_url: ""
//	  key_prefix: events-relay
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pilot-net/events-relay/internal/batcher"
)

// Default flush thresholds, used when no config file, environment
// variable, or flag overrides them.
const (
	DefaultMaxElements    = 5
	DefaultMaxSize        = 30000
	DefaultMaxTimeSeconds = 5.0
)

// Config is the complete relay configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	Batcher BatcherConfig `yaml:"batcher"`
	Indexer IndexerConfig `yaml:"indexer"`
	Queue   QueueConfig   `yaml:"queue"`
	DB      DBConfig      `yaml:"db"`
}

// BatcherConfig holds the three flush thresholds: element count,
// cumulative byte size, and elapsed time since the first buffered
// message.
type BatcherConfig struct {
	MaxElements    int     `yaml:"max_elements"`
	MaxSize        int     `yaml:"max_size"`
	MaxTimeSeconds float64 `yaml:"max_time_seconds"`
}

// IndexerConfig configures the indexer bulk endpoint. SecretsBackend
// selects how User/Password are resolved (plaintext here, 1Password;
// see internal/indexer/secrets.go).
type IndexerConfig struct {
	Host           string `yaml:"host"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	SecretsBackend string `yaml:"secrets_backend"`
	VaultID        string `yaml:"vault_id"`
	ItemTitle      string `yaml:"item_title"`
}

// QueueConfig selects and configures the mux/demux queue backend:
// in-process channels, or Redis when the batcher runs out-of-process
// from its producers.
type QueueConfig struct {
	Backend     string `yaml:"backend"` // "inproc" or "redis"
	MuxCapacity int    `yaml:"mux_capacity"`
	RedisURL    string `yaml:"redis_url"`
	KeyPrefix   string `yaml:"key_prefix"`
}

// DBConfig configures the optional Postgres-backed config reload and
// bulk-failure audit log (internal/relaydb). Empty URL disables it.
type DBConfig struct {
	URL                  string `yaml:"url"`
	ConfigReloadInterval int    `yaml:"config_reload_interval_seconds"`
}

// Default returns a config with the defaults above.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Batcher: BatcherConfig{
			MaxElements:    DefaultMaxElements,
			MaxSize:        DefaultMaxSize,
			MaxTimeSeconds: DefaultMaxTimeSeconds,
		},
		Queue: QueueConfig{
			Backend:     "inproc",
			MuxCapacity: 256,
			KeyPrefix:   "events-relay",
		},
		Indexer: IndexerConfig{
			SecretsBackend: "auto",
		},
		DB: DBConfig{
			ConfigReloadInterval: 30,
		},
	}
}

// LoadFromFile loads configuration from a YAML file, starting from
// Default() so any key the file omits keeps its default value.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies RELAY_* environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RELAY_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("RELAY_BATCHER_MAX_ELEMENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Batcher.MaxElements = n
		}
	}
	if v := os.Getenv("RELAY_BATCHER_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Batcher.MaxSize = n
		}
	}
	if v := os.Getenv("RELAY_BATCHER_MAX_TIME_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Batcher.MaxTimeSeconds = f
		}
	}
	if v := os.Getenv("RELAY_INDEXER_HOST"); v != "" {
		c.Indexer.Host = v
	}
	if v := os.Getenv("RELAY_INDEXER_USER"); v != "" {
		c.Indexer.User = v
	}
	if v := os.Getenv("RELAY_INDEXER_PASSWORD"); v != "" {
		c.Indexer.Password = v
	}
	if v := os.Getenv("RELAY_QUEUE_BACKEND"); v != "" {
		c.Queue.Backend = v
	}
	if v := os.Getenv("RELAY_QUEUE_REDIS_URL"); v != "" {
		c.Queue.RedisURL = v
	}
	if v := os.Getenv("RELAY_DB_URL"); v != "" {
		c.DB.URL = v
	}
}

// Validate rejects zero or negative batcher maximums and incomplete
// backend selections. A Validate failure is fatal at startup; the
// process refuses to run on a nonsensical flush policy.
func (c *Config) Validate() error {
	if c.Batcher.MaxElements < 1 {
		return fmt.Errorf("batcher.max_elements must be >= 1, got %d", c.Batcher.MaxElements)
	}
	if c.Batcher.MaxSize < 1 {
		return fmt.Errorf("batcher.max_size must be >= 1, got %d", c.Batcher.MaxSize)
	}
	if c.Batcher.MaxTimeSeconds <= 0 {
		return fmt.Errorf("batcher.max_time_seconds must be > 0, got %v", c.Batcher.MaxTimeSeconds)
	}
	if c.Indexer.Host == "" {
		return fmt.Errorf("indexer.host is required")
	}
	switch c.Queue.Backend {
	case "inproc":
	case "redis":
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("queue.redis_url is required when queue.backend is \"redis\"")
		}
	default:
		return fmt.Errorf("unknown queue.backend %q (expected \"inproc\" or \"redis\")", c.Queue.Backend)
	}
	return nil
}

// ToBatcherConfig converts the loaded, validated config into the
// batcher.Config the core Batcher consumes, turning the float-seconds
// wire format into a time.Duration.
func (c *Config) ToBatcherConfig() batcher.Config {
	return batcher.Config{
		MaxElements: c.Batcher.MaxElements,
		MaxSize:     c.Batcher.MaxSize,
		MaxTime:     time.Duration(c.Batcher.MaxTimeSeconds * float64(time.Second)),
	}
}
