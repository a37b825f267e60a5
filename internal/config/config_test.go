package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsInvalidWithoutIndexerHost(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to require indexer.host")
	}
	cfg.Indexer.Host = "https://indexer:9200"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults plus host to validate, got %v", err)
	}
}

func TestValidateRejectsNonPositiveThresholds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max_elements", func(c *Config) { c.Batcher.MaxElements = 0 }},
		{"negative max_elements", func(c *Config) { c.Batcher.MaxElements = -1 }},
		{"zero max_size", func(c *Config) { c.Batcher.MaxSize = 0 }},
		{"zero max_time_seconds", func(c *Config) { c.Batcher.MaxTimeSeconds = 0 }},
		{"negative max_time_seconds", func(c *Config) { c.Batcher.MaxTimeSeconds = -0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Indexer.Host = "https://indexer:9200"
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateRejectsRedisBackendWithoutURL(t *testing.T) {
	cfg := Default()
	cfg.Indexer.Host = "https://indexer:9200"
	cfg.Queue.Backend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for redis backend without url")
	}
	cfg.Queue.RedisURL = "redis://localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected redis backend with url to validate, got %v", err)
	}
}

func TestLoadFromFileKeepsDefaultsForOmittedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
listen_addr: ":9999"
batcher:
  max_elements: 10
indexer:
  host: https://indexer:9200
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("listen_addr: got %q", cfg.ListenAddr)
	}
	if cfg.Batcher.MaxElements != 10 {
		t.Errorf("max_elements: got %d", cfg.Batcher.MaxElements)
	}
	if cfg.Batcher.MaxSize != DefaultMaxSize {
		t.Errorf("omitted max_size should keep default %d, got %d", DefaultMaxSize, cfg.Batcher.MaxSize)
	}
	if cfg.Queue.Backend != "inproc" {
		t.Errorf("omitted queue.backend should keep default, got %q", cfg.Queue.Backend)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_BATCHER_MAX_ELEMENTS", "42")
	t.Setenv("RELAY_INDEXER_HOST", "https://env-indexer:9200")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if cfg.Batcher.MaxElements != 42 {
		t.Errorf("max_elements: got %d, want 42", cfg.Batcher.MaxElements)
	}
	if cfg.Indexer.Host != "https://env-indexer:9200" {
		t.Errorf("indexer.host: got %q", cfg.Indexer.Host)
	}
}

func TestToBatcherConfigConvertsFractionalSeconds(t *testing.T) {
	cfg := Default()
	cfg.Batcher.MaxTimeSeconds = 1.5
	bc := cfg.ToBatcherConfig()
	if bc.MaxTime != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s as duration, got %v", bc.MaxTime)
	}
}
