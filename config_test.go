package gridsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HTTP.Port != 3001 {
		t.Errorf("port = %d, want 3001", cfg.HTTP.Port)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.Stream.MaxSubscribers <= 0 {
		t.Error("expected a max subscribers default")
	}
	if cfg.Archive != nil {
		t.Error("archive should default to disabled")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
http:
  port: 8080
store:
  backend: sqlite
  path: /tmp/docs.db
  compress: true
stream:
  buffer_size: 128
rate_limit_per_second: 50
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.HTTP.Port)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.Path != "/tmp/docs.db" {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if !cfg.Store.Compress {
		t.Error("compress not loaded")
	}
	if cfg.Stream.BufferSize != 128 {
		t.Errorf("buffer size = %d, want 128", cfg.Stream.BufferSize)
	}
	if cfg.RateLimitPerSecond != 50 {
		t.Errorf("rate limit = %d, want 50", cfg.RateLimitPerSecond)
	}

	// Unset fields keep their defaults.
	if cfg.HTTP.Host != "127.0.0.1" {
		t.Errorf("host = %q, want default", cfg.HTTP.Host)
	}
	if cfg.Stream.PingInterval != 30*time.Second {
		t.Error("unset stream fields lost their defaults")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/does/not/exist.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
