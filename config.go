package gridsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines relay server configuration.
type Config struct {
	// HTTP configures the gateway HTTP server.
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Store configures document persistence.
	Store StoreConfig `json:"store" yaml:"store"`

	// Stream configures the change broadcaster and stream transports.
	Stream StreamConfig `json:"stream" yaml:"stream"`

	// Archive configures optional S3 snapshot archival.
	// If nil or Enabled is false, no archival is performed.
	Archive *ArchiveConfig `json:"archive,omitempty" yaml:"archive,omitempty"`

	// RateLimitPerSecond is the maximum requests per second per IP.
	// Default: 1000. Set to -1 to disable rate limiting.
	RateLimitPerSecond int `json:"rate_limit_per_second" yaml:"rate_limit_per_second"`
}

// HTTPConfig groups gateway HTTP server settings.
type HTTPConfig struct {
	// Host is the listen address. Default: 127.0.0.1.
	Host string `json:"host" yaml:"host"`

	// Port is the listen port. Default: 3001.
	Port int `json:"port" yaml:"port"`

	// ReadTimeout for incoming requests. The stream endpoints are exempt
	// via per-connection deadlines since they are long-lived.
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// MaxBodyBytes caps request body size. Default: 50MB; document
	// payloads carry base64 images so this is deliberately generous.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// StoreConfig groups document persistence settings.
type StoreConfig struct {
	// Backend selects the store implementation: "memory" or "sqlite".
	Backend string `json:"backend" yaml:"backend"`

	// Path is the SQLite database file path (sqlite backend only).
	Path string `json:"path" yaml:"path"`

	// Compress enables snappy compression of stored payloads.
	Compress bool `json:"compress" yaml:"compress"`

	// EncryptionPassword enables at-rest encryption of stored payloads
	// when non-empty (sqlite backend only).
	EncryptionPassword string `json:"encryption_password,omitempty" yaml:"encryption_password,omitempty"`
}

// StreamConfig groups broadcaster and stream transport settings.
type StreamConfig struct {
	// BufferSize is the per-subscriber event buffer.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`

	// MaxSubscribers limits concurrent stream subscribers.
	MaxSubscribers int `json:"max_subscribers" yaml:"max_subscribers"`

	// PingInterval is how often WebSocket clients are pinged.
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`

	// WriteTimeout for stream writes.
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// ArchiveConfig configures S3 snapshot archival.
type ArchiveConfig struct {
	// Enabled turns on archival.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Bucket is the target S3 bucket.
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the bucket region.
	Region string `json:"region" yaml:"region"`

	// Endpoint overrides the S3 endpoint for compatible services (MinIO, etc.).
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Prefix is prepended to every object key.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// AccessKeyID and SecretAccessKey authenticate explicitly. Prefer IAM
	// roles or environment variables; never commit credentials.
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`

	// UsePathStyle enables path-style addressing.
	UsePathStyle bool `json:"use_path_style,omitempty" yaml:"use_path_style,omitempty"`
}

// DefaultConfig returns sensible defaults: in-memory store, port 3001,
// rate limiting on.
func DefaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Host:         "127.0.0.1",
			Port:         3001,
			ReadTimeout:  15 * time.Second,
			MaxBodyBytes: 50 * 1024 * 1024,
		},
		Store: StoreConfig{
			Backend:  "memory",
			Compress: true,
		},
		Stream: StreamConfig{
			BufferSize:     64,
			MaxSubscribers: 256,
			PingInterval:   30 * time.Second,
			WriteTimeout:   10 * time.Second,
		},
		RateLimitPerSecond: 1000,
	}
}

// LoadConfig reads a Config from a YAML file, applying defaults for
// anything not specified.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// fixup applies defaults to zero values.
func (c *Config) fixup() {
	d := DefaultConfig()
	if c.HTTP.Host == "" {
		c.HTTP.Host = d.HTTP.Host
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		c.HTTP.Port = d.HTTP.Port
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = d.HTTP.ReadTimeout
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		c.HTTP.MaxBodyBytes = d.HTTP.MaxBodyBytes
	}
	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
	if c.Stream.BufferSize <= 0 {
		c.Stream.BufferSize = d.Stream.BufferSize
	}
	if c.Stream.MaxSubscribers <= 0 {
		c.Stream.MaxSubscribers = d.Stream.MaxSubscribers
	}
	if c.Stream.PingInterval <= 0 {
		c.Stream.PingInterval = d.Stream.PingInterval
	}
	if c.Stream.WriteTimeout <= 0 {
		c.Stream.WriteTimeout = d.Stream.WriteTimeout
	}
	if c.RateLimitPerSecond == 0 {
		c.RateLimitPerSecond = d.RateLimitPerSecond
	}
}
