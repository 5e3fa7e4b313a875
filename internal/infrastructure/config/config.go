package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all kernel configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	GRPC      GRPCConfig      `yaml:"grpc" toml:"grpc"`
	Channel   ChannelConfig   `yaml:"channel" toml:"channel"`
	Tracing   TracingConfig   `yaml:"tracing" toml:"tracing"`
	Logging   LogConfig       `yaml:"logging" toml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// ServerConfig holds admin HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000" yaml:"port" toml:"port"`
	Host string `envconfig:"HOST" default:"0.0.0.0" yaml:"host" toml:"host"`
}

// GRPCConfig holds the remote ABI listener configuration.
type GRPCConfig struct {
	Address string `envconfig:"GRPC_ADDR" default:"0.0.0.0:50051" yaml:"address" toml:"address"`
	Enabled bool   `envconfig:"GRPC_ENABLED" default:"true" yaml:"enabled" toml:"enabled"`
}

// ChannelConfig sizes the channel registry.
type ChannelConfig struct {
	// BlockSize is the size of an endpoint's user-visible block
	BlockSize int `envconfig:"CHANNEL_BLOCK_SIZE" default:"256" yaml:"block_size" toml:"block_size"`
	// UpdateSlots is the capacity of each cross-domain update log
	UpdateSlots int `envconfig:"CHANNEL_UPDATE_SLOTS" default:"16" yaml:"update_slots" toml:"update_slots"`
	// SlabChunk is how many trusted structures the slab carves at once
	SlabChunk int `envconfig:"CHANNEL_SLAB_CHUNK" default:"64" yaml:"slab_chunk" toml:"slab_chunk"`
	// SlabLimit caps live trusted structures (0 = unlimited)
	SlabLimit int `envconfig:"CHANNEL_SLAB_LIMIT" default:"0" yaml:"slab_limit" toml:"slab_limit"`
	// Colocation is "heap" (colocated iff same heap) or "always"
	Colocation string `envconfig:"CHANNEL_COLOCATION" default:"heap" yaml:"colocation" toml:"colocation"`
	// HeapCapacity bounds each heap in bytes (0 = unbounded)
	HeapCapacity int64 `envconfig:"HEAP_CAPACITY" default:"67108864" yaml:"heap_capacity" toml:"heap_capacity"`
}

// TracingConfig holds diagnostic event settings.
type TracingConfig struct {
	Buffer  int    `envconfig:"TRACE_BUFFER" default:"1024" yaml:"buffer" toml:"buffer"`
	Journal string `envconfig:"TRACE_JOURNAL" default:"" yaml:"journal" toml:"journal"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development" toml:"development"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" yaml:"rps" toml:"rps"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" yaml:"burst" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled" toml:"enabled"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadFile reads a YAML (.yaml, .yml) or TOML (.toml) file over the defaults.
// Environment variables are not consulted.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the channel registry cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Channel.BlockSize < 4 || c.Channel.BlockSize > 1<<16:
		return fmt.Errorf("invalid config: channel block size %d", c.Channel.BlockSize)
	case c.Channel.UpdateSlots <= 0 || c.Channel.UpdateSlots > 1<<16:
		return fmt.Errorf("invalid config: channel update slots %d", c.Channel.UpdateSlots)
	case c.Channel.SlabLimit < 0:
		return fmt.Errorf("invalid config: channel slab limit %d", c.Channel.SlabLimit)
	case c.Channel.Colocation != "heap" && c.Channel.Colocation != "always":
		return fmt.Errorf("invalid config: channel colocation %q", c.Channel.Colocation)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		GRPC: GRPCConfig{
			Address: "0.0.0.0:50051",
			Enabled: true,
		},
		Channel: ChannelConfig{
			BlockSize:    256,
			UpdateSlots:  16,
			SlabChunk:    64,
			SlabLimit:    0,
			Colocation:   "heap",
			HeapCapacity: 64 << 20,
		},
		Tracing: TracingConfig{
			Buffer: 1024,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
