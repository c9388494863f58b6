package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nicktill/timeindex/pkg/timetree"
)

// Server defaults
const (
	DefaultPort           = "8080"
	DefaultDataDir        = "./data/timeindex"
	DefaultMaxStorageGB   = 1
	DefaultMaxMemoryMB    = 48
	DefaultBucketInterval = 1 * time.Minute
	DefaultLogLevel       = "info"
)

// Server timeouts
const (
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 30 * time.Second
	ShutdownTimeout    = 30 * time.Second
	TaskStopTimeout    = 5 * time.Second
)

// Background tasks
const (
	BadgerGCInterval       = 10 * time.Minute
	BadgerGCDiscardRatio   = 0.5
	StorageMetricsInterval = 30 * time.Second
)

// Query timeouts and limits
const (
	QueryTimeout       = 30 * time.Second
	IndexTimeout       = 5 * time.Second
	DefaultQueryWindow = 1 * time.Hour
	MaxQueryLimit      = 5000
	MaxRequestBytes    = 1 << 20
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Environment variables that override the config file
const (
	EnvPort           = "PORT"
	EnvDataDir        = "TIMEINDEX_DATA_DIR"
	EnvMaxStorageGB   = "TIMEINDEX_MAX_STORAGE_GB"
	EnvMaxMemoryMB    = "TIMEINDEX_MAX_MEMORY_MB"
	EnvBucketInterval = "TIMEINDEX_BUCKET_INTERVAL"
	EnvLogLevel       = "TIMEINDEX_LOG_LEVEL"
)

// Config holds process configuration. It is loaded once at startup and
// never mutated afterwards.
type Config struct {
	Port           string        `yaml:"port"`
	DataDir        string        `yaml:"data_dir"`
	MaxStorageGB   int64         `yaml:"max_storage_gb"`
	MaxMemoryMB    int64         `yaml:"max_memory_mb"`
	BucketInterval time.Duration `yaml:"bucket_interval"`
	Log            LogConfig     `yaml:"log"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Port:           DefaultPort,
		DataDir:        DefaultDataDir,
		MaxStorageGB:   DefaultMaxStorageGB,
		MaxMemoryMB:    DefaultMaxMemoryMB,
		BucketInterval: DefaultBucketInterval,
		Log:            LogConfig{Level: DefaultLogLevel},
	}
}

// Load reads the YAML file at path (optional, "" skips it) over the
// defaults, then applies environment overrides read through getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvPort); v != "" {
		c.Port = v
	}
	if v := getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}

	var err error
	if c.MaxStorageGB, err = envInt64(getenv, EnvMaxStorageGB, c.MaxStorageGB); err != nil {
		return err
	}
	if c.MaxMemoryMB, err = envInt64(getenv, EnvMaxMemoryMB, c.MaxMemoryMB); err != nil {
		return err
	}
	if v := getenv(EnvBucketInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvBucketInterval, v, err)
		}
		c.BucketInterval = d
	}
	return nil
}

// envInt64 gets an int64 from an environment variable or returns the current value
func envInt64(getenv func(string) string, key string, current int64) (int64, error) {
	val := getenv(key)
	if val == "" {
		return current, nil
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	return parsed, nil
}

// Validate reports the first invalid setting
func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.BucketInterval <= 0 {
		return fmt.Errorf("bucket_interval must be > 0, got %v", c.BucketInterval)
	}
	if c.MaxStorageGB < 0 || c.MaxMemoryMB < 0 {
		return fmt.Errorf("storage and memory limits cannot be negative")
	}
	return nil
}

// Settings derives the index settings from the bucket interval
func (c Config) Settings() (timetree.Settings, error) {
	return timetree.NewSettings(c.BucketInterval)
}

// MaxStorageBytes is MaxStorageGB in bytes
func (c Config) MaxStorageBytes() int64 {
	return c.MaxStorageGB * 1024 * 1024 * 1024
}
