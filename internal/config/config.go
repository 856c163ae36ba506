// Package config provides configuration for the spatialstore server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nainya/spatialstore/pkg/indexer"
	"github.com/nainya/spatialstore/pkg/rtree"
)

// Config holds the server configuration.
type Config struct {
	// DataDir is the base directory for the change log and checkpoints
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	// Observability configuration
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`

	// Store configuration
	Store StoreConfig `json:"store" yaml:"store"`

	// Index maintenance configuration
	Index IndexConfig `json:"index" yaml:"index"`

	// Query configuration
	Query QueryConfig `json:"query" yaml:"query"`

	// Indexes defined at startup
	Indexes []indexer.Definition `json:"indexes" yaml:"indexes"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// ObservabilityConfig holds the metrics and health server configuration.
type ObservabilityConfig struct {
	// Addr serves /metrics, /health, /ready and pprof
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether the observability server runs
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
}

// StoreConfig holds document store configuration.
type StoreConfig struct {
	// SyncWrites fsyncs every write before acknowledging it
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes"`

	// MaxSegmentSize is the change log segment size in bytes
	MaxSegmentSize int64 `json:"max_segment_size" yaml:"max_segment_size"`
}

// IndexConfig holds index maintenance configuration.
type IndexConfig struct {
	// MinEntries and MaxEntries bound R-tree node fill
	MinEntries int `json:"min_entries" yaml:"min_entries"`
	MaxEntries int `json:"max_entries" yaml:"max_entries"`

	// BatchSize is the number of changes applied per published snapshot
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// CheckpointInterval is how often index snapshots are persisted; zero disables
	CheckpointInterval time.Duration `json:"checkpoint_interval" yaml:"checkpoint_interval"`
}

// QueryConfig holds query configuration.
type QueryConfig struct {
	// StaleTimeout bounds how long a non-stale query waits for its index
	StaleTimeout time.Duration `json:"stale_timeout" yaml:"stale_timeout"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/spatialstore",
		HTTP: HTTPConfig{
			Addr:         ":5984",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":50051",
			Enabled: true,
		},
		Observability: ObservabilityConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
		},
		Store: StoreConfig{
			SyncWrites: true,
		},
		Index: IndexConfig{
			MinEntries:         rtree.DefaultMinEntries,
			MaxEntries:         rtree.DefaultMaxEntries,
			BatchSize:          indexer.DefaultBatchSize,
			CheckpointInterval: indexer.DefaultCheckpointInterval,
		},
		Query: QueryConfig{
			StaleTimeout: indexer.DefaultStaleTimeout,
		},
	}
}

// Resolve fills in defaults that depend on other settings.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/spatialstore"
	}
	if c.Index.BatchSize <= 0 {
		c.Index.BatchSize = indexer.DefaultBatchSize
	}
	if c.Query.StaleTimeout <= 0 {
		c.Query.StaleTimeout = indexer.DefaultStaleTimeout
	}
}

// CheckpointDir returns the directory holding index checkpoints.
func (c *Config) CheckpointDir() string {
	return filepath.Join(c.DataDir, "indexes")
}

// TreeOptions returns the R-tree node fill bounds.
func (c *Config) TreeOptions() rtree.Options {
	return rtree.Options{MinEntries: c.Index.MinEntries, MaxEntries: c.Index.MaxEntries}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("grpc.addr is required when grpc is enabled")
	}
	if c.Observability.Enabled && c.Observability.Addr == "" {
		return fmt.Errorf("observability.addr is required when observability is enabled")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	if c.Index.MaxEntries != 0 && c.Index.MaxEntries < 4 {
		return fmt.Errorf("index.max_entries must be at least 4, got %d", c.Index.MaxEntries)
	}
	if c.Index.MinEntries != 0 && (c.Index.MinEntries < 2 || c.Index.MinEntries > c.Index.MaxEntries/2) {
		return fmt.Errorf("index.min_entries must be between 2 and max_entries/2, got %d", c.Index.MinEntries)
	}
	if c.Index.BatchSize < 0 {
		return fmt.Errorf("index.batch_size must not be negative, got %d", c.Index.BatchSize)
	}

	seen := make(map[string]bool, len(c.Indexes))
	for _, def := range c.Indexes {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("indexes: %w", err)
		}
		if seen[def.Name] {
			return fmt.Errorf("indexes: %s is defined twice", def.Name)
		}
		seen[def.Name] = true
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files when they exist.
// Variables already set in the environment win.
func LoadDotEnv(files ...string) {
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// LoadFromEnv overrides configuration from environment variables.
// Environment variables use the SPATIALSTORE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SPATIALSTORE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// HTTP configuration
	if v := os.Getenv("SPATIALSTORE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// gRPC configuration
	if v := os.Getenv("SPATIALSTORE_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("SPATIALSTORE_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// Observability configuration
	if v := os.Getenv("SPATIALSTORE_OBSERVABILITY_ADDR"); v != "" {
		cfg.Observability.Addr = v
	}
	if v := os.Getenv("SPATIALSTORE_OBSERVABILITY_ENABLED"); v != "" {
		cfg.Observability.Enabled = v == "true" || v == "1"
	}

	// Log configuration
	if v := os.Getenv("SPATIALSTORE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SPATIALSTORE_LOG_PRETTY"); v != "" {
		cfg.Log.Pretty = v == "true" || v == "1"
	}

	// Store configuration
	if v := os.Getenv("SPATIALSTORE_STORE_SYNC_WRITES"); v != "" {
		cfg.Store.SyncWrites = v == "true" || v == "1"
	}

	// Index configuration
	if v := os.Getenv("SPATIALSTORE_INDEX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Index.BatchSize = n
		}
	}
	if v := os.Getenv("SPATIALSTORE_INDEX_CHECKPOINT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Index.CheckpointInterval = d
		}
	}

	// Query configuration
	if v := os.Getenv("SPATIALSTORE_QUERY_STALE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Query.StaleTimeout = d
		}
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.CheckpointDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
