// Package config loads the relcount configuration file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBadger = "badger"
)

// Degree storage layouts.
const (
	StorageNodeProperties = "node_properties"
	StorageSingleProperty = "single_property"
)

// Config is the whole configuration of a relcount process.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	Backend  string `yaml:"backend"`
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken, when set, is required as a Bearer token on every API
	// request except /healthz and /metrics.
	AuthToken string `yaml:"auth_token"`

	Cache   CacheConfig   `yaml:"cache"`
	Rebuild RebuildConfig `yaml:"rebuild"`
	AOF     AOFConfig     `yaml:"aof"`
	Badger  BadgerConfig  `yaml:"badger"`
}

// CacheConfig configures the degree cache and the strategies it counts
// with.
type CacheConfig struct {
	Namespace           string `yaml:"namespace"`
	DegreeStorage       string `yaml:"degree_storage"`
	CompactionThreshold int    `yaml:"compaction_threshold"`
	BatchThreshold      int    `yaml:"batch_threshold"`
	ParsedKeyCacheSize  int    `yaml:"parsed_key_cache_size"`

	// IncludeTypes limits counting to these relationship types. Empty means
	// all types.
	IncludeTypes []string `yaml:"include_types"`
	// ExcludeProperties are never part of a descriptor.
	ExcludeProperties []string `yaml:"exclude_properties"`
	// ExcludeNodesWith skips caching nodes holding any of these properties.
	ExcludeNodesWith []string `yaml:"exclude_nodes_with"`
	// WeightProperty, when set, names the relationship property holding its
	// weight.
	WeightProperty string `yaml:"weight_property"`
}

// RebuildConfig configures full cache rebuilds.
type RebuildConfig struct {
	ChunkSize int `yaml:"chunk_size"`
	Workers   int `yaml:"workers"`
}

// AOFConfig configures the log of the file backend.
type AOFConfig struct {
	Filename      string        `yaml:"filename"`
	Lazy          bool          `yaml:"lazy"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	SyncInterval  time.Duration `yaml:"sync_interval"`
	MaxBuffer     int           `yaml:"max_buffer"`
	// RewritePercentage rewrites the log when it grew by this percentage
	// since the last rewrite. 0 disables automatic rewrites.
	RewritePercentage int `yaml:"rewrite_percentage"`
}

// BadgerConfig configures the badger backend.
type BadgerConfig struct {
	SyncWrites     bool          `yaml:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio"`
}

// DefaultConfig returns a configuration for a local file-backed instance.
func DefaultConfig() Config {
	return Config{
		DataDir:  "./relcount_data",
		Backend:  BackendFile,
		HTTPAddr: ":9191",
		LogLevel: "info",

		Cache: CacheConfig{
			Namespace:           "main",
			DegreeStorage:       StorageNodeProperties,
			CompactionThreshold: 20,
			BatchThreshold:      50,
			ParsedKeyCacheSize:  8192,
		},
		Rebuild: RebuildConfig{
			ChunkSize: 100,
			Workers:   4,
		},
		AOF: AOFConfig{
			Filename:          "relcount.aof",
			Lazy:              true,
			FlushInterval:     100 * time.Millisecond,
			SyncInterval:      time.Second,
			MaxBuffer:         1000,
			RewritePercentage: 100,
		},
		Badger: BadgerConfig{
			GCInterval:     5 * time.Minute,
			GCDiscardRatio: 0.5,
		},
	}
}

// LoadConfig reads the YAML file at path over DefaultConfig. Unknown fields
// are rejected. An empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	// 1. Open File
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	// 2. Setup Strict Decoder
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	// 3. Decode
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("YAML syntax error in config: %w", err)
	}

	// 4. Validate
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory, BackendFile, BackendBadger:
	default:
		errs = append(errs, fmt.Errorf("backend: unknown value %q", c.Backend))
	}
	if c.Backend != BackendMemory && c.DataDir == "" {
		errs = append(errs, errors.New("data_dir: required by the "+c.Backend+" backend"))
	}
	switch c.Cache.DegreeStorage {
	case StorageNodeProperties, StorageSingleProperty:
	default:
		errs = append(errs, fmt.Errorf("cache.degree_storage: unknown value %q", c.Cache.DegreeStorage))
	}
	if c.Cache.CompactionThreshold < 1 {
		errs = append(errs, fmt.Errorf("cache.compaction_threshold: must be at least 1, got %d", c.Cache.CompactionThreshold))
	}
	if c.Cache.BatchThreshold < 0 {
		errs = append(errs, fmt.Errorf("cache.batch_threshold: must not be negative, got %d", c.Cache.BatchThreshold))
	}
	if strings.ContainsAny(c.Cache.Namespace, "_#\x00") {
		errs = append(errs, fmt.Errorf("cache.namespace: %q contains a reserved character", c.Cache.Namespace))
	}
	if c.Rebuild.ChunkSize < 0 || c.Rebuild.Workers < 0 {
		errs = append(errs, errors.New("rebuild: chunk_size and workers must not be negative"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLogLevel maps debug, info, warn and error to slog levels.
func ParseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
