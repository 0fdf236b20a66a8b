package config

import (
	"os"

	"gopkg.in/yaml.v2"

	"github.com/strata-db/strata/internal/backend"
	"github.com/strata-db/strata/internal/snapshot"
	"github.com/strata-db/strata/pkg/errors"
	"github.com/strata-db/strata/pkg/types"
)

// Configuration is the complete node configuration.
type Configuration struct {
	Global  GlobalConfig   `yaml:"global"`
	Storage backend.Config `yaml:"storage"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Index   IndexConfig    `yaml:"index"`
}

// GlobalConfig holds node-wide settings.
type GlobalConfig struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// IndexConfig selects and tunes the default index provider.
type IndexConfig struct {
	Kind           string `yaml:"kind"`
	EfConstruction int    `yaml:"ef_construction"`
	EfSearch       int    `yaml:"ef_search"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			DataDir:  "./data",
			LogLevel: "INFO",
		},
		Storage: backend.Config{
			TieringPolicy:              backend.TieringMemory,
			WALPath:                    "./data/wal",
			SnapshotDir:                "./data/snapshots",
			Compression:                snapshot.CodecZstd,
			SnapshotFormat:             types.SnapshotJSON,
			CacheSize:                  10_000,
			Compaction:                 backend.DefaultCompactionConfig(),
			EnableBackgroundCompaction: true,
			Retry:                      backend.DefaultRetryConfig(),
			DLQ:                        backend.DefaultDLQConfig("./data/dlq.json"),
			CircuitBreaker:             backend.DefaultCircuitBreakerConfig(),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Index: IndexConfig{
			Kind:           "native",
			EfConstruction: 200,
			EfSearch:       50,
		},
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (*Configuration, error) {
	cfg := NewDefault()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.KindNotFound, "configuration file %s not found", path)
		}
		return nil, errors.Wrap(errors.KindPermanent, "read configuration", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(errors.KindSerialization, "parse configuration", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the aggregate configuration.
func (c *Configuration) Validate() error {
	if c.Global.DataDir == "" {
		return errors.New(errors.KindValidation, "global.data_dir is required")
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	switch c.Index.Kind {
	case "", "native", "hnsw", "brute_force":
	default:
		return errors.Newf(errors.KindValidation, "unknown index kind %q", c.Index.Kind)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.Newf(errors.KindValidation, "invalid metrics port %d", c.Metrics.Port)
	}
	return nil
}

// Save writes the configuration back to YAML.
func (c *Configuration) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(errors.KindSerialization, "encode configuration", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(errors.KindPermanent, "write configuration", err)
	}
	return nil
}
