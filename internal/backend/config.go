// Package backend integrates the WAL, index persistence, snapshotter,
// and object store under a tiering policy. One Backend instance serves
// one collection; it owns the in-memory vector map and/or the LRU cache,
// the retry and dead-letter queues, the circuit breaker, and the
// background workers.
package backend

import (
	"time"

	"github.com/strata-db/strata/internal/snapshot"
	"github.com/strata-db/strata/pkg/errors"
	"github.com/strata-db/strata/pkg/types"
)

// TieringPolicy selects the storage path for a collection.
type TieringPolicy string

const (
	// TieringMemory - WAL plus in-memory map; snapshots go to a local
	// directory. Fastest, durable through the WAL file only.
	TieringMemory TieringPolicy = "Memory"

	// TieringMemoryS3 - WAL plus in-memory map with asynchronous S3
	// upload through the background uploader. Fast and eventually
	// durable in S3.
	TieringMemoryS3 TieringPolicy = "MemoryS3"

	// TieringS3Only - WAL plus synchronous S3 writes with a bounded LRU
	// cache for reads. Cost-optimized cold storage.
	TieringS3Only TieringPolicy = "S3Only"
)

// RequiresS3 reports whether the policy needs an object store.
func (p TieringPolicy) RequiresS3() bool {
	return p == TieringMemoryS3 || p == TieringS3Only
}

// Valid reports whether the policy is recognized.
func (p TieringPolicy) Valid() bool {
	switch p {
	case TieringMemory, TieringMemoryS3, TieringS3Only:
		return true
	}
	return false
}

// CompactionConfig holds the compaction trigger thresholds.
type CompactionConfig struct {
	ThresholdBytes uint64 `yaml:"threshold_bytes"`
	ThresholdOps   uint64 `yaml:"threshold_ops"`
}

// DefaultCompactionConfig returns the production thresholds.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		ThresholdBytes: 64 * 1024 * 1024,
		ThresholdOps:   10_000,
	}
}

// RetryConfig controls S3 upload retry behavior.
type RetryConfig struct {
	MaxRetries  uint32        `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// DefaultRetryConfig returns the production retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  5,
		BaseBackoff: time.Second,
		MaxBackoff:  64 * time.Second,
	}
}

// DLQConfig controls dead-letter queue persistence and expiry.
type DLQConfig struct {
	PersistencePath        string `yaml:"persistence_path"`
	TTLSeconds             int64  `yaml:"ttl_seconds"`
	CleanupIntervalSeconds int64  `yaml:"cleanup_interval_seconds"`
	MaxEntries             int    `yaml:"max_entries"`
}

// DefaultDLQConfig returns the production DLQ settings.
func DefaultDLQConfig(path string) DLQConfig {
	return DLQConfig{
		PersistencePath:        path,
		TTLSeconds:             7 * 24 * 3600,
		CleanupIntervalSeconds: 3600,
		MaxEntries:             10_000,
	}
}

// CircuitBreakerConfig controls the S3 circuit breaker.
type CircuitBreakerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	FailureThreshold  float64       `yaml:"failure_threshold"`
	WindowDuration    time.Duration `yaml:"window_duration"`
	MinSamples        int           `yaml:"min_samples"`
	CooldownDuration  time.Duration `yaml:"cooldown_duration"`
	HalfOpenSuccesses int           `yaml:"half_open_successes"`
}

// DefaultCircuitBreakerConfig returns the production breaker settings.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:           true,
		FailureThreshold:  0.5,
		WindowDuration:    60 * time.Second,
		MinSamples:        10,
		CooldownDuration:  60 * time.Second,
		HalfOpenSuccesses: 3,
	}
}

// Config is the full storage backend configuration for one collection.
type Config struct {
	CollectionID types.CollectionID `yaml:"-"`

	TieringPolicy TieringPolicy `yaml:"tiering_policy"`

	// WALPath is the file WAL directory. Required for every policy.
	WALPath string `yaml:"wal_path"`

	// SnapshotDir is the local directory for Memory-policy snapshots.
	SnapshotDir string `yaml:"snapshot_dir"`

	// S3 connection settings, used when the policy requires S3.
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Region    string `yaml:"s3_region"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`

	// Compression selects the snapshot codec.
	Compression snapshot.CompressionCodec `yaml:"compression"`

	// SnapshotFormat selects JSON or columnar snapshots.
	SnapshotFormat types.SnapshotFormat `yaml:"snapshot_format"`

	// CacheSize is the LRU capacity for the S3Only policy.
	CacheSize int `yaml:"cache_size"`

	Compaction                 CompactionConfig `yaml:"compaction"`
	EnableBackgroundCompaction bool             `yaml:"enable_background_compaction"`

	Retry          RetryConfig          `yaml:"retry"`
	DLQ            DLQConfig            `yaml:"dlq"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// MemoryConfig returns a Memory-policy configuration.
func MemoryConfig(walPath, snapshotDir string) Config {
	return Config{
		CollectionID:               types.NewID(),
		TieringPolicy:              TieringMemory,
		WALPath:                    walPath,
		SnapshotDir:                snapshotDir,
		Compression:                snapshot.CodecNone,
		SnapshotFormat:             types.SnapshotJSON,
		Compaction:                 DefaultCompactionConfig(),
		EnableBackgroundCompaction: true,
		Retry:                      DefaultRetryConfig(),
		DLQ:                        DefaultDLQConfig(snapshotDir + "/dlq.json"),
		CircuitBreaker:             DefaultCircuitBreakerConfig(),
	}
}

// MemoryS3Config returns a MemoryS3-policy configuration.
func MemoryS3Config(walPath, snapshotDir, bucket string) Config {
	cfg := MemoryConfig(walPath, snapshotDir)
	cfg.TieringPolicy = TieringMemoryS3
	cfg.S3Bucket = bucket
	cfg.S3Region = "us-east-1"
	return cfg
}

// S3OnlyConfig returns an S3Only-policy configuration.
func S3OnlyConfig(walPath, bucket string) Config {
	cfg := MemoryConfig(walPath, "")
	cfg.TieringPolicy = TieringS3Only
	cfg.S3Bucket = bucket
	cfg.S3Region = "us-east-1"
	cfg.CacheSize = 10_000
	cfg.DLQ = DefaultDLQConfig("dlq.json")
	return cfg
}

// Validate checks the configuration for the selected policy.
func (c *Config) Validate() error {
	if !c.TieringPolicy.Valid() {
		return errors.Newf(errors.KindValidation, "unknown tiering policy %q", c.TieringPolicy)
	}
	if c.WALPath == "" {
		return errors.New(errors.KindValidation, "wal_path is required")
	}
	if c.TieringPolicy == TieringMemory && c.SnapshotDir == "" {
		return errors.New(errors.KindValidation, "snapshot_dir is required for the Memory policy")
	}
	if c.TieringPolicy.RequiresS3() && c.S3Bucket == "" {
		return errors.Newf(errors.KindValidation, "s3_bucket is required for the %s policy", c.TieringPolicy)
	}
	if c.Compression != "" && !c.Compression.Valid() {
		return errors.Newf(errors.KindValidation, "unknown compression codec %q", c.Compression)
	}
	return nil
}

// withDefaults fills zero values so partially specified configs behave.
func (c Config) withDefaults() Config {
	if c.CollectionID == (types.CollectionID{}) {
		c.CollectionID = types.NewID()
	}
	if c.Compression == "" {
		c.Compression = snapshot.CodecNone
	}
	if c.SnapshotFormat == "" {
		c.SnapshotFormat = types.SnapshotJSON
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 10_000
	}
	if c.Compaction.ThresholdBytes == 0 {
		c.Compaction.ThresholdBytes = DefaultCompactionConfig().ThresholdBytes
	}
	if c.Compaction.ThresholdOps == 0 {
		c.Compaction.ThresholdOps = DefaultCompactionConfig().ThresholdOps
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 5
	}
	if c.Retry.BaseBackoff == 0 {
		c.Retry.BaseBackoff = time.Second
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = 64 * time.Second
	}
	if c.DLQ.TTLSeconds == 0 {
		c.DLQ.TTLSeconds = 7 * 24 * 3600
	}
	if c.DLQ.CleanupIntervalSeconds == 0 {
		c.DLQ.CleanupIntervalSeconds = 3600
	}
	if c.DLQ.MaxEntries == 0 {
		c.DLQ.MaxEntries = 10_000
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 0.5
	}
	if c.CircuitBreaker.WindowDuration == 0 {
		c.CircuitBreaker.WindowDuration = 60 * time.Second
	}
	if c.CircuitBreaker.MinSamples == 0 {
		c.CircuitBreaker.MinSamples = 10
	}
	if c.CircuitBreaker.CooldownDuration == 0 {
		c.CircuitBreaker.CooldownDuration = 60 * time.Second
	}
	if c.CircuitBreaker.HalfOpenSuccesses == 0 {
		c.CircuitBreaker.HalfOpenSuccesses = 3
	}
	return c
}
