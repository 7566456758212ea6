// Package config defines the fully enumerated engine configuration. Every
// recognized option is an explicit field; unknown yaml keys and
// out-of-range values fail at load time rather than at first use.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bastion-engine/bastion/pkg/logger"
)

// Config is the complete engine configuration surface.
type Config struct {
	// DataDir is the root directory for the engine's own persisted state
	// (transaction log, backup metadata index, chunk store).
	DataDir string `yaml:"data_dir"`

	// TxnTimeout is the per-transaction timeout. A transaction in any
	// non-terminal state longer than this is auto-aborted as TimedOut.
	TxnTimeout time.Duration `yaml:"txn_timeout"`
	// TxnRetention is how long terminal transactions stay queryable in
	// the in-memory table after commit/abort.
	TxnRetention time.Duration `yaml:"txn_retention"`
	// DeadlockInterval is the period of the wait-for-graph cycle scan.
	DeadlockInterval time.Duration `yaml:"deadlock_interval"`
	// LockWaitTimeout bounds a single lock acquisition attempt; an
	// attempt still blocked after this long fails as a transient lock
	// timeout. Zero waits as long as the caller allows.
	LockWaitTimeout time.Duration `yaml:"lock_wait_timeout"`
	// MaxLockRetries bounds re-acquisition attempts after a transient
	// lock conflict.
	MaxLockRetries int `yaml:"max_lock_retries"`

	// ChunkSize is the upper bound on backup chunk plaintext size, in bytes.
	ChunkSize int `yaml:"chunk_size"`
	// Compression selects the chunk codec: "zstd", "gzip" or "none".
	Compression string `yaml:"compression"`
	// CompressionLevel is codec-specific; 0 means the codec's default.
	CompressionLevel int `yaml:"compression_level"`
	// CaptureWorkers bounds the parallel chunk compress/persist stage.
	CaptureWorkers int `yaml:"capture_workers"`
	// Retention holds the per-backup-type retention windows.
	Retention RetentionConfig `yaml:"retention"`
	// RetentionSweepInterval is the period of the retention sweep job.
	// Zero disables the background sweep; ApplyRetention stays callable.
	RetentionSweepInterval time.Duration `yaml:"retention_sweep_interval"`

	// MaxConcurrentPlans caps recovery plans executing at once.
	MaxConcurrentPlans int `yaml:"max_concurrent_plans"`
	// PlanTimeout bounds a single recovery plan execution.
	PlanTimeout time.Duration `yaml:"plan_timeout"`
	// AutoRollbackOnFailure reverse-applies a failed plan's completed
	// steps instead of leaving partial state in place.
	AutoRollbackOnFailure bool `yaml:"auto_rollback_on_failure"`
	// DefaultConflictStrategy is used when a recovery request does not
	// select one: "fail_fast", "overwrite", "merge", "skip_conflicts",
	// "manual_review" or "timestamp_based".
	DefaultConflictStrategy string `yaml:"default_conflict_strategy"`

	Logger logger.Config `yaml:"logger"`
	// MetricsPort is the port the host exposes /metrics on. Zero disables.
	MetricsPort int `yaml:"metrics_port"`
}

// RetentionConfig holds retention windows per backup type. A zero window
// means backups of that type never expire.
type RetentionConfig struct {
	Full         time.Duration `yaml:"full"`
	Incremental  time.Duration `yaml:"incremental"`
	Differential time.Duration `yaml:"differential"`
	Snapshot     time.Duration `yaml:"snapshot"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		DataDir:                 "data",
		TxnTimeout:              30 * time.Second,
		TxnRetention:            5 * time.Minute,
		DeadlockInterval:        time.Second,
		LockWaitTimeout:         5 * time.Second,
		MaxLockRetries:          3,
		ChunkSize:               4 * 1024 * 1024,
		Compression:             "zstd",
		CompressionLevel:        0,
		CaptureWorkers:          4,
		RetentionSweepInterval:  time.Hour,
		MaxConcurrentPlans:      2,
		PlanTimeout:             30 * time.Minute,
		AutoRollbackOnFailure:   false,
		DefaultConflictStrategy: "fail_fast",
		Retention: RetentionConfig{
			Full:         30 * 24 * time.Hour,
			Incremental:  7 * 24 * time.Hour,
			Differential: 14 * 24 * time.Hour,
			Snapshot:     24 * time.Hour,
		},
		Logger:      logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		MetricsPort: 9464,
	}
}

// Load reads a yaml config file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field eagerly and reports the first violation.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.TxnTimeout <= 0 {
		return fmt.Errorf("txn_timeout must be positive, got %v", c.TxnTimeout)
	}
	if c.TxnRetention < 0 {
		return fmt.Errorf("txn_retention must not be negative, got %v", c.TxnRetention)
	}
	if c.DeadlockInterval <= 0 {
		return fmt.Errorf("deadlock_interval must be positive, got %v", c.DeadlockInterval)
	}
	if c.LockWaitTimeout < 0 {
		return fmt.Errorf("lock_wait_timeout must not be negative, got %v", c.LockWaitTimeout)
	}
	if c.MaxLockRetries < 0 {
		return fmt.Errorf("max_lock_retries must not be negative, got %d", c.MaxLockRetries)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	switch c.Compression {
	case "zstd", "gzip", "none":
	default:
		return fmt.Errorf("compression must be one of zstd, gzip, none; got %q", c.Compression)
	}
	if c.CaptureWorkers <= 0 {
		return fmt.Errorf("capture_workers must be positive, got %d", c.CaptureWorkers)
	}
	if c.RetentionSweepInterval < 0 {
		return fmt.Errorf("retention_sweep_interval must not be negative, got %v", c.RetentionSweepInterval)
	}
	if c.MaxConcurrentPlans <= 0 {
		return fmt.Errorf("max_concurrent_plans must be positive, got %d", c.MaxConcurrentPlans)
	}
	if c.PlanTimeout <= 0 {
		return fmt.Errorf("plan_timeout must be positive, got %v", c.PlanTimeout)
	}
	switch c.DefaultConflictStrategy {
	case "fail_fast", "overwrite", "merge", "skip_conflicts", "manual_review", "timestamp_based":
	default:
		return fmt.Errorf("default_conflict_strategy %q is not recognized", c.DefaultConflictStrategy)
	}
	for _, w := range []struct {
		name string
		d    time.Duration
	}{
		{"retention.full", c.Retention.Full},
		{"retention.incremental", c.Retention.Incremental},
		{"retention.differential", c.Retention.Differential},
		{"retention.snapshot", c.Retention.Snapshot},
	} {
		if w.d < 0 {
			return fmt.Errorf("%s must not be negative, got %v", w.name, w.d)
		}
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port %d is out of range", c.MetricsPort)
	}
	return nil
}
