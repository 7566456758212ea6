// Package engine wires the transaction manager, backup store and
// recovery orchestrator into one embeddable component behind a single
// configuration.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bastion-engine/bastion/core/backup"
	"github.com/bastion-engine/bastion/core/config"
	"github.com/bastion-engine/bastion/core/recovery"
	"github.com/bastion-engine/bastion/core/storage"
	"github.com/bastion-engine/bastion/core/txn"
	"github.com/bastion-engine/bastion/internal/metrics"
	"github.com/bastion-engine/bastion/pkg/logger"
)

// StateSource identifies the engine's own managed store in backup
// metadata.
const StateSource = "engine-state"

// reservedPrefixes are resource namespaces the engine keeps for its own
// bookkeeping. They are excluded from snapshots and recovery plans.
var reservedPrefixes = []string{backup.MetaKeyPrefix}

// Engine is the top-level facade over the three components. All methods
// delegate; the engine owns construction order, the shared stores, and
// lifecycle.
type Engine struct {
	cfg      config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	registry *prometheus.Registry

	state  storage.Store // managed resources + backup metadata index
	wal    storage.Store // transaction log records
	chunks storage.Store // content-addressed chunk payloads

	txns     *txn.Manager
	backups  *backup.Store
	recovery *recovery.Orchestrator
}

// New builds an engine from configuration. Nothing starts running until
// Start.
func New(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	state, err := storage.OpenBadger(filepath.Join(cfg.DataDir, "state"), log)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	wal, err := storage.OpenBadger(filepath.Join(cfg.DataDir, "wal"), log)
	if err != nil {
		_ = state.Close()
		return nil, fmt.Errorf("failed to open transaction log store: %w", err)
	}
	chunks, err := storage.OpenBadger(filepath.Join(cfg.DataDir, "chunks"), log)
	if err != nil {
		_ = state.Close()
		_ = wal.Close()
		return nil, fmt.Errorf("failed to open chunk store: %w", err)
	}

	e, err := assemble(cfg, log, m, registry, state, wal, chunks)
	if err != nil {
		_ = state.Close()
		_ = wal.Close()
		_ = chunks.Close()
		return nil, err
	}
	return e, nil
}

// NewWithStores builds an engine over caller-provided stores. Tests use
// it with in-memory stores.
func NewWithStores(cfg config.Config, log *zap.Logger, state, wal, chunks storage.Store) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	registry := prometheus.NewRegistry()
	return assemble(cfg, log, metrics.New(registry), registry, state, wal, chunks)
}

func assemble(cfg config.Config, log *zap.Logger, m *metrics.Metrics, registry *prometheus.Registry, state, wal, chunks storage.Store) (*Engine, error) {
	txnLog, err := txn.OpenLog(wal, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction log: %w", err)
	}
	txns, err := txn.NewManager(txn.ManagerConfig{
		Timeout:          cfg.TxnTimeout,
		DeadlockInterval: cfg.DeadlockInterval,
		LockWait:         cfg.LockWaitTimeout,
		Retention:        cfg.TxnRetention,
	}, txnLog, state, log, m)
	if err != nil {
		return nil, err
	}

	codec, err := backup.NewCodec(cfg.Compression, cfg.CompressionLevel)
	if err != nil {
		return nil, err
	}
	digest, err := backup.NewDigest("xxhash")
	if err != nil {
		return nil, err
	}
	backups, err := backup.NewStore(backup.StoreConfig{
		ChunkSize: cfg.ChunkSize,
		Workers:   cfg.CaptureWorkers,
		Retention: map[backup.Type]time.Duration{
			backup.Full:         cfg.Retention.Full,
			backup.Incremental:  cfg.Retention.Incremental,
			backup.Differential: cfg.Retention.Differential,
			backup.Snapshot:     cfg.Retention.Snapshot,
		},
		SweepInterval: cfg.RetentionSweepInterval,
	}, codec, digest, chunks, txns, log, m)
	if err != nil {
		return nil, err
	}

	strategy, err := recovery.ParseStrategy(cfg.DefaultConflictStrategy)
	if err != nil {
		return nil, err
	}
	orch, err := recovery.New(recovery.Config{
		MaxConcurrentPlans:    cfg.MaxConcurrentPlans,
		PlanTimeout:           cfg.PlanTimeout,
		AutoRollbackOnFailure: cfg.AutoRollbackOnFailure,
		DefaultStrategy:       strategy,
		ExcludePrefixes:       reservedPrefixes,
	}, backups, txns, state, log, m)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:      cfg,
		logger:   log.Named("engine"),
		metrics:  m,
		registry: registry,
		state:    state,
		wal:      wal,
		chunks:   chunks,
		txns:     txns,
		backups:  backups,
		recovery: orch,
	}, nil
}

// Start launches the background jobs: deadlock detection, transaction
// timeout sweeping, retention sweeping.
func (e *Engine) Start() {
	e.txns.Start()
	e.backups.Start()
	e.logger.Info("Engine started", zap.String("data_dir", e.cfg.DataDir))
}

// Stop halts background jobs in reverse start order and closes the
// stores.
func (e *Engine) Stop() error {
	e.backups.Stop()
	e.txns.Stop()
	err := multierr.Combine(e.chunks.Close(), e.wal.Close(), e.state.Close())
	if err != nil {
		e.logger.Error("Engine stopped with store close errors", zap.Error(err))
		return err
	}
	e.logger.Info("Engine stopped")
	return nil
}

// Registry exposes the engine's metrics registry for the host's
// /metrics endpoint.
func (e *Engine) Registry() *prometheus.Registry { return e.registry }

// --- transactions ---

// Begin starts a transaction.
func (e *Engine) Begin(level txn.IsolationLevel, owner string) (txn.TxnID, error) {
	return e.txns.Begin(level, owner)
}

// AcquireLock takes a lock for the transaction, retrying transient lock
// timeouts with bounded backoff. Deadlock aborts are not retried: the
// victim is already terminal.
func (e *Engine) AcquireLock(ctx context.Context, id txn.TxnID, resource string, mode txn.LockMode) error {
	attempt := func() error {
		err := e.txns.AcquireLock(ctx, id, resource, mode)
		if errors.Is(err, txn.ErrLockTimeout) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.cfg.MaxLockRetries)), ctx)
	return backoff.Retry(attempt, policy)
}

// RecordOperation buffers an operation in the transaction's write set.
func (e *Engine) RecordOperation(id txn.TxnID, op txn.Operation) error {
	return e.txns.RecordOperation(id, op)
}

// Read returns the transaction's view of a resource.
func (e *Engine) Read(id txn.TxnID, resource string) ([]byte, error) {
	return e.txns.Get(id, resource)
}

// Commit runs two-phase commit for the transaction.
func (e *Engine) Commit(ctx context.Context, id txn.TxnID) error {
	return e.txns.Commit(ctx, id)
}

// Abort rolls the transaction back.
func (e *Engine) Abort(id txn.TxnID) error {
	return e.txns.Abort(id)
}

// Transaction reports one transaction's current state.
func (e *Engine) Transaction(id txn.TxnID) (txn.Info, bool) {
	return e.txns.GetInfo(id)
}

// Transactions lists all known transactions.
func (e *Engine) Transactions() []txn.Info {
	return e.txns.List()
}

// --- backups ---

// CreateBackup captures a backup of the engine's managed state.
func (e *Engine) CreateBackup(ctx context.Context, typ backup.Type, opts backup.CreateOptions) (string, error) {
	snapshot, err := storage.EncodeSnapshot(e.state, reservedPrefixes...)
	if err != nil {
		return "", fmt.Errorf("failed to snapshot managed state: %w", err)
	}
	return e.backups.Create(ctx, StateSource, bytes.NewReader(snapshot), typ, opts)
}

// CreateBackupFrom captures a backup of an arbitrary source stream.
func (e *Engine) CreateBackupFrom(ctx context.Context, sourceID string, r io.Reader, typ backup.Type, opts backup.CreateOptions) (string, error) {
	return e.backups.Create(ctx, sourceID, r, typ, opts)
}

// RestoreBackup writes a backup's reassembled content to target.
func (e *Engine) RestoreBackup(ctx context.Context, id string, target io.Writer, verify bool) error {
	return e.backups.Restore(ctx, id, target, verify)
}

// ValidateBackup re-verifies a backup's stored chunks.
func (e *Engine) ValidateBackup(id string) (backup.ValidationReport, error) {
	return e.backups.Validate(id)
}

// Backup reports one backup's metadata.
func (e *Engine) Backup(id string) (backup.Metadata, error) {
	return e.backups.Get(id)
}

// Backups lists backup metadata matching the filter.
func (e *Engine) Backups(filter backup.ListFilter) []backup.Metadata {
	return e.backups.List(filter)
}

// ApplyRetention runs one retention pass immediately.
func (e *Engine) ApplyRetention(ctx context.Context) (int, error) {
	return e.backups.ApplyRetention(ctx)
}

// --- recovery ---

// RecoverToTimestamp plans a point-in-time recovery to the given Unix
// epoch second and executes it.
func (e *Engine) RecoverToTimestamp(ctx context.Context, epochSeconds int64, opts recovery.PlanOptions) (string, recovery.Report, error) {
	return e.recover(ctx, recovery.Target{Timestamp: time.Unix(epochSeconds, 0)}, opts)
}

// RecoverToTxn plans a recovery to the state immediately after the given
// transaction committed and executes it.
func (e *Engine) RecoverToTxn(ctx context.Context, id txn.TxnID, opts recovery.PlanOptions) (string, recovery.Report, error) {
	return e.recover(ctx, recovery.Target{Txn: id}, opts)
}

func (e *Engine) recover(ctx context.Context, target recovery.Target, opts recovery.PlanOptions) (string, recovery.Report, error) {
	planID, err := e.recovery.Plan(target, opts)
	if err != nil {
		return "", recovery.Report{}, err
	}
	report, err := e.recovery.Execute(ctx, planID)
	return planID, report, err
}

// PlanRecovery computes a recovery plan without executing it.
func (e *Engine) PlanRecovery(target recovery.Target, opts recovery.PlanOptions) (string, error) {
	return e.recovery.Plan(target, opts)
}

// ExecutePlan runs a previously computed plan.
func (e *Engine) ExecutePlan(ctx context.Context, planID string) (recovery.Report, error) {
	return e.recovery.Execute(ctx, planID)
}

// TriggerDisasterRecovery restores the most recent valid backup chain
// immediately, recording the scenario label for audit.
func (e *Engine) TriggerDisasterRecovery(ctx context.Context, scenario string) (string, recovery.Report, error) {
	return e.recovery.TriggerDisasterRecovery(ctx, scenario)
}

// ResumePlan approves or rejects a plan paused for manual review.
func (e *Engine) ResumePlan(planID string, approve bool) (recovery.Report, error) {
	return e.recovery.Resume(planID, approve)
}

// PlanStatus reports a recovery plan's lifecycle status.
func (e *Engine) PlanStatus(planID string) (recovery.PlanStatus, bool) {
	return e.recovery.Status(planID)
}

// Plans lists all known recovery plans.
func (e *Engine) Plans() []recovery.Summary {
	return e.recovery.List()
}
