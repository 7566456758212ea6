package recovery

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bastion-engine/bastion/core/backup"
	"github.com/bastion-engine/bastion/core/storage"
	"github.com/bastion-engine/bastion/core/txn"
	"github.com/bastion-engine/bastion/internal/metrics"
)

// --- Test Helpers ---

type recoveryFixture struct {
	resources *storage.MemStore
	txns      *txn.Manager
	backups   *backup.Store
	orch      *Orchestrator
}

func setupOrchestrator(t *testing.T, cfg Config) *recoveryFixture {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	log, err := txn.OpenLog(storage.NewMemStore(), logger)
	require.NoError(t, err)
	resources := storage.NewMemStore()
	txns, err := txn.NewManager(txn.ManagerConfig{
		Timeout:          5 * time.Second,
		DeadlockInterval: 10 * time.Millisecond,
	}, log, resources, logger, metrics.NewNop())
	require.NoError(t, err)
	txns.Start()
	t.Cleanup(txns.Stop)

	codec, err := backup.NewCodec("none", 0)
	require.NoError(t, err)
	digest, err := backup.NewDigest("xxhash")
	require.NoError(t, err)
	backups, err := backup.NewStore(backup.StoreConfig{ChunkSize: 1024, Workers: 2},
		codec, digest, storage.NewMemStore(), txns, logger, metrics.NewNop())
	require.NoError(t, err)

	if cfg.MaxConcurrentPlans == 0 {
		cfg.MaxConcurrentPlans = 2
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = FailFast
	}
	cfg.ExcludePrefixes = []string{backup.MetaKeyPrefix}
	orch, err := New(cfg, backups, txns, resources, logger, metrics.NewNop())
	require.NoError(t, err)
	return &recoveryFixture{resources: resources, txns: txns, backups: backups, orch: orch}
}

// commitWrite runs one single-operation transaction to completion.
func (f *recoveryFixture) commitWrite(t *testing.T, kind txn.OpKind, resource string, forward, inverse []byte) txn.TxnID {
	t.Helper()
	id, err := f.txns.Begin(txn.ReadCommitted, "test")
	require.NoError(t, err)
	require.NoError(t, f.txns.AcquireLock(context.Background(), id, resource, txn.Exclusive))
	require.NoError(t, f.txns.RecordOperation(id, txn.Operation{
		Kind: kind, Resource: resource, Forward: forward, Inverse: inverse,
	}))
	require.NoError(t, f.txns.Commit(context.Background(), id))
	return id
}

// captureBackup snapshots the managed store into a full backup.
func (f *recoveryFixture) captureBackup(t *testing.T) string {
	t.Helper()
	snapshot, err := storage.EncodeSnapshot(f.resources, backup.MetaKeyPrefix)
	require.NoError(t, err)
	id, err := f.backups.Create(context.Background(), "state", bytes.NewReader(snapshot), backup.Full, backup.CreateOptions{})
	require.NoError(t, err)
	return id
}

func (f *recoveryFixture) get(t *testing.T, resource string) []byte {
	t.Helper()
	val, err := f.resources.Get(resource)
	require.NoError(t, err)
	return val
}

// --- Test Cases ---

// TestPointInTimeRecoveryUndoesInFlightTransaction drives the canonical
// timeline: v1 in the backup, v2 committed before the target, v3 from a
// transaction the target instant catches mid-flight. Recovery must land
// on v2, never a partial application of the in-flight transaction.
func TestPointInTimeRecoveryUndoesInFlightTransaction(t *testing.T) {
	f := setupOrchestrator(t, Config{})

	f.commitWrite(t, txn.OpCreate, "k", []byte("v1"), []byte{})
	f.captureBackup(t)
	f.commitWrite(t, txn.OpUpdate, "k", []byte("v2"), []byte("v1"))

	// The third transaction is open while the target instant passes.
	inflight, err := f.txns.Begin(txn.ReadCommitted, "test")
	require.NoError(t, err)
	require.NoError(t, f.txns.AcquireLock(context.Background(), inflight, "k", txn.Exclusive))
	require.NoError(t, f.txns.RecordOperation(inflight, txn.Operation{
		Kind: txn.OpUpdate, Resource: "k", Forward: []byte("v3"), Inverse: []byte("v2"),
	}))
	time.Sleep(2 * time.Millisecond)
	target := time.Now()
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, f.txns.Commit(context.Background(), inflight))
	require.Equal(t, []byte("v3"), f.get(t, "k"))

	planID, err := f.orch.Plan(Target{Timestamp: target}, PlanOptions{Strategy: Overwrite})
	require.NoError(t, err)
	report, err := f.orch.Execute(context.Background(), planID)
	require.NoError(t, err)

	require.Equal(t, StatusCompleted, report.Status)
	require.Equal(t, []byte("v2"), f.get(t, "k"))
	status, ok := f.orch.Status(planID)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, status)
}

// TestRecoveryToTransactionTarget verifies a transaction-id target
// resolves to that transaction's commit instant.
func TestRecoveryToTransactionTarget(t *testing.T) {
	f := setupOrchestrator(t, Config{})

	f.commitWrite(t, txn.OpCreate, "k", []byte("v1"), []byte{})
	f.captureBackup(t)
	v2Txn := f.commitWrite(t, txn.OpUpdate, "k", []byte("v2"), []byte("v1"))
	time.Sleep(2 * time.Millisecond)
	f.commitWrite(t, txn.OpUpdate, "k", []byte("v3"), []byte("v2"))

	planID, err := f.orch.Plan(Target{Txn: v2Txn}, PlanOptions{Strategy: Overwrite})
	require.NoError(t, err)
	_, err = f.orch.Execute(context.Background(), planID)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), f.get(t, "k"))
}

// conflictFixture sets up a recovered value of "v2" for resource r with
// an independent out-of-plan write of "independent" sitting in the
// target, and returns the target instant.
func conflictFixture(t *testing.T, f *recoveryFixture) time.Time {
	t.Helper()
	f.commitWrite(t, txn.OpCreate, "r", []byte("v1"), []byte{})
	f.captureBackup(t)
	f.commitWrite(t, txn.OpUpdate, "r", []byte("v2"), []byte("v1"))
	time.Sleep(2 * time.Millisecond)
	target := time.Now()

	// A write that bypasses the transaction manager entirely.
	require.NoError(t, f.resources.Put("r", []byte("independent")))
	return target
}

// TestConflictOverwriteStrategy verifies the recovered value wins.
func TestConflictOverwriteStrategy(t *testing.T) {
	f := setupOrchestrator(t, Config{})
	target := conflictFixture(t, f)

	planID, err := f.orch.Plan(Target{Timestamp: target}, PlanOptions{Strategy: Overwrite})
	require.NoError(t, err)
	report, err := f.orch.Execute(context.Background(), planID)
	require.NoError(t, err)

	require.Equal(t, []byte("v2"), f.get(t, "r"))
	require.Len(t, report.Conflicts, 1)
	require.Equal(t, "r", report.Conflicts[0].Resource)
	require.Equal(t, "overwrite", report.Conflicts[0].Resolution)
}

// TestConflictSkipStrategy verifies the independent value survives and
// the skip is recorded.
func TestConflictSkipStrategy(t *testing.T) {
	f := setupOrchestrator(t, Config{})
	target := conflictFixture(t, f)

	planID, err := f.orch.Plan(Target{Timestamp: target}, PlanOptions{Strategy: SkipConflicts})
	require.NoError(t, err)
	report, err := f.orch.Execute(context.Background(), planID)
	require.NoError(t, err)

	require.Equal(t, []byte("independent"), f.get(t, "r"))
	require.Equal(t, []string{"r"}, report.Skipped)
	require.Equal(t, StatusCompleted, report.Status)
}

// TestConflictFailFastStrategy verifies the plan aborts before touching
// the target.
func TestConflictFailFastStrategy(t *testing.T) {
	f := setupOrchestrator(t, Config{})
	target := conflictFixture(t, f)

	planID, err := f.orch.Plan(Target{Timestamp: target}, PlanOptions{Strategy: FailFast})
	require.NoError(t, err)
	_, err = f.orch.Execute(context.Background(), planID)
	require.ErrorIs(t, err, ErrConflict)

	require.Equal(t, []byte("independent"), f.get(t, "r"))
	status, _ := f.orch.Status(planID)
	require.Equal(t, StatusFailed, status)
}

// TestConflictMergeStrategy verifies the caller's resolver output is
// applied, and that Merge without a resolver is rejected at plan time.
func TestConflictMergeStrategy(t *testing.T) {
	f := setupOrchestrator(t, Config{})
	target := conflictFixture(t, f)

	_, err := f.orch.Plan(Target{Timestamp: target}, PlanOptions{Strategy: Merge})
	require.ErrorIs(t, err, ErrResolverRequired)

	resolver := ResolverFunc(func(resource string, recovered, current []byte) ([]byte, error) {
		return []byte(fmt.Sprintf("%s+%s", recovered, current)), nil
	})
	planID, err := f.orch.Plan(Target{Timestamp: target}, PlanOptions{Strategy: Merge, Resolver: resolver})
	require.NoError(t, err)
	report, err := f.orch.Execute(context.Background(), planID)
	require.NoError(t, err)

	require.Equal(t, []byte("v2+independent"), f.get(t, "r"))
	require.Equal(t, "merged", report.Conflicts[0].Resolution)
}

// TestConflictTimestampStrategy verifies the later modification wins,
// and that an unknown modification time keeps the current value.
func TestConflictTimestampStrategy(t *testing.T) {
	f := setupOrchestrator(t, Config{})
	target := conflictFixture(t, f)

	// No ModTime source: the target's value is presumed newer.
	planID, err := f.orch.Plan(Target{Timestamp: target}, PlanOptions{Strategy: TimestampBased})
	require.NoError(t, err)
	report, err := f.orch.Execute(context.Background(), planID)
	require.NoError(t, err)
	require.Equal(t, []byte("independent"), f.get(t, "r"))
	require.Equal(t, "kept_current", report.Conflicts[0].Resolution)

	// An out-of-plan write older than the recovered one loses.
	require.NoError(t, f.resources.Put("r", []byte("independent")))
	ancient := func(string) (time.Time, bool) { return time.Unix(0, 0), true }
	planID, err = f.orch.Plan(Target{Timestamp: target}, PlanOptions{Strategy: TimestampBased, ModTime: ancient})
	require.NoError(t, err)
	report, err = f.orch.Execute(context.Background(), planID)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), f.get(t, "r"))
	require.Equal(t, "kept_recovered", report.Conflicts[0].Resolution)
}

// TestManualReviewPausesAndResumes verifies the pause/resume protocol:
// rejection leaves the target untouched, approval applies the recovered
// values.
func TestManualReviewPausesAndResumes(t *testing.T) {
	f := setupOrchestrator(t, Config{})
	target := conflictFixture(t, f)

	planID, err := f.orch.Plan(Target{Timestamp: target}, PlanOptions{Strategy: ManualReview})
	require.NoError(t, err)
	_, err = f.orch.Execute(context.Background(), planID)
	require.ErrorIs(t, err, ErrAwaitingReview)

	status, _ := f.orch.Status(planID)
	require.Equal(t, StatusAwaitingReview, status)
	require.Equal(t, []byte("independent"), f.get(t, "r"))

	_, err = f.orch.Resume(planID, false)
	require.ErrorIs(t, err, ErrReviewRejected)
	status, _ = f.orch.Status(planID)
	require.Equal(t, StatusFailed, status)
	require.Equal(t, []byte("independent"), f.get(t, "r"))

	// A second identical plan, approved this time.
	planID, err = f.orch.Plan(Target{Timestamp: target}, PlanOptions{Strategy: ManualReview})
	require.NoError(t, err)
	_, err = f.orch.Execute(context.Background(), planID)
	require.ErrorIs(t, err, ErrAwaitingReview)

	report, err := f.orch.Resume(planID, true)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, report.Status)
	require.Equal(t, []byte("v2"), f.get(t, "r"))
}

// TestDisasterRecoveryRestoresNewestChain verifies the fast path: the
// newest valid backup is restored wholesale, drift and all.
func TestDisasterRecoveryRestoresNewestChain(t *testing.T) {
	f := setupOrchestrator(t, Config{})

	f.commitWrite(t, txn.OpCreate, "k", []byte("safe"), []byte{})
	f.captureBackup(t)
	require.NoError(t, f.resources.Put("k", []byte("damaged")))

	planID, report, err := f.orch.TriggerDisasterRecovery(context.Background(), "region-loss-drill")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, report.Status)
	require.Equal(t, []byte("safe"), f.get(t, "k"))

	var found bool
	for _, s := range f.orch.List() {
		if s.ID == planID {
			found = true
			require.Equal(t, "region-loss-drill", s.Scenario)
		}
	}
	require.True(t, found)
}

// TestPlanRejectsBadRequests covers plan-time validation.
func TestPlanRejectsBadRequests(t *testing.T) {
	f := setupOrchestrator(t, Config{})

	_, err := f.orch.Plan(Target{}, PlanOptions{})
	require.ErrorIs(t, err, ErrTargetRequired)

	_, err = f.orch.Plan(Target{Timestamp: time.Now(), Txn: 1}, PlanOptions{})
	require.ErrorIs(t, err, ErrTargetRequired)

	_, err = f.orch.Plan(Target{Timestamp: time.Now()}, PlanOptions{})
	require.ErrorIs(t, err, ErrNoBackup)

	_, err = f.orch.Plan(Target{Txn: 42}, PlanOptions{})
	require.ErrorIs(t, err, txn.ErrTxnNotFound)

	_, err = f.orch.Execute(context.Background(), "no-such-plan")
	require.ErrorIs(t, err, ErrPlanNotFound)
}

// TestConsistencyGateFailsPlan verifies a failing caller-supplied check
// marks the plan Failed while leaving applied state in place.
func TestConsistencyGateFailsPlan(t *testing.T) {
	f := setupOrchestrator(t, Config{})

	f.commitWrite(t, txn.OpCreate, "k", []byte("v1"), []byte{})
	f.captureBackup(t)
	f.commitWrite(t, txn.OpUpdate, "k", []byte("v2"), []byte("v1"))
	time.Sleep(2 * time.Millisecond)

	failing := func(read func(string) ([]byte, bool)) error {
		return fmt.Errorf("ledger totals do not balance")
	}
	planID, err := f.orch.Plan(Target{Timestamp: time.Now()}, PlanOptions{Strategy: Overwrite, Checks: []Check{failing}})
	require.NoError(t, err)

	report, err := f.orch.Execute(context.Background(), planID)
	require.Error(t, err)
	require.Equal(t, StatusFailed, report.Status)
	require.NotEmpty(t, report.Validation)
	require.Equal(t, []byte("v2"), f.get(t, "k")) // partial state stays
}

// TestConsistencyGateAutoRollback verifies the configured rollback
// reverse-applies every write of the failed plan.
func TestConsistencyGateAutoRollback(t *testing.T) {
	f := setupOrchestrator(t, Config{AutoRollbackOnFailure: true})

	f.commitWrite(t, txn.OpCreate, "k", []byte("v1"), []byte{})
	f.captureBackup(t)
	f.commitWrite(t, txn.OpUpdate, "k", []byte("v2"), []byte("v1"))
	time.Sleep(2 * time.Millisecond)
	target := time.Now()

	// Drift the target so the plan has something to write, then fail it.
	require.NoError(t, f.resources.Put("k", []byte("drifted")))
	failing := func(read func(string) ([]byte, bool)) error {
		return fmt.Errorf("check failed on purpose")
	}
	planID, err := f.orch.Plan(Target{Timestamp: target}, PlanOptions{Strategy: Overwrite, Checks: []Check{failing}})
	require.NoError(t, err)

	report, err := f.orch.Execute(context.Background(), planID)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.True(t, execErr.RolledBack)
	require.True(t, report.RolledBack)
	require.Equal(t, StatusRolledBack, report.Status)
	require.Equal(t, []byte("drifted"), f.get(t, "k"))
}

// TestReferentialIntegrityCheck verifies the built-in dangling-reference
// detection on structured values.
func TestReferentialIntegrityCheck(t *testing.T) {
	f := setupOrchestrator(t, Config{})

	f.commitWrite(t, txn.OpCreate, "seed", []byte("x"), []byte{})
	f.captureBackup(t)
	f.commitWrite(t, txn.OpCreate, "orders/1", []byte(`{"refs":["customers/9"],"total":5}`), []byte{})
	time.Sleep(2 * time.Millisecond)

	planID, err := f.orch.Plan(Target{Timestamp: time.Now()}, PlanOptions{Strategy: Overwrite})
	require.NoError(t, err)
	report, err := f.orch.Execute(context.Background(), planID)
	require.Error(t, err)
	require.Equal(t, StatusFailed, report.Status)
	require.Contains(t, report.Validation[0], "dangling reference")
}

// TestExecuteRejectsDoubleRun verifies plan state transitions are
// enforced.
func TestExecuteRejectsDoubleRun(t *testing.T) {
	f := setupOrchestrator(t, Config{})

	f.commitWrite(t, txn.OpCreate, "k", []byte("v1"), []byte{})
	f.captureBackup(t)
	time.Sleep(2 * time.Millisecond)

	planID, err := f.orch.Plan(Target{Timestamp: time.Now()}, PlanOptions{Strategy: Overwrite})
	require.NoError(t, err)
	_, err = f.orch.Execute(context.Background(), planID)
	require.NoError(t, err)

	_, err = f.orch.Execute(context.Background(), planID)
	require.ErrorIs(t, err, ErrInvalidPlanState)

	_, err = f.orch.Resume(planID, true)
	require.ErrorIs(t, err, ErrInvalidPlanState)
}
