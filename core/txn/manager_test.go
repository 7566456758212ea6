package txn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bastion-engine/bastion/core/storage"
	"github.com/bastion-engine/bastion/internal/metrics"
)

// --- Test Helpers ---

// setupManager creates a started Manager over in-memory stores.
func setupManager(t *testing.T, cfg ManagerConfig) (*Manager, *storage.MemStore) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.DeadlockInterval == 0 {
		cfg.DeadlockInterval = 10 * time.Millisecond
	}

	log, err := OpenLog(storage.NewMemStore(), logger)
	require.NoError(t, err)

	resources := storage.NewMemStore()
	m, err := NewManager(cfg, log, resources, logger, metrics.NewNop())
	require.NoError(t, err)
	m.Start()
	t.Cleanup(m.Stop)
	return m, resources
}

// write locks the resource exclusively and records a mutating operation.
func write(t *testing.T, m *Manager, id TxnID, kind OpKind, resource string, forward, inverse []byte) {
	t.Helper()
	require.NoError(t, m.AcquireLock(context.Background(), id, resource, Exclusive))
	require.NoError(t, m.RecordOperation(id, Operation{
		Kind:     kind,
		Resource: resource,
		Forward:  forward,
		Inverse:  inverse,
	}))
}

// --- Test Cases ---

// TestCommitAppliesBufferedWrites verifies the basic lifecycle: operations
// buffer in the write set and land in the resource store only at commit.
func TestCommitAppliesBufferedWrites(t *testing.T) {
	m, resources := setupManager(t, ManagerConfig{})

	id, err := m.Begin(ReadCommitted, "test")
	require.NoError(t, err)

	write(t, m, id, OpCreate, "users/1", []byte("alice"), []byte{})

	// Not visible in the committed store before commit.
	_, err = resources.Get("users/1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, m.Commit(context.Background(), id))

	val, err := resources.Get("users/1")
	require.NoError(t, err)
	require.Equal(t, []byte("alice"), val)

	info, ok := m.GetInfo(id)
	require.True(t, ok)
	require.Equal(t, StateCommitted, info.State)
}

// TestAbortDiscardsWriteSet verifies that aborting leaves the committed
// store untouched and the transaction terminally aborted.
func TestAbortDiscardsWriteSet(t *testing.T) {
	m, resources := setupManager(t, ManagerConfig{})

	id, err := m.Begin(ReadCommitted, "test")
	require.NoError(t, err)
	write(t, m, id, OpCreate, "users/1", []byte("alice"), []byte{})

	require.NoError(t, m.Abort(id))
	_, err = resources.Get("users/1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	info, ok := m.GetInfo(id)
	require.True(t, ok)
	require.Equal(t, StateAborted, info.State)

	// Aborting again is a no-op, and further operations are rejected.
	require.NoError(t, m.Abort(id))
	err = m.RecordOperation(id, Operation{Kind: OpUpdate, Resource: "users/1", Forward: []byte("x"), Inverse: []byte{}})
	require.ErrorIs(t, err, ErrInvalidState)
	err = m.Commit(context.Background(), id)
	require.ErrorIs(t, err, ErrInvalidState)
}

// TestReadsSeeOwnWritesFirst verifies the transaction's read view: its
// buffered writes shadow the committed store, and a buffered delete reads
// as missing.
func TestReadsSeeOwnWritesFirst(t *testing.T) {
	m, resources := setupManager(t, ManagerConfig{})
	require.NoError(t, resources.Put("k", []byte("committed")))

	id, err := m.Begin(ReadCommitted, "test")
	require.NoError(t, err)

	val, err := m.Get(id, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("committed"), val)

	write(t, m, id, OpUpdate, "k", []byte("mine"), []byte("committed"))
	val, err = m.Get(id, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("mine"), val)

	write(t, m, id, OpDelete, "k", []byte{}, []byte("committed"))
	_, err = m.Get(id, "k")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

// TestMutatingOperationRequiresInverse verifies that a mutating operation
// without an inverse payload is rejected at record time, while an empty
// non-nil inverse (resource did not exist) is accepted.
func TestMutatingOperationRequiresInverse(t *testing.T) {
	m, _ := setupManager(t, ManagerConfig{})

	id, err := m.Begin(ReadCommitted, "test")
	require.NoError(t, err)
	require.NoError(t, m.AcquireLock(context.Background(), id, "k", Exclusive))

	err = m.RecordOperation(id, Operation{Kind: OpCreate, Resource: "k", Forward: []byte("v")})
	require.ErrorIs(t, err, ErrMissingInverse)

	require.NoError(t, m.RecordOperation(id, Operation{
		Kind: OpCreate, Resource: "k", Forward: []byte("v"), Inverse: []byte{},
	}))
}

// TestPrepareRejectsWithoutExclusiveLock verifies phase one fails when
// the transaction recorded a mutation without holding the exclusive lock
// backing it.
func TestPrepareRejectsWithoutExclusiveLock(t *testing.T) {
	m, resources := setupManager(t, ManagerConfig{})

	id, err := m.Begin(ReadCommitted, "test")
	require.NoError(t, err)
	require.NoError(t, m.RecordOperation(id, Operation{
		Kind: OpCreate, Resource: "k", Forward: []byte("v"), Inverse: []byte{},
	}))

	err = m.Commit(context.Background(), id)
	var commitErr *CommitError
	require.ErrorAs(t, err, &commitErr)
	require.Equal(t, "prepare", commitErr.Phase)
	require.ErrorIs(t, err, ErrLockNotHeld)

	// Prepare failure aborts; nothing applied.
	_, err = resources.Get("k")
	require.ErrorIs(t, err, storage.ErrNotFound)
	info, _ := m.GetInfo(id)
	require.Equal(t, StateAborted, info.State)
}

// TestPrepareValidatesAgainstCommittedState verifies the constraint
// checks of phase one: create of an existing resource and update of a
// missing one both fail, and within one transaction earlier operations
// feed the expected state of later ones.
func TestPrepareValidatesAgainstCommittedState(t *testing.T) {
	m, resources := setupManager(t, ManagerConfig{})
	require.NoError(t, resources.Put("exists", []byte("v")))

	id, err := m.Begin(ReadCommitted, "test")
	require.NoError(t, err)
	write(t, m, id, OpCreate, "exists", []byte("v2"), []byte{})
	err = m.Commit(context.Background(), id)
	var commitErr *CommitError
	require.ErrorAs(t, err, &commitErr)
	require.Equal(t, "prepare", commitErr.Phase)

	id2, err := m.Begin(ReadCommitted, "test")
	require.NoError(t, err)
	write(t, m, id2, OpUpdate, "missing", []byte("v"), []byte{})
	require.Error(t, m.Commit(context.Background(), id2))

	// Create-then-update-then-delete of a fresh resource is internally
	// consistent and commits.
	id3, err := m.Begin(ReadCommitted, "test")
	require.NoError(t, err)
	write(t, m, id3, OpCreate, "fresh", []byte("a"), []byte{})
	write(t, m, id3, OpUpdate, "fresh", []byte("b"), []byte("a"))
	write(t, m, id3, OpDelete, "fresh", []byte{}, []byte("b"))
	require.NoError(t, m.Commit(context.Background(), id3))
	_, err = resources.Get("fresh")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

// TestDeadlockVictimAborted drives the classic two-transaction cycle and
// verifies the detector aborts exactly one of them with the deadlock
// cause, letting the survivor proceed.
func TestDeadlockVictimAborted(t *testing.T) {
	m, _ := setupManager(t, ManagerConfig{DeadlockInterval: 5 * time.Millisecond})

	a, err := m.Begin(Serializable, "conn-a")
	require.NoError(t, err)
	b, err := m.Begin(Serializable, "conn-b")
	require.NoError(t, err)

	require.NoError(t, m.AcquireLock(context.Background(), a, "r1", Exclusive))
	require.NoError(t, m.AcquireLock(context.Background(), b, "r2", Exclusive))

	bErr := make(chan error, 1)
	go func() {
		bErr <- m.AcquireLock(context.Background(), b, "r1", Exclusive)
	}()
	time.Sleep(20 * time.Millisecond) // let b enter the queue

	// Closing the cycle: a waits on b while b waits on a. Both hold zero
	// operations, so the more recently started transaction (b) loses.
	err = m.AcquireLock(context.Background(), a, "r2", Exclusive)
	require.NoError(t, err)

	select {
	case err := <-bErr:
		require.ErrorIs(t, err, ErrDeadlockVictim)
	case <-time.After(2 * time.Second):
		t.Fatal("victim's lock request never returned")
	}

	info, ok := m.GetInfo(b)
	require.True(t, ok)
	require.Equal(t, StateAborted, info.State)
	require.NoError(t, m.Commit(context.Background(), a))
}

// TestTransactionTimeout verifies the sweeper moves an idle transaction
// to TimedOut and releases its locks.
func TestTransactionTimeout(t *testing.T) {
	m, _ := setupManager(t, ManagerConfig{
		Timeout:          30 * time.Millisecond,
		DeadlockInterval: 10 * time.Millisecond,
	})

	id, err := m.Begin(ReadCommitted, "test")
	require.NoError(t, err)
	require.NoError(t, m.AcquireLock(context.Background(), id, "r", Exclusive))

	require.Eventually(t, func() bool {
		info, ok := m.GetInfo(id)
		return ok && info.State == StateTimedOut
	}, 2*time.Second, 10*time.Millisecond)

	// The timed-out holder's lock is gone; a new transaction gets it
	// immediately.
	id2, err := m.Begin(ReadCommitted, "test")
	require.NoError(t, err)
	require.NoError(t, m.AcquireLock(context.Background(), id2, "r", Exclusive))
}

// TestCommitWritesDurableLogTrail verifies the durable record sequence of
// a committed transaction: begin, one record per operation, prepare,
// commit.
func TestCommitWritesDurableLogTrail(t *testing.T) {
	m, _ := setupManager(t, ManagerConfig{})

	id, err := m.Begin(ReadCommitted, "test")
	require.NoError(t, err)
	write(t, m, id, OpCreate, "k", []byte("v"), []byte{})
	require.NoError(t, m.Commit(context.Background(), id))

	records, err := m.Log().Scan(1, 0)
	require.NoError(t, err)

	var types []RecordType
	for _, r := range records {
		if r.TxnID == id {
			types = append(types, r.Type)
		}
	}
	require.Equal(t, []RecordType{RecordBegin, RecordOperation, RecordPrepare, RecordCommit}, types)

	for _, r := range records {
		if r.TxnID == id && r.Type == RecordOperation {
			require.Equal(t, "k", r.Resource)
			require.Equal(t, []byte("v"), r.Forward)
			require.NotNil(t, r.Inverse)
			require.Len(t, r.Inverse, 0)
		}
	}
}

// TestListOrdersById verifies the listing snapshot.
func TestListOrdersById(t *testing.T) {
	m, _ := setupManager(t, ManagerConfig{})

	first, err := m.Begin(ReadCommitted, "a")
	require.NoError(t, err)
	second, err := m.Begin(Serializable, "b")
	require.NoError(t, err)

	infos := m.List()
	require.Len(t, infos, 2)
	require.Equal(t, first, infos[0].ID)
	require.Equal(t, second, infos[1].ID)
	require.Equal(t, "b", infos[1].Owner)

	_, ok := m.GetInfo(TxnID(999))
	require.False(t, ok)
	require.True(t, errors.Is(m.Abort(TxnID(999)), ErrTxnNotFound))
}

// TestLifecycleEventsEmitted verifies commit and rollback notifications
// reach the event channel.
func TestLifecycleEventsEmitted(t *testing.T) {
	m, _ := setupManager(t, ManagerConfig{})

	id, err := m.Begin(ReadCommitted, "events")
	require.NoError(t, err)
	write(t, m, id, OpCreate, "r", []byte("v"), []byte{})
	require.NoError(t, m.Commit(context.Background(), id))

	other, err := m.Begin(ReadCommitted, "events")
	require.NoError(t, err)
	require.NoError(t, m.Abort(other))

	var kinds []EventKind
	for len(kinds) < 3 {
		select {
		case ev := <-m.Events():
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatalf("missing lifecycle events, saw %v", kinds)
		}
	}
	require.Contains(t, kinds, EventCommitted)
	require.Contains(t, kinds, EventAborted)
	require.Contains(t, kinds, EventRollbackComplete)
}

// slowStore delays writes so a commit's apply phase spans several
// timeout-sweep ticks.
type slowStore struct {
	storage.Store
	delay time.Duration
}

func (s *slowStore) Put(key string, val []byte) error {
	time.Sleep(s.delay)
	return s.Store.Put(key, val)
}

// TestTimeoutSweepNeverInterruptsCommitApply pins the transaction past
// its timeout inside the apply phase. The sweeper must yield to the
// in-flight commit instead of terminating it mid-apply, and the commit
// outcome must stick.
func TestTimeoutSweepNeverInterruptsCommitApply(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	log, err := OpenLog(storage.NewMemStore(), logger)
	require.NoError(t, err)

	resources := &slowStore{Store: storage.NewMemStore(), delay: 120 * time.Millisecond}
	m, err := NewManager(ManagerConfig{
		Timeout:          40 * time.Millisecond,
		DeadlockInterval: 5 * time.Millisecond,
	}, log, resources, logger, metrics.NewNop())
	require.NoError(t, err)
	m.Start()
	t.Cleanup(m.Stop)

	id, err := m.Begin(ReadCommitted, "slow")
	require.NoError(t, err)
	write(t, m, id, OpCreate, "r", []byte("v"), []byte{})
	require.NoError(t, m.Commit(context.Background(), id))

	info, ok := m.GetInfo(id)
	require.True(t, ok)
	require.Equal(t, StateCommitted, info.State)

	done, err := m.Done(id)
	require.NoError(t, err)
	select {
	case <-done:
	default:
		t.Fatal("terminality channel not closed after commit")
	}

	// Later sweeps must not demote the committed transaction.
	time.Sleep(30 * time.Millisecond)
	info, _ = m.GetInfo(id)
	require.Equal(t, StateCommitted, info.State)

	val, err := resources.Get("r")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)
}

// TestAcquireBoundedWaitSurfacesLockTimeout verifies the per-attempt
// wait bound: a blocked acquisition fails with ErrLockTimeout while the
// holder lives, and succeeds once the lock is free.
func TestAcquireBoundedWaitSurfacesLockTimeout(t *testing.T) {
	m, _ := setupManager(t, ManagerConfig{LockWait: 30 * time.Millisecond})

	holder, err := m.Begin(ReadCommitted, "holder")
	require.NoError(t, err)
	require.NoError(t, m.AcquireLock(context.Background(), holder, "r", Exclusive))

	blocked, err := m.Begin(ReadCommitted, "blocked")
	require.NoError(t, err)
	err = m.AcquireLock(context.Background(), blocked, "r", Exclusive)
	require.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, m.Abort(holder))
	require.NoError(t, m.AcquireLock(context.Background(), blocked, "r", Exclusive))
}

// TestStrictIsolationReadRequiresSharedLock verifies read locking at the
// stricter levels: RepeatableRead and Serializable reads of the committed
// store demand a shared lock, while ReadCommitted reads do not.
func TestStrictIsolationReadRequiresSharedLock(t *testing.T) {
	m, _ := setupManager(t, ManagerConfig{})

	writer, err := m.Begin(ReadCommitted, "writer")
	require.NoError(t, err)
	write(t, m, writer, OpCreate, "r", []byte("v1"), []byte{})
	require.NoError(t, m.Commit(context.Background(), writer))

	strict, err := m.Begin(Serializable, "strict")
	require.NoError(t, err)
	_, err = m.Get(strict, "r")
	require.ErrorIs(t, err, ErrLockNotHeld)

	require.NoError(t, m.AcquireLock(context.Background(), strict, "r", Shared))
	val, err := m.Get(strict, "r")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)

	relaxed, err := m.Begin(ReadCommitted, "relaxed")
	require.NoError(t, err)
	val, err = m.Get(relaxed, "r")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)
}

// TestAbortedTransactionInvisibleToReaders verifies aborted writes leave
// no trace: the resource store and a serializable reader holding the
// shared lock both see nothing.
func TestAbortedTransactionInvisibleToReaders(t *testing.T) {
	m, resources := setupManager(t, ManagerConfig{})

	aborted, err := m.Begin(ReadCommitted, "doomed")
	require.NoError(t, err)
	write(t, m, aborted, OpCreate, "r", []byte("secret"), []byte{})
	require.NoError(t, m.Abort(aborted))

	reader, err := m.Begin(Serializable, "reader")
	require.NoError(t, err)
	require.NoError(t, m.AcquireLock(context.Background(), reader, "r", Shared))
	_, err = m.Get(reader, "r")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = resources.Get("r")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
