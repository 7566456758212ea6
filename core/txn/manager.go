package txn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bastion-engine/bastion/core/storage"
	"github.com/bastion-engine/bastion/internal/metrics"
)

// ManagerConfig holds the transaction manager's tunables.
type ManagerConfig struct {
	// Timeout auto-aborts any transaction in a non-terminal state for
	// longer than this.
	Timeout time.Duration
	// DeadlockInterval is the period of the wait-for-graph cycle scan. A
	// scan also runs immediately whenever a new wait edge forms.
	DeadlockInterval time.Duration
	// LockWait bounds one lock acquisition attempt; an attempt still
	// blocked after this long fails with ErrLockTimeout so callers can
	// retry or give up. Zero waits as long as the caller's context allows.
	LockWait time.Duration
	// Retention keeps terminal transactions queryable before the sweeper
	// drops them from the in-memory table.
	Retention time.Duration
}

// Manager owns all transactions for their lifetime: the state machine,
// the lock table, the deadlock detector, and the two-phase commit against
// the managed resource store.
type Manager struct {
	cfg       ManagerConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics
	log       *Log
	resources storage.Store
	locks     *lockTable

	mu     sync.RWMutex
	txns   map[TxnID]*transaction
	nextID TxnID

	// opMu serializes RecordOperation/Commit/Abort per transaction so an
	// external abort can never interleave with an in-flight apply phase.
	opMu map[TxnID]*sync.Mutex

	events   chan Event
	checkNow chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// NewManager creates a transaction manager writing its durable log
// through log and applying committed operations to resources.
func NewManager(cfg ManagerConfig, log *Log, resources storage.Store, logger *zap.Logger, m *metrics.Metrics) (*Manager, error) {
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("transaction timeout must be positive")
	}
	if cfg.DeadlockInterval <= 0 {
		return nil, fmt.Errorf("deadlock detection interval must be positive")
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger.Named("txn_manager"),
		metrics:   m,
		log:       log,
		resources: resources,
		locks:     newLockTable(logger),
		txns:      make(map[TxnID]*transaction),
		opMu:      make(map[TxnID]*sync.Mutex),
		nextID:    0,
		events:    make(chan Event, 64),
		checkNow:  make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
	}, nil
}

// Start launches the background deadlock detector and the timeout/
// retention sweeper.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.detectorLoop()
	m.logger.Info("Transaction manager started",
		zap.Duration("timeout", m.cfg.Timeout),
		zap.Duration("deadlock_interval", m.cfg.DeadlockInterval))
}

// Stop halts the background jobs. In-flight calls complete; new Begin
// calls fail.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
	m.logger.Info("Transaction manager stopped")
}

// Events exposes lifecycle notifications. The channel is buffered; events
// are dropped rather than blocking the engine when no one is reading.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) publish(kind EventKind, id TxnID) {
	select {
	case m.events <- Event{Kind: kind, Txn: id, Time: time.Now()}:
	default:
	}
}

// Begin opens a new transaction at the given isolation level. The owner
// string identifies the calling connection for listings and victim audit.
func (m *Manager) Begin(level IsolationLevel, owner string) (TxnID, error) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return 0, ErrManagerClosed
	}
	m.nextID++
	id := m.nextID
	t := &transaction{
		id:        id,
		isolation: level,
		state:     StatePending,
		owner:     owner,
		start:     time.Now(),
		done:      make(chan struct{}),
	}
	m.txns[id] = t
	m.opMu[id] = &sync.Mutex{}
	m.mu.Unlock()

	if _, err := m.log.Append(&LogRecord{
		TxnID:     id,
		Type:      RecordBegin,
		Timestamp: t.start.UnixNano(),
	}); err != nil {
		m.mu.Lock()
		delete(m.txns, id)
		delete(m.opMu, id)
		m.mu.Unlock()
		return 0, fmt.Errorf("failed to log transaction begin: %w", err)
	}

	m.mu.Lock()
	t.state = StateActive
	m.mu.Unlock()
	m.metrics.TxnsBegun.Inc()
	m.logger.Debug("Transaction begun",
		zap.Uint64("txn", uint64(id)),
		zap.String("isolation", level.String()),
		zap.String("owner", owner))
	return id, nil
}

// AcquireLock blocks until the requested lock is granted, the context is
// cancelled, the configured per-attempt wait expires (ErrLockTimeout), or
// the transaction is chosen as a deadlock victim. A new wait edge
// triggers an immediate deadlock scan.
func (m *Manager) AcquireLock(ctx context.Context, id TxnID, resource string, mode LockMode) error {
	m.mu.RLock()
	t, ok := m.txns[id]
	state := StatePending
	if ok {
		state = t.state
	}
	m.mu.RUnlock()
	if !ok {
		return ErrTxnNotFound
	}
	if state != StateActive {
		return fmt.Errorf("%w: txn %d is %s", ErrInvalidState, id, state)
	}

	done := make(chan struct{})
	go func() {
		// Kick the detector once the waiter is likely queued; the periodic
		// scan covers any race with this hint.
		select {
		case m.checkNow <- struct{}{}:
		case <-done:
		}
	}()
	attemptCtx := ctx
	if m.cfg.LockWait > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, m.cfg.LockWait)
		defer cancel()
	}
	waited, err := m.locks.acquire(attemptCtx, id, resource, mode)
	close(done)
	if waited {
		m.metrics.LockWaits.Inc()
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %s on %s after %v", ErrLockTimeout, mode, resource, m.cfg.LockWait)
	}
	return err
}

// RecordOperation appends one operation to an Active transaction. Every
// mutating operation must carry a non-nil inverse payload before the
// transaction may reach Prepared; this is enforced at record time.
func (m *Manager) RecordOperation(id TxnID, op Operation) error {
	lock, err := m.txnLock(id)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	t, ok := m.txns[id]
	if !ok {
		m.mu.Unlock()
		return ErrTxnNotFound
	}
	if t.state != StateActive {
		m.mu.Unlock()
		return fmt.Errorf("%w: txn %d is %s", ErrInvalidState, id, t.state)
	}
	if op.Kind.Mutating() && op.Inverse == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s on %s", ErrMissingInverse, op.Kind, op.Resource)
	}
	op.Seq = uint32(len(t.ops) + 1)
	op.Timestamp = time.Now()
	t.ops = append(t.ops, op)
	m.mu.Unlock()

	if _, err := m.log.Append(&LogRecord{
		TxnID:     id,
		Seq:       op.Seq,
		Type:      RecordOperation,
		Timestamp: op.Timestamp.UnixNano(),
		Resource:  op.Resource,
		Forward:   op.Forward,
		Inverse:   op.Inverse,
	}); err != nil {
		return fmt.Errorf("failed to log operation: %w", err)
	}
	return nil
}

// Get returns the value of resource as visible to the transaction: its
// own buffered writes first, then the committed store. Write sets are
// buffered until commit, so no isolation level ever observes another
// transaction's uncommitted writes; RepeatableRead and Serializable
// additionally pin what they read by requiring a shared lock, so the
// value cannot change under them before commit.
func (m *Manager) Get(id TxnID, resource string) ([]byte, error) {
	m.mu.RLock()
	t, ok := m.txns[id]
	var level IsolationLevel
	if ok {
		level = t.isolation
		for i := len(t.ops) - 1; i >= 0; i-- {
			op := t.ops[i]
			if op.Resource != resource || !op.Kind.Mutating() {
				continue
			}
			m.mu.RUnlock()
			if op.Kind == OpDelete {
				return nil, storage.ErrNotFound
			}
			return op.Forward, nil
		}
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ErrTxnNotFound
	}
	if level >= RepeatableRead && !m.locks.holds(id, resource, Shared) {
		return nil, fmt.Errorf("%w: %s read of %s needs a shared lock", ErrLockNotHeld, level, resource)
	}
	return m.resources.Get(resource)
}

// Commit runs two-phase commit: validate every operation and the locks
// backing it (phase one, Prepared), then apply the forward payloads
// durably in sequence order (phase two, Committed). Any validation or
// apply failure rolls back applied effects and aborts.
func (m *Manager) Commit(ctx context.Context, id TxnID) error {
	lock, err := m.txnLock(id)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()
	start := time.Now()

	m.mu.Lock()
	t, ok := m.txns[id]
	if !ok {
		m.mu.Unlock()
		return ErrTxnNotFound
	}
	if t.state != StateActive {
		state := t.state
		m.mu.Unlock()
		return fmt.Errorf("%w: txn %d is %s", ErrInvalidState, id, state)
	}
	ops := make([]Operation, len(t.ops))
	copy(ops, t.ops)
	m.mu.Unlock()

	// Phase one: validate.
	if err := m.prepare(id, ops); err != nil {
		m.finishAbort(t, err, StateAborted)
		return &CommitError{Txn: id, Phase: "prepare", Cause: err}
	}
	if _, err := m.log.Append(&LogRecord{TxnID: id, Type: RecordPrepare, Timestamp: time.Now().UnixNano()}); err != nil {
		m.finishAbort(t, err, StateAborted)
		return &CommitError{Txn: id, Phase: "prepare", Cause: err}
	}
	m.setState(t, StatePrepared)

	// Phase two: apply durably, in recorded sequence order.
	var applied []uint32
	for _, op := range ops {
		if !op.Kind.Mutating() {
			continue
		}
		if err := applyPayload(m.resources, op.Resource, op.Forward, op.Kind == OpDelete); err != nil {
			cause := fmt.Errorf("failed to apply operation %d on %s: %w", op.Seq, op.Resource, err)
			rbErr := m.rollbackApplied(t, ops, applied, cause)
			return &CommitError{Txn: id, Phase: "apply", Applied: applied, Cause: rbErr}
		}
		applied = append(applied, op.Seq)
	}
	select {
	case <-ctx.Done():
		rbErr := m.rollbackApplied(t, ops, applied, ctx.Err())
		return &CommitError{Txn: id, Phase: "apply", Applied: applied, Cause: rbErr}
	default:
	}

	now := time.Now()
	if _, err := m.log.Append(&LogRecord{TxnID: id, Type: RecordCommit, Timestamp: now.UnixNano()}); err != nil {
		rbErr := m.rollbackApplied(t, ops, applied, err)
		return &CommitError{Txn: id, Phase: "apply", Applied: applied, Cause: rbErr}
	}

	m.mu.Lock()
	if t.state.Terminal() {
		// An external abort won the race. Its rollback saw no applied
		// effects (they happened under this call), so undo them here.
		cause := t.err
		m.mu.Unlock()
		if cause == nil {
			cause = ErrTxnAborted
		}
		rbErr := m.rollbackApplied(t, ops, applied, cause)
		return &CommitError{Txn: id, Phase: "apply", Applied: applied, Cause: rbErr}
	}
	t.state = StateCommitted
	t.end = now
	close(t.done)
	m.mu.Unlock()
	m.locks.releaseAll(id)
	m.metrics.TxnsCommitted.Inc()
	m.metrics.CommitLatency.Observe(time.Since(start).Seconds())
	m.publish(EventCommitted, id)
	m.logger.Debug("Transaction committed",
		zap.Uint64("txn", uint64(id)),
		zap.Int("operations", len(ops)))
	return nil
}

// prepare validates each operation against the current committed state
// and confirms the transaction still holds the lock it needs. Within the
// transaction, earlier operations feed the expected state of later ones.
func (m *Manager) prepare(id TxnID, ops []Operation) error {
	type expected struct {
		exists bool
		known  bool
	}
	seen := make(map[string]expected)

	for _, op := range ops {
		if !op.Kind.Mutating() {
			continue
		}
		if op.Inverse == nil {
			return fmt.Errorf("%w: operation %d on %s", ErrMissingInverse, op.Seq, op.Resource)
		}
		if !m.locks.holds(id, op.Resource, Exclusive) {
			return fmt.Errorf("%w: exclusive lock on %s", ErrLockNotHeld, op.Resource)
		}

		exp, ok := seen[op.Resource]
		if !ok {
			_, err := m.resources.Get(op.Resource)
			switch {
			case err == nil:
				exp = expected{exists: true, known: true}
			case err == storage.ErrNotFound:
				exp = expected{exists: false, known: true}
			default:
				return fmt.Errorf("failed to read %s during prepare: %w", op.Resource, err)
			}
		}

		switch op.Kind {
		case OpCreate:
			if exp.known && exp.exists {
				return fmt.Errorf("create of %s conflicts: resource already exists", op.Resource)
			}
			exp = expected{exists: true, known: true}
		case OpUpdate:
			if exp.known && !exp.exists {
				return fmt.Errorf("update of %s conflicts: resource does not exist", op.Resource)
			}
			exp = expected{exists: true, known: true}
		case OpDelete:
			if exp.known && !exp.exists {
				return fmt.Errorf("delete of %s conflicts: resource does not exist", op.Resource)
			}
			exp = expected{exists: false, known: true}
		}
		seen[op.Resource] = exp
	}
	return nil
}

// Abort rolls the transaction back: applied effects are undone via their
// inverse payloads in reverse sequence order and all locks are released.
// Aborting an already-terminal transaction is a no-op returning nil; the
// prior outcome stays observable through GetInfo.
func (m *Manager) Abort(id TxnID) error {
	lock, err := m.txnLock(id)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	t, ok := m.txns[id]
	if !ok {
		m.mu.Unlock()
		return ErrTxnNotFound
	}
	if t.state.Terminal() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	// Operations are buffered until phase two, so a caller-initiated
	// abort has nothing applied to undo; the per-txn lock guarantees no
	// commit is mid-apply here.
	m.finishAbort(t, nil, StateAborted)
	return nil
}

// rollbackApplied undoes the given applied sequence numbers in reverse
// order using the operations' inverse payloads, then finishes the abort.
// It returns cause, or a PartialRollbackError wrapping it when one or
// more inverses could not be applied.
func (m *Manager) rollbackApplied(t *transaction, ops []Operation, applied []uint32, cause error) error {
	bySeq := make(map[uint32]Operation, len(ops))
	for _, op := range ops {
		bySeq[op.Seq] = op
	}
	var unrolled []uint32
	var firstErr error
	for i := len(applied) - 1; i >= 0; i-- {
		op := bySeq[applied[i]]
		if err := applyPayload(m.resources, op.Resource, op.Inverse, len(op.Inverse) == 0); err != nil {
			unrolled = append(unrolled, op.Seq)
			if firstErr == nil {
				firstErr = err
			}
			m.logger.Error("Failed to apply inverse payload during rollback",
				zap.Uint64("txn", uint64(t.id)),
				zap.Uint32("seq", op.Seq),
				zap.Error(err))
		}
	}
	result := cause
	if len(unrolled) > 0 {
		result = &PartialRollbackError{Txn: t.id, Unrolled: unrolled, Cause: cause}
		if cause == nil {
			result = &PartialRollbackError{Txn: t.id, Unrolled: unrolled, Cause: firstErr}
		}
	}
	m.finishAbort(t, result, StateAborted)
	return result
}

// finishAbort moves the transaction to its terminal abort state, records
// the abort durably, releases locks, and emits the rollback events.
func (m *Manager) finishAbort(t *transaction, cause error, terminal State) {
	now := time.Now()
	m.mu.Lock()
	if t.state.Terminal() {
		m.mu.Unlock()
		return
	}
	t.state = terminal
	t.end = now
	t.err = cause
	close(t.done)
	m.mu.Unlock()

	if _, err := m.log.Append(&LogRecord{TxnID: t.id, Type: RecordAbort, Timestamp: now.UnixNano()}); err != nil {
		m.logger.Error("Failed to log transaction abort", zap.Uint64("txn", uint64(t.id)), zap.Error(err))
	}
	waitCause := cause
	if waitCause == nil {
		waitCause = ErrTxnAborted
	}
	m.locks.abortWaiters(t.id, waitCause)
	m.locks.releaseAll(t.id)
	if terminal == StateTimedOut {
		m.metrics.TxnsTimedOut.Inc()
		m.publish(EventTimedOut, t.id)
	} else {
		m.metrics.TxnsAborted.Inc()
		m.publish(EventAborted, t.id)
	}
	m.publish(EventRollbackComplete, t.id)
	m.logger.Debug("Transaction aborted",
		zap.Uint64("txn", uint64(t.id)),
		zap.String("state", terminal.String()),
		zap.Error(cause))
}

func (m *Manager) setState(t *transaction, s State) {
	m.mu.Lock()
	t.state = s
	m.mu.Unlock()
}

func (m *Manager) txnLock(id TxnID) (*sync.Mutex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lock, ok := m.opMu[id]
	if !ok {
		return nil, ErrTxnNotFound
	}
	return lock, nil
}

// Done returns a channel closed when the transaction reaches a terminal
// state, for waiters that must observe commit or rollback completion.
func (m *Manager) Done(id TxnID) (<-chan struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, ErrTxnNotFound
	}
	return t.done, nil
}

// GetInfo returns the listing view of one transaction.
func (m *Manager) GetInfo(id TxnID) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[id]
	if !ok {
		return Info{}, false
	}
	return t.info(), true
}

// List returns a consistent snapshot of all known transactions, ordered
// by id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.txns))
	for _, t := range m.txns {
		infos = append(infos, t.info())
	}
	m.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Log exposes the durable transaction log for recovery planning.
func (m *Manager) Log() *Log { return m.log }

// Resources exposes the committed resource store the manager applies to.
func (m *Manager) Resources() storage.Store { return m.resources }

// detectorLoop drives deadlock detection and the timeout/retention
// sweeps: periodically on a ticker, and immediately when a new wait edge
// forms.
func (m *Manager) detectorLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.DeadlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			m.logger.Debug("Deadlock detector stopping")
			return
		case <-m.checkNow:
			m.detectOnce()
		case <-ticker.C:
			m.detectOnce()
			m.sweepTimeouts()
			m.sweepRetention()
		}
	}
}

// detectOnce breaks every wait-for cycle currently in the graph. Victim
// policy: fewest completed operations, ties broken by most recent start.
func (m *Manager) detectOnce() {
	for {
		cycle := findCycle(m.locks.waitEdges())
		if cycle == nil {
			return
		}
		victim := m.chooseVictim(cycle)
		if victim == 0 {
			return
		}
		m.metrics.Deadlocks.Inc()
		m.logger.Warn("Deadlock detected; aborting victim",
			zap.Uint64("victim", uint64(victim)),
			zap.Int("cycle_len", len(cycle)))

		m.mu.RLock()
		t, ok := m.txns[victim]
		lock := m.opMu[victim]
		m.mu.RUnlock()
		if !ok {
			return
		}
		// A victim is blocked in AcquireLock, which never holds the opMu,
		// so this only yields to an in-flight RecordOperation/Commit/Abort.
		if !lock.TryLock() {
			return
		}
		m.publish(EventDeadlockVictim, victim)
		m.finishAbort(t, ErrDeadlockVictim, StateAborted)
		lock.Unlock()
	}
}

func (m *Manager) chooseVictim(cycle []TxnID) TxnID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var victim *transaction
	for _, id := range cycle {
		t, ok := m.txns[id]
		if !ok || t.state.Terminal() {
			continue
		}
		if victim == nil ||
			len(t.ops) < len(victim.ops) ||
			(len(t.ops) == len(victim.ops) && t.start.After(victim.start)) {
			victim = t
		}
	}
	if victim == nil {
		return 0
	}
	return victim.id
}

func (m *Manager) sweepTimeouts() {
	now := time.Now()
	type expiredTxn struct {
		t  *transaction
		mu *sync.Mutex
	}
	var expired []expiredTxn
	m.mu.RLock()
	for id, t := range m.txns {
		if !t.state.Terminal() && now.Sub(t.start) > m.cfg.Timeout {
			expired = append(expired, expiredTxn{t: t, mu: m.opMu[id]})
		}
	}
	m.mu.RUnlock()
	for _, e := range expired {
		// The opMu holder is mid RecordOperation/Commit/Abort; never
		// terminate under it. The next tick re-checks.
		if !e.mu.TryLock() {
			continue
		}
		m.logger.Warn("Transaction timed out", zap.Uint64("txn", uint64(e.t.id)))
		m.finishAbort(e.t, ErrTxnTimedOut, StateTimedOut)
		e.mu.Unlock()
	}
}

func (m *Manager) sweepRetention() {
	if m.cfg.Retention <= 0 {
		return
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.txns {
		if t.state.Terminal() && now.Sub(t.end) > m.cfg.Retention {
			delete(m.txns, id)
			delete(m.opMu, id)
		}
	}
}

// applyPayload installs a payload on the store: an empty payload removes
// the resource, anything else replaces it.
func applyPayload(store storage.Store, resource string, payload []byte, remove bool) error {
	if remove {
		return store.Delete(resource)
	}
	return store.Put(resource, payload)
}
