package txn

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LockMode is the access mode of a lock grant.
type LockMode int

const (
	IntentionShared LockMode = iota
	IntentionExclusive
	Shared
	Exclusive
)

func (m LockMode) String() string {
	switch m {
	case IntentionShared:
		return "IS"
	case IntentionExclusive:
		return "IX"
	case Shared:
		return "S"
	case Exclusive:
		return "X"
	default:
		return "unknown"
	}
}

// compatible reports whether two lock modes held by different
// transactions may coexist on one resource.
func compatible(a, b LockMode) bool {
	switch a {
	case IntentionShared:
		return b != Exclusive
	case IntentionExclusive:
		return b == IntentionShared || b == IntentionExclusive
	case Shared:
		return b == IntentionShared || b == Shared
	case Exclusive:
		return false
	}
	return false
}

// covers reports whether holding mode held satisfies a request for want.
func covers(held, want LockMode) bool {
	if held == want {
		return true
	}
	switch held {
	case Exclusive:
		return true
	case Shared:
		return want == IntentionShared
	case IntentionExclusive:
		return want == IntentionShared
	default:
		return false
	}
}

type waiter struct {
	txn     TxnID
	mode    LockMode
	prior   *LockMode  // mode held at enqueue time; nil when none (upgrade bookkeeping)
	granted chan error // buffered; receives nil on grant or the abort cause
}

type resourceLock struct {
	holders map[TxnID]LockMode
	queue   []*waiter
}

// lockTable is the shared lock state: per-resource holder sets and FIFO
// waiter queues. All mutations are serialized under mu; the wait-for
// graph is derived from it on demand.
type lockTable struct {
	mu        sync.Mutex
	resources map[string]*resourceLock
	logger    *zap.Logger
}

func newLockTable(logger *zap.Logger) *lockTable {
	return &lockTable{
		resources: make(map[string]*resourceLock),
		logger:    logger.Named("lock_table"),
	}
}

// acquire blocks until the lock is granted, the context is cancelled, or
// the transaction is aborted by the deadlock detector. It returns
// (waited, err); waited reports whether the caller entered the queue.
func (lt *lockTable) acquire(ctx context.Context, txn TxnID, resource string, mode LockMode) (bool, error) {
	lt.mu.Lock()
	rl, ok := lt.resources[resource]
	if !ok {
		rl = &resourceLock{holders: make(map[TxnID]LockMode)}
		lt.resources[resource] = rl
	}

	if held, holding := rl.holders[txn]; holding {
		if covers(held, mode) {
			lt.mu.Unlock()
			return false, nil
		}
		// Upgrade is immediate when no other transaction holds the resource.
		if len(rl.holders) == 1 {
			rl.holders[txn] = mode
			lt.mu.Unlock()
			return false, nil
		}
	}

	if len(rl.queue) == 0 && rl.grantable(txn, mode) {
		rl.holders[txn] = mode
		lt.mu.Unlock()
		return false, nil
	}

	w := &waiter{txn: txn, mode: mode, granted: make(chan error, 1)}
	if held, holding := rl.holders[txn]; holding {
		prior := held
		w.prior = &prior
	}
	rl.queue = append(rl.queue, w)
	lt.logger.Debug("Lock wait",
		zap.Uint64("txn", uint64(txn)),
		zap.String("resource", resource),
		zap.String("mode", mode.String()))
	lt.mu.Unlock()

	select {
	case err := <-w.granted:
		return true, err
	case <-ctx.Done():
		if !lt.removeWaiter(resource, w) {
			// Granted (or aborted) concurrently with cancellation: the
			// outcome already sits in the buffered channel, sent under
			// lt.mu before the dequeue. A grant the caller never observes
			// must be revoked, or the transaction would hold a lock it
			// believes it failed to get.
			select {
			case err := <-w.granted:
				if err == nil {
					lt.revoke(txn, resource, w.prior)
				}
			default:
				// Dequeued without an outcome: releaseAll at transaction
				// end already dropped the request.
			}
		}
		return true, ctx.Err()
	}
}

// revoke undoes a grant whose waiter gave up before observing it: the
// holder entry reverts to the mode held before queueing (none when prior
// is nil) and the queue is re-promoted.
func (lt *lockTable) revoke(txn TxnID, resource string, prior *LockMode) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	rl, ok := lt.resources[resource]
	if !ok {
		return
	}
	if prior != nil {
		rl.holders[txn] = *prior
	} else {
		delete(rl.holders, txn)
	}
	rl.promote()
	if len(rl.holders) == 0 && len(rl.queue) == 0 {
		delete(lt.resources, resource)
	}
}

// grantable reports whether txn may take mode given the current holders,
// ignoring any lock txn itself already holds (upgrade path).
func (rl *resourceLock) grantable(txn TxnID, mode LockMode) bool {
	for holder, held := range rl.holders {
		if holder == txn {
			continue
		}
		if !compatible(held, mode) {
			return false
		}
	}
	return true
}

// releaseAll drops every lock and pending wait owned by txn, then
// re-evaluates the affected waiter queues in FIFO order.
func (lt *lockTable) releaseAll(txn TxnID) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for resource, rl := range lt.resources {
		released := false
		if _, ok := rl.holders[txn]; ok {
			delete(rl.holders, txn)
			released = true
		}
		for i := 0; i < len(rl.queue); {
			if rl.queue[i].txn == txn {
				rl.queue = append(rl.queue[:i], rl.queue[i+1:]...)
				continue
			}
			i++
		}
		if released {
			rl.promote()
		}
		if len(rl.holders) == 0 && len(rl.queue) == 0 {
			delete(lt.resources, resource)
		}
	}
}

// abortWaiters fails every pending wait of txn with cause. Locks already
// held are untouched; releaseAll handles those.
func (lt *lockTable) abortWaiters(txn TxnID, cause error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for _, rl := range lt.resources {
		for i := 0; i < len(rl.queue); {
			if rl.queue[i].txn == txn {
				rl.queue[i].granted <- cause
				rl.queue = append(rl.queue[:i], rl.queue[i+1:]...)
				continue
			}
			i++
		}
	}
}

// promote grants queued waiters from the head while they remain
// compatible with the holders. Strict FIFO: the first incompatible waiter
// blocks everyone behind it, which keeps writers from starving.
func (rl *resourceLock) promote() {
	for len(rl.queue) > 0 {
		w := rl.queue[0]
		if !rl.grantable(w.txn, w.mode) {
			return
		}
		rl.holders[w.txn] = w.mode
		rl.queue = rl.queue[1:]
		w.granted <- nil
	}
}

// removeWaiter drops w from the resource's queue, reporting whether it
// was still queued. False means w was already granted or aborted.
func (lt *lockTable) removeWaiter(resource string, w *waiter) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	rl, ok := lt.resources[resource]
	if !ok {
		return false
	}
	for i, queued := range rl.queue {
		if queued == w {
			rl.queue = append(rl.queue[:i], rl.queue[i+1:]...)
			return true
		}
	}
	return false
}

// holds reports whether txn holds a lock on resource covering mode.
func (lt *lockTable) holds(txn TxnID, resource string, mode LockMode) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	rl, ok := lt.resources[resource]
	if !ok {
		return false
	}
	held, ok := rl.holders[txn]
	return ok && covers(held, mode)
}

// waitEdges derives the wait-for graph: waiter -> conflicting holder for
// every queued request. The deadlock detector consumes this snapshot.
func (lt *lockTable) waitEdges() map[TxnID][]TxnID {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	edges := make(map[TxnID][]TxnID)
	for _, rl := range lt.resources {
		for _, w := range rl.queue {
			for holder, held := range rl.holders {
				if holder == w.txn {
					continue
				}
				if !compatible(held, w.mode) {
					edges[w.txn] = append(edges[w.txn], holder)
				}
			}
		}
	}
	return edges
}
