package txn

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	ErrTxnNotFound    = errors.New("transaction not found")
	ErrInvalidState   = errors.New("transaction is not in a valid state for this operation")
	ErrMissingInverse = errors.New("mutating operation is missing its inverse payload")
	ErrDeadlockVictim = errors.New("transaction aborted: deadlock victim")
	ErrTxnAborted     = errors.New("transaction aborted")
	ErrLockTimeout    = errors.New("lock acquisition timed out")
	ErrTxnTimedOut    = errors.New("transaction timed out")
	ErrLockNotHeld    = errors.New("transaction does not hold the required lock")
	ErrManagerClosed  = errors.New("transaction manager is stopped")
)

// PartialRollbackError reports a rollback that could not fully undo a
// transaction's applied effects. Unrolled lists the sequence numbers whose
// inverse payloads failed to apply, in the order they were attempted.
type PartialRollbackError struct {
	Txn      TxnID
	Unrolled []uint32
	Cause    error
}

func (e *PartialRollbackError) Error() string {
	return fmt.Sprintf("partial rollback of transaction %d: %d operation(s) not unrolled %v: %v",
		e.Txn, len(e.Unrolled), e.Unrolled, e.Cause)
}

func (e *PartialRollbackError) Unwrap() error { return e.Cause }

// CommitError reports a two-phase-commit failure. Applied holds the
// sequence numbers whose forward payloads were applied before the failure
// (all of which were rolled back unless a PartialRollbackError is nested).
type CommitError struct {
	Txn     TxnID
	Phase   string // "prepare" or "apply"
	Applied []uint32
	Cause   error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit of transaction %d failed in %s phase: %v", e.Txn, e.Phase, e.Cause)
}

func (e *CommitError) Unwrap() error { return e.Cause }
