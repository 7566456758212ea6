// Package txn implements the transaction and lock manager: ACID-scoped
// operation grouping with buffered write-sets, strict two-phase locking
// with wait-for-graph deadlock detection, and a two-phase commit that
// applies operations durably only after validation.
package txn

import (
	"time"
)

// TxnID identifies a transaction. IDs are monotonically increasing per
// manager instance; zero is never a valid id.
type TxnID uint64

// IsolationLevel selects the visibility guarantees a transaction runs under.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "read_uncommitted"
	case ReadCommitted:
		return "read_committed"
	case RepeatableRead:
		return "repeatable_read"
	case Serializable:
		return "serializable"
	default:
		return "unknown"
	}
}

// State is the transaction lifecycle state.
//
//	Pending -> Active -> Prepared -> Committed
//	Active/Prepared -> Aborted
//	any non-terminal -> TimedOut
type State int

const (
	StatePending State = iota
	StateActive
	StatePrepared
	StateCommitted
	StateAborted
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further state transitions are possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateAborted || s == StateTimedOut
}

// OpKind is the kind of a recorded operation.
type OpKind int

const (
	OpCreate OpKind = iota
	OpUpdate
	OpDelete
	OpRead
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpRead:
		return "read"
	default:
		return "unknown"
	}
}

// Mutating reports whether the operation changes state and therefore must
// carry an inverse payload.
func (k OpKind) Mutating() bool { return k != OpRead }

// Operation is one recorded mutation (or read) within a transaction.
//
// Forward is the value the operation installs; an empty Forward on
// OpDelete removes the resource. Inverse is the resource's prior value and
// must be non-nil for every mutating operation; an empty (non-nil) Inverse
// means the resource did not exist before, so undoing the operation
// removes it.
type Operation struct {
	Kind      OpKind
	Resource  string
	Forward   []byte
	Inverse   []byte
	Seq       uint32
	Timestamp time.Time
}

// transaction is the manager-owned record of one unit of work.
type transaction struct {
	id        TxnID
	isolation IsolationLevel
	state     State
	owner     string
	start     time.Time
	end       time.Time
	ops       []Operation
	err       error // terminal failure detail, if any
	done      chan struct{}
}

// Info is the read-only listing view of a transaction.
type Info struct {
	ID         TxnID
	Isolation  IsolationLevel
	State      State
	Owner      string
	Start      time.Time
	End        time.Time
	Operations int
	Err        string
}

func (t *transaction) info() Info {
	info := Info{
		ID:         t.id,
		Isolation:  t.isolation,
		State:      t.state,
		Owner:      t.owner,
		Start:      t.start,
		End:        t.end,
		Operations: len(t.ops),
	}
	if t.err != nil {
		info.Err = t.err.Error()
	}
	return info
}

// EventKind labels emitted engine events.
type EventKind int

const (
	EventCommitted EventKind = iota
	EventAborted
	EventRollbackComplete
	EventDeadlockVictim
	EventTimedOut
)

// Event is a notification emitted on transaction lifecycle edges.
// Consumers read them from Manager.Events; slow consumers miss events
// rather than blocking the engine.
type Event struct {
	Kind EventKind
	Txn  TxnID
	Time time.Time
}
