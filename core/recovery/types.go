// Package recovery implements the recovery orchestrator: point-in-time
// recovery plans composed from backup restores and transaction-log
// replay, with per-plan conflict resolution and a post-apply consistency
// gate.
package recovery

import (
	"time"

	"github.com/bastion-engine/bastion/core/txn"
)

// PlanStatus is the lifecycle status of a recovery plan.
type PlanStatus string

const (
	StatusPlanned        PlanStatus = "planned"
	StatusExecuting      PlanStatus = "executing"
	StatusAwaitingReview PlanStatus = "awaiting_review"
	StatusCompleted      PlanStatus = "completed"
	StatusFailed         PlanStatus = "failed"
	StatusRolledBack     PlanStatus = "rolled_back"
)

func (s PlanStatus) terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// Target designates the point to recover to: either a wall-clock
// timestamp or a committed transaction id (recover to the state
// immediately after that transaction's commit). Exactly one must be set.
type Target struct {
	Timestamp time.Time
	Txn       txn.TxnID
}

// StepKind distinguishes replay steps from undo steps.
type StepKind string

const (
	StepReplay StepKind = "replay"
	StepUndo   StepKind = "undo"
)

// Step is one log-derived action in a plan. Payload is the value the
// step writes: the forward payload for replay, the inverse payload for
// undo. An empty payload removes the resource.
type Step struct {
	Kind      StepKind  `json:"kind"`
	Txn       txn.TxnID `json:"txn"`
	Seq       uint32    `json:"seq"`
	Resource  string    `json:"resource"`
	Payload   []byte    `json:"payload"`
	Timestamp int64     `json:"timestamp"`
}

// Check is a caller-supplied consistency check run against the target
// after a plan's steps apply. Returning an error fails the plan's
// consistency gate.
type Check func(read func(resource string) ([]byte, bool)) error

// PlanOptions carries the per-request knobs of a recovery plan.
type PlanOptions struct {
	// Strategy selects conflict resolution; empty uses the configured
	// default.
	Strategy Strategy
	// Resolver is the merge function for the Merge strategy. Merge
	// without a resolver is rejected at plan time.
	Resolver Resolver
	// ModTime reports when a resource was last modified outside the
	// engine, for the TimestampBased strategy. When absent, the target's
	// current value wins timestamp comparisons.
	ModTime func(resource string) (time.Time, bool)
	// Checks are additional consistency checks for the post-apply gate.
	Checks []Check
	// Timeout overrides the configured plan timeout when positive.
	Timeout time.Duration
}

// Conflict records one resource where the plan's recovered value ran
// into a concurrent out-of-plan write, and how it was resolved.
type Conflict struct {
	Resource   string `json:"resource"`
	Recovered  []byte `json:"recovered,omitempty"`
	Current    []byte `json:"current,omitempty"`
	Resolution string `json:"resolution"`
}

// Report is the outcome of one plan execution.
type Report struct {
	PlanID     string        `json:"plan_id"`
	Status     PlanStatus    `json:"status"`
	Applied    int           `json:"applied"`
	Skipped    []string      `json:"skipped,omitempty"`
	Conflicts  []Conflict    `json:"conflicts,omitempty"`
	Validation []string      `json:"validation_failures,omitempty"`
	RolledBack bool          `json:"rolled_back"`
	Duration   time.Duration `json:"duration"`
}

// Summary is the listing view of a plan.
type Summary struct {
	ID          string     `json:"id"`
	Target      Target     `json:"target"`
	Strategy    Strategy   `json:"strategy"`
	Scenario    string     `json:"scenario,omitempty"`
	BackupChain []string   `json:"backup_chain"`
	Steps       int        `json:"steps"`
	Status      PlanStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  time.Time  `json:"finished_at,omitempty"`
	Err         string     `json:"error,omitempty"`
}

// appliedChange remembers one target write so a failed plan can be
// reverse-applied.
type appliedChange struct {
	resource     string
	prior        []byte
	priorExisted bool
}

// plan is the orchestrator's internal plan record.
type plan struct {
	id       string
	target   Target
	strategy Strategy
	opts     PlanOptions
	scenario string

	chain     []string // backup ids, root first
	restoreID string   // chain tip actually restored
	watermark txn.LSN
	effective time.Time // resolved target instant
	steps     []Step

	status     PlanStatus
	createdAt  time.Time
	finishedAt time.Time
	err        string
	report     *Report

	// pending holds state between a ManualReview pause and Resume.
	pending *pendingApply
}

// pendingApply is the frozen mid-execution state of a paused plan.
type pendingApply struct {
	staged    map[string][]byte
	scope     []string
	skipped   map[string]bool
	conflicts []Conflict
	started   time.Time
}

func (p *plan) summary() Summary {
	return Summary{
		ID:          p.id,
		Target:      p.target,
		Strategy:    p.strategy,
		Scenario:    p.scenario,
		BackupChain: append([]string(nil), p.chain...),
		Steps:       len(p.steps),
		Status:      p.status,
		CreatedAt:   p.createdAt,
		FinishedAt:  p.finishedAt,
		Err:         p.err,
	}
}
