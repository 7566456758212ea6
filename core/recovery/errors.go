package recovery

import (
	"errors"
	"fmt"
)

var (
	ErrPlanNotFound     = errors.New("recovery plan not found")
	ErrInvalidPlanState = errors.New("recovery plan is not in a state that allows this")
	ErrResolverRequired = errors.New("merge strategy requires a resolver")
	ErrNoBackup         = errors.New("no valid backup covers the recovery target")
	ErrTargetRequired   = errors.New("recovery target must set a timestamp or a transaction id")
	ErrConflict         = errors.New("recovery conflict")
	ErrAwaitingReview   = errors.New("recovery plan is awaiting manual review")
	ErrReviewRejected   = errors.New("recovery plan rejected at manual review")
	ErrPlanTimeout      = errors.New("recovery plan exceeded its timeout")
)

// ExecutionError reports a plan that failed partway: Applied lists the
// resources whose writes landed, Unapplied the ones that did not. With
// auto-rollback the applied set has been reverse-applied and RolledBack
// is set.
type ExecutionError struct {
	PlanID     string
	Applied    []string
	Unapplied  []string
	RolledBack bool
	Cause      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("recovery plan %s failed after %d of %d writes (rolled back: %t): %v",
		e.PlanID, len(e.Applied), len(e.Applied)+len(e.Unapplied), e.RolledBack, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }
