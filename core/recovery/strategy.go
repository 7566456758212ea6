package recovery

import "fmt"

// Strategy selects how a plan handles conflicts between recovered values
// and concurrent out-of-plan writes at the target. One strategy governs
// the whole plan and is recorded in its audit trail.
type Strategy string

const (
	// FailFast aborts the plan on the first conflict, before any write.
	FailFast Strategy = "fail_fast"
	// Overwrite lets the recovered value win.
	Overwrite Strategy = "overwrite"
	// Merge combines both values through the caller's resolver.
	Merge Strategy = "merge"
	// SkipConflicts leaves conflicting resources untouched and records
	// them in the report.
	SkipConflicts Strategy = "skip_conflicts"
	// ManualReview pauses the plan and requires an explicit Resume.
	ManualReview Strategy = "manual_review"
	// TimestampBased lets the value with the later modification time win.
	TimestampBased Strategy = "timestamp_based"
)

// ParseStrategy maps a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case FailFast, Overwrite, Merge, SkipConflicts, ManualReview, TimestampBased:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// Resolver combines a recovered value with the target's current value
// under the Merge strategy. current is nil when the resource does not
// exist at the target. The returned value replaces both; returning an
// error fails the plan.
type Resolver interface {
	Resolve(resource string, recovered, current []byte) ([]byte, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(resource string, recovered, current []byte) ([]byte, error)

func (f ResolverFunc) Resolve(resource string, recovered, current []byte) ([]byte, error) {
	return f(resource, recovered, current)
}
