package recovery

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/bastion-engine/bastion/core/backup"
	"github.com/bastion-engine/bastion/core/storage"
	"github.com/bastion-engine/bastion/core/txn"
	"github.com/bastion-engine/bastion/internal/metrics"
)

// Config holds the orchestrator's tunables.
type Config struct {
	// MaxConcurrentPlans caps plans executing at once.
	MaxConcurrentPlans int
	// PlanTimeout bounds one plan execution; zero means unbounded.
	PlanTimeout time.Duration
	// AutoRollbackOnFailure reverse-applies a failed plan's writes.
	AutoRollbackOnFailure bool
	// DefaultStrategy applies when a request names no strategy.
	DefaultStrategy Strategy
	// ExcludePrefixes names resource prefixes recovery must never touch,
	// such as the engine's own bookkeeping records.
	ExcludePrefixes []string
}

// Orchestrator plans and executes recoveries against a target store,
// composing backup restores with transaction-log replay and undo.
type Orchestrator struct {
	cfg     Config
	backups *backup.Store
	txns    *txn.Manager
	target  storage.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	sem     *semaphore.Weighted

	mu    sync.Mutex
	plans map[string]*plan
}

// New creates an orchestrator recovering into target.
func New(cfg Config, backups *backup.Store, txns *txn.Manager, target storage.Store, logger *zap.Logger, m *metrics.Metrics) (*Orchestrator, error) {
	if cfg.MaxConcurrentPlans <= 0 {
		cfg.MaxConcurrentPlans = 1
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = FailFast
	}
	return &Orchestrator{
		cfg:     cfg,
		backups: backups,
		txns:    txns,
		target:  target,
		logger:  logger.Named("recovery"),
		metrics: m,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentPlans)),
		plans:   make(map[string]*plan),
	}, nil
}

// Plan computes a point-in-time recovery plan: the newest valid backup
// chain at or before the target, replay steps for transactions committed
// before the target, and undo steps for transactions in flight at the
// target instant. The plan is stored as Planned; Execute applies it.
func (o *Orchestrator) Plan(target Target, opts PlanOptions) (string, error) {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = o.cfg.DefaultStrategy
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return "", err
	}
	if strategy == Merge && opts.Resolver == nil {
		return "", ErrResolverRequired
	}

	effective, err := o.resolveTarget(target)
	if err != nil {
		return "", err
	}

	tip, chain, err := o.selectBackup(effective)
	if err != nil {
		return "", err
	}

	steps, err := o.deriveSteps(tip.Watermark, effective)
	if err != nil {
		return "", err
	}

	p := &plan{
		id:        uuid.NewString(),
		target:    target,
		strategy:  strategy,
		opts:      opts,
		chain:     chainIDs(chain),
		restoreID: tip.ID,
		watermark: tip.Watermark,
		effective: effective,
		steps:     steps,
		status:    StatusPlanned,
		createdAt: time.Now(),
	}
	o.mu.Lock()
	o.plans[p.id] = p
	o.mu.Unlock()

	o.logger.Info("Recovery plan created",
		zap.String("plan", p.id),
		zap.Time("target", effective),
		zap.String("strategy", string(strategy)),
		zap.String("backup", tip.ID),
		zap.Int("steps", len(steps)))
	return p.id, nil
}

// Execute runs a Planned plan to a terminal state and returns its report.
func (o *Orchestrator) Execute(ctx context.Context, id string) (Report, error) {
	p, err := o.transition(id, StatusPlanned, StatusExecuting)
	if err != nil {
		return Report{}, err
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.finalize(p, StatusFailed, nil, err)
		return o.reportOf(p), err
	}
	defer o.sem.Release(1)

	timeout := o.cfg.PlanTimeout
	if p.opts.Timeout > 0 {
		timeout = p.opts.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return o.run(ctx, p)
}

// TriggerDisasterRecovery plans and immediately executes a full restore
// of the most recent valid backup chain, trading point-in-time precision
// for recovery time. The scenario label is kept for audit.
func (o *Orchestrator) TriggerDisasterRecovery(ctx context.Context, scenario string) (string, Report, error) {
	tip, chain, err := o.selectBackup(time.Time{})
	if err != nil {
		return "", Report{}, err
	}

	p := &plan{
		id:        uuid.NewString(),
		target:    Target{Timestamp: tip.CreatedAt},
		strategy:  Overwrite,
		scenario:  scenario,
		chain:     chainIDs(chain),
		restoreID: tip.ID,
		watermark: tip.Watermark,
		effective: tip.CreatedAt,
		status:    StatusPlanned,
		createdAt: time.Now(),
	}
	o.mu.Lock()
	o.plans[p.id] = p
	o.mu.Unlock()

	o.logger.Warn("Disaster recovery triggered",
		zap.String("plan", p.id),
		zap.String("scenario", scenario),
		zap.String("backup", tip.ID))

	report, err := o.Execute(ctx, p.id)
	return p.id, report, err
}

// Resume continues a plan paused for manual review. Approving applies
// the staged state with recovered values winning every surfaced
// conflict; rejecting fails the plan without writing anything.
func (o *Orchestrator) Resume(id string, approve bool) (Report, error) {
	p, err := o.transition(id, StatusAwaitingReview, StatusExecuting)
	if err != nil {
		return Report{}, err
	}
	pending := p.pending
	p.pending = nil

	if !approve {
		o.finalize(p, StatusFailed, &Report{
			PlanID:    p.id,
			Conflicts: pending.conflicts,
			Duration:  time.Since(pending.started),
		}, ErrReviewRejected)
		return o.reportOf(p), ErrReviewRejected
	}

	// Approval means the recovered values win every surfaced conflict.
	for i := range pending.conflicts {
		pending.conflicts[i].Resolution = "approved_overwrite"
		o.metrics.ConflictsSeen.WithLabelValues("approved_overwrite").Inc()
	}
	report, execErr := o.applyAndValidate(context.Background(), p, pending.staged, pending.scope, pending.skipped, pending.conflicts, pending.started)
	return report, execErr
}

// Status reports a plan's lifecycle status.
func (o *Orchestrator) Status(id string) (PlanStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.plans[id]
	if !ok {
		return "", false
	}
	return p.status, true
}

// GetReport returns the report of a finished plan.
func (o *Orchestrator) GetReport(id string) (Report, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.plans[id]
	if !ok || p.report == nil {
		return Report{}, false
	}
	return *p.report, true
}

// List returns a snapshot of all known plans, newest first.
func (o *Orchestrator) List() []Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Summary, 0, len(o.plans))
	for _, p := range o.plans {
		out = append(out, p.summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// --- planning internals ---

// resolveTarget turns the request target into a concrete instant. A
// transaction-id target resolves to that transaction's commit time.
func (o *Orchestrator) resolveTarget(target Target) (time.Time, error) {
	byTime := !target.Timestamp.IsZero()
	byTxn := target.Txn != 0
	if byTime == byTxn {
		return time.Time{}, ErrTargetRequired
	}
	if byTime {
		return target.Timestamp, nil
	}
	records, err := o.txns.Log().Scan(1, 0)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to scan transaction log: %w", err)
	}
	for i := range records {
		r := &records[i]
		if r.TxnID == target.Txn && r.Type == txn.RecordCommit {
			return time.Unix(0, r.Timestamp), nil
		}
	}
	return time.Time{}, fmt.Errorf("transaction %d has no commit record: %w", target.Txn, txn.ErrTxnNotFound)
}

// selectBackup picks the newest valid backup whose parent chain resolves,
// restricted to backups captured at or before cutoff when cutoff is set.
func (o *Orchestrator) selectBackup(cutoff time.Time) (backup.Metadata, []backup.Metadata, error) {
	candidates := o.backups.List(backup.ListFilter{Status: backup.StatusValid})
	for _, m := range candidates { // newest first
		if !cutoff.IsZero() && m.CreatedAt.After(cutoff) {
			continue
		}
		chain, err := o.backups.Chain(m.ID)
		if err != nil {
			o.logger.Warn("Skipping backup with unresolvable chain",
				zap.String("backup", m.ID), zap.Error(err))
			continue
		}
		return m, chain, nil
	}
	return backup.Metadata{}, nil, ErrNoBackup
}

// txnGroup gathers one transaction's log records after the watermark.
type txnGroup struct {
	id        txn.TxnID
	beginTs   int64
	commitTs  int64
	commitLSN txn.LSN
	aborted   bool
	ops       []txn.LogRecord
}

func (o *Orchestrator) scanGroups(watermark txn.LSN) ([]*txnGroup, error) {
	records, err := o.txns.Log().Scan(watermark+1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction log: %w", err)
	}
	byID := make(map[txn.TxnID]*txnGroup)
	var order []*txnGroup
	for i := range records {
		r := records[i]
		g, ok := byID[r.TxnID]
		if !ok {
			g = &txnGroup{id: r.TxnID}
			byID[r.TxnID] = g
			order = append(order, g)
		}
		switch r.Type {
		case txn.RecordBegin:
			g.beginTs = r.Timestamp
		case txn.RecordOperation:
			g.ops = append(g.ops, r)
		case txn.RecordCommit:
			g.commitTs = r.Timestamp
			g.commitLSN = r.LSN
		case txn.RecordAbort:
			g.aborted = true
		}
	}
	return order, nil
}

// deriveSteps computes the replay and undo sequence between the backup
// watermark and the target instant. Transactions committed at or before
// the target replay forward in commit order; transactions the target
// catches in flight (begun before, committed after) are undone in
// reverse, never left partially applied. Aborted transactions never
// touched the store and contribute nothing.
func (o *Orchestrator) deriveSteps(watermark txn.LSN, target time.Time) ([]Step, error) {
	groups, err := o.scanGroups(watermark)
	if err != nil {
		return nil, err
	}
	targetNs := target.UnixNano()

	var committed, inFlight []*txnGroup
	for _, g := range groups {
		if g.aborted || g.commitTs == 0 {
			continue
		}
		switch {
		case g.commitTs <= targetNs:
			committed = append(committed, g)
		case g.beginTs < targetNs:
			inFlight = append(inFlight, g)
		}
	}
	sort.Slice(committed, func(i, j int) bool { return committed[i].commitLSN < committed[j].commitLSN })
	sort.Slice(inFlight, func(i, j int) bool { return inFlight[i].commitLSN > inFlight[j].commitLSN })

	var steps []Step
	for _, g := range committed {
		for _, op := range g.ops {
			if op.Forward == nil && op.Inverse == nil {
				continue // read, nothing to reapply
			}
			if o.excluded(op.Resource) {
				continue
			}
			steps = append(steps, Step{
				Kind:      StepReplay,
				Txn:       g.id,
				Seq:       op.Seq,
				Resource:  op.Resource,
				Payload:   op.Forward,
				Timestamp: op.Timestamp,
			})
		}
	}
	for _, g := range inFlight {
		for i := len(g.ops) - 1; i >= 0; i-- {
			op := g.ops[i]
			if op.Inverse == nil || o.excluded(op.Resource) {
				continue
			}
			steps = append(steps, Step{
				Kind:      StepUndo,
				Txn:       g.id,
				Seq:       op.Seq,
				Resource:  op.Resource,
				Payload:   op.Inverse,
				Timestamp: op.Timestamp,
			})
		}
	}
	return steps, nil
}

// --- execution internals ---

func (o *Orchestrator) run(ctx context.Context, p *plan) (Report, error) {
	started := time.Now()

	var restored bytes.Buffer
	if err := o.backups.Restore(ctx, p.restoreID, &restored, true); err != nil {
		o.finalize(p, StatusFailed, nil, err)
		return o.reportOf(p), err
	}
	base, err := storage.DecodeSnapshot(restored.Bytes())
	if err != nil {
		o.finalize(p, StatusFailed, nil, err)
		return o.reportOf(p), err
	}
	for k := range base {
		if o.excluded(k) {
			delete(base, k)
		}
	}

	// Stage the recovered state: backup contents plus every step applied
	// in plan order. Nothing touches the target yet.
	staged := make(map[string][]byte, len(base))
	for k, v := range base {
		staged[k] = v
	}
	for _, step := range p.steps {
		if len(step.Payload) == 0 {
			delete(staged, step.Resource)
		} else {
			staged[step.Resource] = step.Payload
		}
	}

	conflicts, err := o.detectConflicts(p, base)
	if err != nil {
		o.finalize(p, StatusFailed, nil, err)
		return o.reportOf(p), err
	}

	skipped := make(map[string]bool)
	resolved, pauseForReview, err := o.resolveConflicts(p, conflicts, staged, skipped)
	if err != nil {
		o.finalize(p, StatusFailed, &Report{PlanID: p.id, Conflicts: resolved, Duration: time.Since(started)}, err)
		return o.reportOf(p), err
	}
	if pauseForReview {
		o.mu.Lock()
		p.status = StatusAwaitingReview
		p.pending = &pendingApply{
			staged:    staged,
			scope:     scopeOf(base, staged, p.steps),
			skipped:   skipped,
			conflicts: resolved,
			started:   started,
		}
		report := Report{PlanID: p.id, Status: StatusAwaitingReview, Conflicts: resolved, Duration: time.Since(started)}
		p.report = &report
		o.mu.Unlock()
		o.logger.Info("Recovery plan paused for review",
			zap.String("plan", p.id), zap.Int("conflicts", len(resolved)))
		return report, ErrAwaitingReview
	}

	return o.applyAndValidate(ctx, p, staged, scopeOf(base, staged, p.steps), skipped, resolved, started)
}

// detectConflicts compares the target's current value of every step
// resource with the value the transaction history says it should hold
// (last committed write after the watermark, else the backup's value).
// A mismatch means an out-of-plan write.
func (o *Orchestrator) detectConflicts(p *plan, base map[string][]byte) ([]Conflict, error) {
	groups, err := o.scanGroups(p.watermark)
	if err != nil {
		return nil, err
	}
	head := make(map[string][]byte)
	var committed []*txnGroup
	for _, g := range groups {
		if g.aborted || g.commitTs == 0 {
			continue
		}
		committed = append(committed, g)
	}
	sort.Slice(committed, func(i, j int) bool { return committed[i].commitLSN < committed[j].commitLSN })
	for _, g := range committed {
		for _, op := range g.ops {
			if op.Forward == nil {
				continue
			}
			head[op.Resource] = op.Forward
		}
	}

	var conflicts []Conflict
	for _, resource := range stepResources(p.steps) {
		expected, expectedExists := head[resource]
		if !expectedExists {
			expected, expectedExists = base[resource]
		}
		if expectedExists && len(expected) == 0 {
			expectedExists = false
		}
		current, err := o.target.Get(resource)
		currentExists := err == nil
		if err != nil && err != storage.ErrNotFound {
			return nil, fmt.Errorf("failed to read target resource %q: %w", resource, err)
		}
		if currentExists == expectedExists && (!currentExists || bytes.Equal(current, expected)) {
			continue
		}
		conflicts = append(conflicts, Conflict{
			Resource:  resource,
			Recovered: recoveredValueFor(p.steps, resource),
			Current:   current,
		})
	}
	return conflicts, nil
}

// resolveConflicts applies the plan's strategy to each conflict, mutating
// the staged state and skip set. It reports whether the plan must pause
// for manual review.
func (o *Orchestrator) resolveConflicts(p *plan, conflicts []Conflict, staged map[string][]byte, skipped map[string]bool) ([]Conflict, bool, error) {
	if len(conflicts) == 0 {
		return nil, false, nil
	}

	switch p.strategy {
	case FailFast:
		c := conflicts[0]
		return conflicts, false, fmt.Errorf("%w: resource %q modified outside the plan", ErrConflict, c.Resource)

	case ManualReview:
		for i := range conflicts {
			conflicts[i].Resolution = "pending_review"
		}
		return conflicts, true, nil
	}

	for i := range conflicts {
		c := &conflicts[i]
		switch p.strategy {
		case Overwrite:
			c.Resolution = "overwrite"

		case SkipConflicts:
			skipped[c.Resource] = true
			c.Resolution = "skipped"

		case Merge:
			merged, err := p.opts.Resolver.Resolve(c.Resource, c.Recovered, c.Current)
			if err != nil {
				return conflicts, false, fmt.Errorf("merge failed for resource %q: %w", c.Resource, err)
			}
			staged[c.Resource] = merged
			c.Resolution = "merged"

		case TimestampBased:
			recoveredAt := latestStepTime(p.steps, c.Resource)
			modifiedAt, known := time.Time{}, false
			if p.opts.ModTime != nil {
				modifiedAt, known = p.opts.ModTime(c.Resource)
			}
			if !known || modifiedAt.After(recoveredAt) {
				skipped[c.Resource] = true
				c.Resolution = "kept_current"
			} else {
				c.Resolution = "kept_recovered"
			}
		}
		o.metrics.ConflictsSeen.WithLabelValues(c.Resolution).Inc()
	}
	return conflicts, false, nil
}

// applyAndValidate writes the staged state to the target, runs the
// consistency gate, and finalizes the plan. Failures roll back applied
// writes when auto-rollback is configured.
func (o *Orchestrator) applyAndValidate(ctx context.Context, p *plan, staged map[string][]byte, scope []string, skipped map[string]bool, conflicts []Conflict, started time.Time) (Report, error) {
	report := Report{
		PlanID:    p.id,
		Conflicts: conflicts,
	}
	for resource := range skipped {
		report.Skipped = append(report.Skipped, resource)
	}
	sort.Strings(report.Skipped)

	var applied []appliedChange
	for _, resource := range scope {
		if skipped[resource] {
			continue
		}
		if err := ctx.Err(); err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				err = ErrPlanTimeout
			}
			return o.failApply(p, &report, applied, scope, err, started)
		}

		prior, priorErr := o.target.Get(resource)
		priorExisted := priorErr == nil
		if priorErr != nil && priorErr != storage.ErrNotFound {
			return o.failApply(p, &report, applied, scope, priorErr, started)
		}

		desired, want := staged[resource]
		var writeErr error
		switch {
		case want && priorExisted && bytes.Equal(prior, desired):
			continue // already there
		case want:
			writeErr = o.target.Put(resource, desired)
		case priorExisted:
			writeErr = o.target.Delete(resource)
		default:
			continue
		}
		if writeErr != nil {
			return o.failApply(p, &report, applied, scope, writeErr, started)
		}
		applied = append(applied, appliedChange{resource: resource, prior: prior, priorExisted: priorExisted})
		report.Applied++
	}

	if gateErr := runConsistencyGate(o.target, p.opts.Checks); gateErr != nil {
		for _, err := range multierr.Errors(gateErr) {
			report.Validation = append(report.Validation, err.Error())
		}
		return o.failApply(p, &report, applied, scope, fmt.Errorf("consistency validation failed: %w", gateErr), started)
	}

	report.Status = StatusCompleted
	report.Duration = time.Since(started)
	o.finalize(p, StatusCompleted, &report, nil)
	o.logger.Info("Recovery plan completed",
		zap.String("plan", p.id),
		zap.Int("applied", report.Applied),
		zap.Int("skipped", len(report.Skipped)),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// failApply finalizes a failed apply phase, rolling back when configured.
func (o *Orchestrator) failApply(p *plan, report *Report, applied []appliedChange, scope []string, cause error, started time.Time) (Report, error) {
	execErr := &ExecutionError{PlanID: p.id, Cause: cause}
	for _, a := range applied {
		execErr.Applied = append(execErr.Applied, a.resource)
	}
	appliedSet := make(map[string]bool, len(applied))
	for _, a := range applied {
		appliedSet[a.resource] = true
	}
	for _, resource := range scope {
		if !appliedSet[resource] {
			execErr.Unapplied = append(execErr.Unapplied, resource)
		}
	}

	status := StatusFailed
	if o.cfg.AutoRollbackOnFailure {
		if rbErr := o.rollback(applied); rbErr != nil {
			o.logger.Error("Rollback of failed recovery plan incomplete",
				zap.String("plan", p.id), zap.Error(rbErr))
			execErr.Cause = multierr.Append(execErr.Cause, rbErr)
		} else {
			execErr.RolledBack = true
			report.RolledBack = true
			status = StatusRolledBack
		}
	}

	report.Status = status
	report.Duration = time.Since(started)
	o.finalize(p, status, report, execErr)
	return *report, execErr
}

// rollback restores the prior target values of applied writes, newest
// first.
func (o *Orchestrator) rollback(applied []appliedChange) error {
	var err error
	for i := len(applied) - 1; i >= 0; i-- {
		a := applied[i]
		if a.priorExisted {
			err = multierr.Append(err, o.target.Put(a.resource, a.prior))
		} else {
			err = multierr.Append(err, o.target.Delete(a.resource))
		}
	}
	return err
}

// transition moves a plan between lifecycle states under the lock.
func (o *Orchestrator) transition(id string, from, to PlanStatus) (*plan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	if p.status != from {
		return nil, fmt.Errorf("%w: plan %s is %s", ErrInvalidPlanState, id, p.status)
	}
	p.status = to
	return p, nil
}

// finalize records a plan's terminal state, report and metrics.
func (o *Orchestrator) finalize(p *plan, status PlanStatus, report *Report, cause error) {
	o.mu.Lock()
	p.status = status
	p.finishedAt = time.Now()
	if cause != nil {
		p.err = cause.Error()
	}
	if report != nil {
		report.Status = status
		p.report = report
	}
	o.mu.Unlock()

	o.metrics.PlansByOutcome.WithLabelValues(string(status)).Inc()
	if report != nil {
		o.metrics.PlanDuration.Observe(report.Duration.Seconds())
	}
	if status == StatusFailed || status == StatusRolledBack {
		o.logger.Error("Recovery plan failed",
			zap.String("plan", p.id),
			zap.String("status", string(status)),
			zap.Error(cause))
	}
}

func (o *Orchestrator) reportOf(p *plan) Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p.report != nil {
		return *p.report
	}
	return Report{PlanID: p.id, Status: p.status}
}

// --- small helpers ---

func (o *Orchestrator) excluded(resource string) bool {
	for _, prefix := range o.cfg.ExcludePrefixes {
		if strings.HasPrefix(resource, prefix) {
			return true
		}
	}
	return false
}

func chainIDs(chain []backup.Metadata) []string {
	ids := make([]string, len(chain))
	for i, m := range chain {
		ids[i] = m.ID
	}
	return ids
}

// scopeOf is the set of resources an apply phase may touch: everything
// in the restored backup, everything staged, and every step resource.
func scopeOf(base, staged map[string][]byte, steps []Step) []string {
	seen := make(map[string]bool)
	for k := range base {
		seen[k] = true
	}
	for k := range staged {
		seen[k] = true
	}
	for _, s := range steps {
		seen[s.Resource] = true
	}
	scope := make([]string, 0, len(seen))
	for k := range seen {
		scope = append(scope, k)
	}
	sort.Strings(scope)
	return scope
}

func stepResources(steps []Step) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range steps {
		if !seen[s.Resource] {
			seen[s.Resource] = true
			out = append(out, s.Resource)
		}
	}
	sort.Strings(out)
	return out
}

// recoveredValueFor is the value the plan would leave in the resource:
// the payload of the last step touching it.
func recoveredValueFor(steps []Step, resource string) []byte {
	var val []byte
	for _, s := range steps {
		if s.Resource == resource {
			val = s.Payload
		}
	}
	return val
}

// latestStepTime is the logical timestamp of the last step touching the
// resource.
func latestStepTime(steps []Step, resource string) time.Time {
	var ts int64
	for _, s := range steps {
		if s.Resource == resource && s.Timestamp > ts {
			ts = s.Timestamp
		}
	}
	return time.Unix(0, ts)
}
