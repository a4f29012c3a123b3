// Package healing implements the self-healing supervisor: a state machine
// that takes a detected failure through diagnosis, an optional approval gate,
// backup, fix application, and validation, ending in completed, rolled_back,
// escalated, or failed.
package healing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentcore/internal/config"
	"agentcore/internal/logging"
	"agentcore/internal/store"
	"agentcore/internal/types"
)

// ErrBackupFailed marks a healing instance that died because its prior state
// could not be snapshotted. No rollback is attempted in that case; there may
// be nothing safe to restore from.
var ErrBackupFailed = errors.New("healing backup failed")

// ErrApprovalTimeout marks a high-severity instance whose approval window
// elapsed. It is escalated as if denied.
var ErrApprovalTimeout = errors.New("healing approval timed out")

// Incident is a detected failure handed to the supervisor.
type Incident struct {
	AgentID       string
	TriggerSource string // open tag: hook, health_pass, ...
	Description   string
}

// Diagnosis is the analysis result: what is wrong, a candidate fix, and how
// risky applying it is.
type Diagnosis struct {
	Summary     string
	ProposedFix string
	Severity    types.Severity
}

// Diagnoser analyzes an incident into a diagnosis and candidate fix.
type Diagnoser interface {
	Diagnose(ctx context.Context, inc Incident) (Diagnosis, error)
}

// Backupper snapshots the configuration a fix is about to change. The
// returned string is stored on the record and handed back on rollback.
type Backupper interface {
	Backup(ctx context.Context, rec *types.HealingRecord) (string, error)
}

// Fixer applies the proposed fix and can restore the recorded backup.
type Fixer interface {
	Apply(ctx context.Context, rec *types.HealingRecord) (applied string, err error)
	Rollback(ctx context.Context, rec *types.HealingRecord) error
}

// Tester validates an applied fix.
type Tester interface {
	Test(ctx context.Context, rec *types.HealingRecord) (output string, passed bool, err error)
}

// ApprovalDecision is the answer from the human-review surface.
type ApprovalDecision string

const (
	Approved ApprovalDecision = "approved"
	Denied   ApprovalDecision = "denied"
)

// ApprovalFunc asks a human to approve a proposed fix. It should block until
// a decision arrives or ctx expires; the supervisor bounds ctx with the
// configured approval timeout.
type ApprovalFunc func(ctx context.Context, recordID, proposedFix string) (ApprovalDecision, string, error)

// EscalateFunc notifies a human of an instance the automated path cannot or
// should not resolve alone. Called for every critical instance regardless of
// whether the automated fix later succeeds.
type EscalateFunc func(ctx context.Context, rec *types.HealingRecord) error

// Supervisor drives healing instances through the lifecycle. Each Heal call
// handles one instance; instances are independent, so a blocked approval
// never stalls anything but itself.
type Supervisor struct {
	db  *store.LocalStore
	cfg config.HealingConfig

	diagnoser Diagnoser
	backupper Backupper
	fixer     Fixer
	tester    Tester
	approve   ApprovalFunc
	escalate  EscalateFunc
}

// New wires a supervisor. diagnoser, backupper, fixer, and tester are
// required; approve and escalate may be nil when no human surface exists
// (approval then counts as denied, escalation is log-only).
func New(db *store.LocalStore, cfg config.HealingConfig,
	diagnoser Diagnoser, backupper Backupper, fixer Fixer, tester Tester,
	approve ApprovalFunc, escalate EscalateFunc) *Supervisor {
	return &Supervisor{
		db:        db,
		cfg:       cfg,
		diagnoser: diagnoser,
		backupper: backupper,
		fixer:     fixer,
		tester:    tester,
		approve:   approve,
		escalate:  escalate,
	}
}

// transitions is the allowed edge set of the lifecycle.
var transitions = map[types.HealingStatus][]types.HealingStatus{
	types.HealingDetected:         {types.HealingAnalyzing, types.HealingFailed},
	types.HealingAnalyzing:        {types.HealingProposingFix, types.HealingFailed},
	types.HealingProposingFix:     {types.HealingAwaitingApproval, types.HealingBackingUp, types.HealingEscalated, types.HealingFailed},
	types.HealingAwaitingApproval: {types.HealingBackingUp, types.HealingEscalated, types.HealingFailed},
	types.HealingBackingUp:        {types.HealingApplyingFix, types.HealingFailed},
	types.HealingApplyingFix:      {types.HealingTesting, types.HealingRolledBack, types.HealingFailed},
	types.HealingTesting:          {types.HealingCompleted, types.HealingRolledBack, types.HealingFailed},
}

// transition validates the edge, enforces the backup invariants, and
// persists the record.
func (s *Supervisor) transition(rec *types.HealingRecord, to types.HealingStatus) error {
	allowed := false
	for _, next := range transitions[rec.Status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid healing transition %s -> %s for %s", rec.Status, to, rec.ID)
	}
	if (to == types.HealingApplyingFix || to == types.HealingRolledBack) && rec.Backup == "" {
		return fmt.Errorf("healing %s cannot enter %s without a backup", rec.ID, to)
	}
	if to == types.HealingCompleted && !rec.TestPassed {
		return fmt.Errorf("healing %s cannot complete without a passing test", rec.ID)
	}

	logging.HealingDebug("Healing %s: %s -> %s", rec.ID, rec.Status, to)
	rec.Status = to
	return s.db.UpdateHealingRecord(rec)
}

// Heal runs one incident through the full lifecycle and returns the terminal
// record. The returned error describes why the instance did not complete;
// the record's status and outcome carry the same information durably.
func (s *Supervisor) Heal(ctx context.Context, inc Incident) (*types.HealingRecord, error) {
	rec := &types.HealingRecord{
		ID:            uuid.NewString(),
		AgentID:       inc.AgentID,
		Status:        types.HealingDetected,
		Severity:      types.SeverityLow,
		TriggerSource: inc.TriggerSource,
		Diagnosis:     inc.Description,
	}
	if err := s.db.InsertHealingRecord(rec); err != nil {
		return nil, err
	}
	logging.Healing("Healing %s detected for agent %s (trigger=%s)", rec.ID, inc.AgentID, inc.TriggerSource)

	if err := s.transition(rec, types.HealingAnalyzing); err != nil {
		return rec, err
	}
	diag, err := s.diagnoser.Diagnose(ctx, inc)
	if err != nil {
		return rec, s.fail(rec, fmt.Errorf("diagnosis failed: %w", err))
	}

	rec.Diagnosis = diag.Summary
	rec.ProposedFix = diag.ProposedFix
	rec.Severity = diag.Severity
	if rec.Severity == "" {
		rec.Severity = types.SeverityLow
	}
	if err := s.transition(rec, types.HealingProposingFix); err != nil {
		return rec, err
	}
	logging.Healing("Healing %s proposed fix (severity=%s): %s", rec.ID, rec.Severity, rec.ProposedFix)

	switch rec.Severity {
	case types.SeverityCritical:
		// Notify a human immediately; the automated path continues in
		// parallel so awareness is never blocked on it.
		s.notifyEscalation(ctx, rec, "critical severity")
	case types.SeverityHigh:
		decision, approver, err := s.awaitApproval(ctx, rec)
		rec.ApprovalState = string(decision)
		rec.ApprovedBy = approver
		if decision == Approved {
			rec.ApprovedAt = time.Now().UTC()
		}
		if err != nil || decision != Approved {
			outcome := "fix_denied"
			if errors.Is(err, ErrApprovalTimeout) {
				rec.ApprovalState = "timeout"
				outcome = "approval_timeout"
			}
			s.notifyEscalation(ctx, rec, outcome)
			rec.Outcome = outcome
			if terr := s.transition(rec, types.HealingEscalated); terr != nil {
				return rec, terr
			}
			return rec, err
		}
	}

	if err := s.transition(rec, types.HealingBackingUp); err != nil {
		return rec, err
	}
	backup, err := s.backupper.Backup(ctx, rec)
	if err != nil {
		// No rollback target exists, so this instance dies here.
		return rec, s.fail(rec, fmt.Errorf("%w: %v", ErrBackupFailed, err))
	}
	rec.Backup = backup

	if err := s.transition(rec, types.HealingApplyingFix); err != nil {
		return rec, err
	}
	applied, err := s.fixer.Apply(ctx, rec)
	if err != nil {
		return rec, s.rollback(ctx, rec, fmt.Sprintf("fix application failed: %v", err))
	}
	rec.AppliedFix = applied

	if err := s.transition(rec, types.HealingTesting); err != nil {
		return rec, err
	}
	output, passed, err := s.tester.Test(ctx, rec)
	rec.TestOutput = output
	rec.TestPassed = passed && err == nil
	if err != nil {
		return rec, s.rollback(ctx, rec, fmt.Sprintf("validation errored: %v", err))
	}
	if !passed {
		return rec, s.rollback(ctx, rec, "validation failed")
	}

	rec.Outcome = "fix_applied"
	if err := s.transition(rec, types.HealingCompleted); err != nil {
		return rec, err
	}
	logging.Healing("Healing %s completed: %s", rec.ID, rec.AppliedFix)
	return rec, nil
}

// awaitApproval runs the approval hook bounded by the configured timeout.
func (s *Supervisor) awaitApproval(ctx context.Context, rec *types.HealingRecord) (ApprovalDecision, string, error) {
	if err := s.transition(rec, types.HealingAwaitingApproval); err != nil {
		return Denied, "", err
	}
	if s.approve == nil {
		logging.Get(logging.CategoryHealing).Warnf("Healing %s needs approval but no approval surface is wired", rec.ID)
		return Denied, "", nil
	}

	timeout := s.cfg.ApprovalTimeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logging.Healing("Healing %s awaiting approval (severity=high, timeout=%s)", rec.ID, timeout)
	decision, approver, err := s.approve(actx, rec.ID, rec.ProposedFix)
	if errors.Is(err, context.DeadlineExceeded) {
		return Denied, "", ErrApprovalTimeout
	}
	if err != nil {
		return Denied, "", err
	}
	return decision, approver, nil
}

// rollback restores the backup and moves the record to rolled_back. Only
// reachable once a backup exists; the transition table enforces that.
func (s *Supervisor) rollback(ctx context.Context, rec *types.HealingRecord, reason string) error {
	rec.RollbackReason = reason
	rec.Outcome = "rolled_back"
	if err := s.fixer.Rollback(ctx, rec); err != nil {
		return s.fail(rec, fmt.Errorf("rollback failed after %s: %w", reason, err))
	}
	logging.Get(logging.CategoryHealing).Warnf("Healing %s rolled back: %s", rec.ID, reason)
	return s.transition(rec, types.HealingRolledBack)
}

// fail moves a record to failed from any state and returns the cause.
func (s *Supervisor) fail(rec *types.HealingRecord, cause error) error {
	rec.Outcome = cause.Error()
	rec.Status = types.HealingFailed
	logging.Get(logging.CategoryHealing).Errorf("Healing %s failed: %v", rec.ID, cause)
	if err := s.db.UpdateHealingRecord(rec); err != nil {
		return fmt.Errorf("%v (record not persisted: %w)", cause, err)
	}
	return cause
}

// notifyEscalation records escalation metadata and fires the hook. The
// metadata stays on the record even when the automated fix later succeeds.
func (s *Supervisor) notifyEscalation(ctx context.Context, rec *types.HealingRecord, reason string) {
	rec.EscalatedTo = "operator"
	rec.EscalatedAt = time.Now().UTC()
	logging.Healing("Healing %s escalated to operator: %s", rec.ID, reason)
	if s.escalate == nil {
		return
	}
	if err := s.escalate(ctx, rec); err != nil {
		logging.Get(logging.CategoryHealing).Errorf("Escalation hook failed for %s: %v", rec.ID, err)
	}
}
