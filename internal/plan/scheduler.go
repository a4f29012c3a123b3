package plan

import (
	"fmt"
	"sync"
	"time"

	"agentcore/internal/config"
	"agentcore/internal/logging"
	"agentcore/internal/store"
	"agentcore/internal/types"
)

// Scheduler drives a compiled plan through its lifecycle. It decides which
// steps are runnable, records attempt outcomes with retry backoff, cascades
// skips past failed critical steps, and keeps the persisted plan current.
//
// The scheduler itself never executes anything: the executor asks it what to
// run and reports back what happened.
type Scheduler struct {
	store *store.LocalStore

	mu  sync.RWMutex
	cfg config.SchedulerConfig
}

// NewScheduler returns a scheduler persisting through st.
func NewScheduler(st *store.LocalStore, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{store: st, cfg: cfg}
}

// Reconfigure swaps in new tuning parameters. Safe to call while plans run;
// the next scheduling decision sees the new values.
func (s *Scheduler) Reconfigure(cfg config.SchedulerConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	logging.Scheduler("Scheduler reconfigured: max_concurrent=%d max_retries=%d",
		cfg.MaxConcurrentSteps, cfg.MaxRetries)
}

// MaxConcurrent returns the current parallel step cap.
func (s *Scheduler) MaxConcurrent() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.MaxConcurrentSteps
}

func (s *Scheduler) config() config.SchedulerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Start moves a pending plan to running and persists it.
func (s *Scheduler) Start(p *types.Plan) error {
	if p.Status != types.PlanPending {
		return fmt.Errorf("plan %s is %s, not pending", p.ID, p.Status)
	}
	p.Status = types.PlanRunning
	logging.Scheduler("Plan %s started: %q (%d steps)", p.ID, p.Goal, p.TotalSteps)
	return s.store.SavePlan(p)
}

// NextRunnable returns the pending steps whose dependencies are satisfied and
// whose retry backoff has elapsed, in ascending Order, capped at the
// concurrency limit minus steps already running. Blocked steps (parked human
// input) are never returned; they re-enter through RecordAnswer.
func (s *Scheduler) NextRunnable(p *types.Plan, now time.Time) []*types.PlanStep {
	slots := s.MaxConcurrent()
	for i := range p.Steps {
		if p.Steps[i].Status == types.StepRunning {
			slots--
		}
	}
	if slots <= 0 {
		return nil
	}

	var runnable []*types.PlanStep
	for i := range p.Steps {
		st := &p.Steps[i]
		if st.Status != types.StepPending {
			continue
		}
		if !st.NextRetryAt.IsZero() && st.NextRetryAt.After(now) {
			continue
		}
		if s.depsSatisfied(p, st) {
			runnable = append(runnable, st)
			if len(runnable) == slots {
				break
			}
		}
	}
	return runnable
}

// depsSatisfied reports whether every dependency of st is completed, or
// terminal-but-non-critical. A failed or skipped critical dependency does not
// satisfy; SkipUnreachable handles that branch.
func (s *Scheduler) depsSatisfied(p *types.Plan, st *types.PlanStep) bool {
	for _, depID := range st.DependsOn {
		dep := p.StepByID(depID)
		if dep == nil {
			return false
		}
		switch dep.Status {
		case types.StepCompleted:
		case types.StepFailed, types.StepSkipped:
			if !dep.NonCritical {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// MarkRunning transitions a step to running and persists it.
func (s *Scheduler) MarkRunning(p *types.Plan, stepID string) error {
	st := p.StepByID(stepID)
	if st == nil {
		return fmt.Errorf("step %s not in plan %s", stepID, p.ID)
	}
	st.Status = types.StepRunning
	st.NextRetryAt = time.Time{}
	return s.store.UpdateStep(st)
}

// MarkBlocked parks a step waiting on external input.
func (s *Scheduler) MarkBlocked(p *types.Plan, stepID string) error {
	st := p.StepByID(stepID)
	if st == nil {
		return fmt.Errorf("step %s not in plan %s", stepID, p.ID)
	}
	st.Status = types.StepBlocked
	logging.Scheduler("Step %s blocked awaiting input (%s)", stepID, st.Contact)
	return s.store.UpdateStep(st)
}

// RecordAnswer stores the human answer on a blocked step and returns it to
// pending so the next scheduling pass dispatches it.
func (s *Scheduler) RecordAnswer(p *types.Plan, stepID, answer string) error {
	st := p.StepByID(stepID)
	if st == nil {
		return fmt.Errorf("step %s not in plan %s", stepID, p.ID)
	}
	if st.Status != types.StepBlocked {
		return fmt.Errorf("step %s is %s, not blocked", stepID, st.Status)
	}
	st.Answer = answer
	st.Status = types.StepPending
	logging.Scheduler("Step %s unblocked by answer", stepID)
	return s.store.UpdateStep(st)
}

// RecordSuccess finalizes a completed step, stores its outcome, and updates
// the plan status.
func (s *Scheduler) RecordSuccess(p *types.Plan, stepID string, outcome types.StepOutcome) error {
	st := p.StepByID(stepID)
	if st == nil {
		return fmt.Errorf("step %s not in plan %s", stepID, p.ID)
	}

	outcome.Success = true
	if outcome.FinishedAt.IsZero() {
		outcome.FinishedAt = time.Now().UTC()
	}
	st.Status = types.StepCompleted
	st.LastError = ""
	st.NextRetryAt = time.Time{}
	st.Attempts = append(st.Attempts, types.StepAttempt{
		Number:    len(st.Attempts) + 1,
		Outcome:   "success",
		Timestamp: outcome.FinishedAt,
	})
	p.Results[stepID] = outcome
	p.CompletedSteps++
	p.TokensUsed += outcome.TokensUsed

	logging.Scheduler("Step %s completed (%d/%d)", stepID, p.CompletedSteps, p.TotalSteps)
	s.recomputePlanStatus(p)
	return s.store.SavePlan(p)
}

// RecordFailure records a failed attempt. Transient failures under the retry
// cap return the step to pending with exponential backoff; everything else
// finally fails the step and cascades skips to now-unreachable dependents.
func (s *Scheduler) RecordFailure(p *types.Plan, stepID string, stepErr error) error {
	st := p.StepByID(stepID)
	if st == nil {
		return fmt.Errorf("step %s not in plan %s", stepID, p.ID)
	}

	cfg := s.config()
	now := time.Now().UTC()
	st.LastError = stepErr.Error()
	st.Attempts = append(st.Attempts, types.StepAttempt{
		Number:    len(st.Attempts) + 1,
		Outcome:   "failure",
		Timestamp: now,
		Error:     stepErr.Error(),
	})

	if Transient(stepErr) && len(st.Attempts) < cfg.MaxRetries {
		backoff := retryBackoff(len(st.Attempts), cfg.RetryBackoffBase.Std(), cfg.RetryBackoffMax.Std())
		st.Status = types.StepPending
		st.NextRetryAt = now.Add(backoff)
		logging.Scheduler("Step %s attempt %d failed (transient), retry in %s: %v",
			stepID, len(st.Attempts), backoff, stepErr)
		return s.store.SavePlan(p)
	}

	st.Status = types.StepFailed
	st.NextRetryAt = time.Time{}
	p.Results[stepID] = types.StepOutcome{
		Success:    false,
		Error:      stepErr.Error(),
		FinishedAt: now,
	}
	p.FailedSteps++
	logging.Get(logging.CategoryScheduler).Warnf("Step %s failed permanently after %d attempts: %v",
		stepID, len(st.Attempts), stepErr)

	if !st.NonCritical {
		s.skipUnreachable(p, now)
	}
	s.recomputePlanStatus(p)
	return s.store.SavePlan(p)
}

// skipUnreachable marks every non-terminal step whose dependency chain now
// passes through a failed or skipped critical step. Skips propagate, so one
// pass loops until a fixpoint.
func (s *Scheduler) skipUnreachable(p *types.Plan, now time.Time) {
	for changed := true; changed; {
		changed = false
		for i := range p.Steps {
			st := &p.Steps[i]
			if st.Terminal() || st.Status == types.StepRunning {
				continue
			}
			for _, depID := range st.DependsOn {
				dep := p.StepByID(depID)
				if dep == nil || dep.NonCritical {
					continue
				}
				if dep.Status == types.StepFailed || dep.Status == types.StepSkipped {
					st.Status = types.StepSkipped
					st.SkipReason = fmt.Sprintf("dependency %s %s", depID, dep.Status)
					p.Results[st.ID] = types.StepOutcome{
						Success:    false,
						Error:      st.SkipReason,
						FinishedAt: now,
					}
					logging.Scheduler("Step %s skipped: %s", st.ID, st.SkipReason)
					changed = true
					break
				}
			}
		}
	}
}

// recomputePlanStatus settles the plan once every step is terminal. All
// completed means completed; failures with no completed work mean failed;
// any completed work alongside failures or skips means partial.
func (s *Scheduler) recomputePlanStatus(p *types.Plan) {
	for i := range p.Steps {
		if !p.Steps[i].Terminal() {
			return
		}
	}

	completed, failed := 0, 0
	for i := range p.Steps {
		switch p.Steps[i].Status {
		case types.StepCompleted:
			completed++
		case types.StepFailed:
			failed++
		}
	}

	switch {
	case failed == 0 && completed == len(p.Steps):
		p.Status = types.PlanCompleted
	case completed == 0:
		p.Status = types.PlanFailed
	default:
		p.Status = types.PlanPartial
	}
	logging.Scheduler("Plan %s finished: status=%s completed=%d failed=%d",
		p.ID, p.Status, completed, failed)
}

// Progress builds a reporting snapshot of the plan.
func (s *Scheduler) Progress(p *types.Plan) types.Progress {
	prog := types.Progress{
		PlanID:     p.ID,
		Goal:       p.Goal,
		Status:     p.Status,
		TotalSteps: p.TotalSteps,
		TokensUsed: p.TokensUsed,
	}
	for i := range p.Steps {
		st := &p.Steps[i]
		switch st.Status {
		case types.StepCompleted:
			prog.CompletedSteps++
		case types.StepFailed:
			prog.FailedSteps++
			if prog.FailedReasons == nil {
				prog.FailedReasons = make(map[string]string)
			}
			prog.FailedReasons[st.ID] = st.LastError
		case types.StepSkipped:
			prog.SkippedSteps++
			if prog.SkippedReasons == nil {
				prog.SkippedReasons = make(map[string]string)
			}
			prog.SkippedReasons[st.ID] = st.SkipReason
		}
	}
	if p.TotalSteps > 0 {
		terminal := prog.CompletedSteps + prog.FailedSteps + prog.SkippedSteps
		prog.OverallProgress = float64(terminal) / float64(p.TotalSteps)
	}
	return prog
}

// retryBackoff returns base*2^(attempt-1) capped at max.
func retryBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 5 * time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
