// Package executor runs compiled plans. It dispatches runnable steps through
// a per-kind strategy table with bounded parallelism, checkpoints loop state
// at iteration boundaries, routes side-effecting tools through the
// idempotency guard, hands long-running tools to the async tracker, and
// triggers the self-healing supervisor when one tool keeps failing.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"agentcore/internal/asyncexec"
	"agentcore/internal/checkpoint"
	"agentcore/internal/config"
	"agentcore/internal/healing"
	"agentcore/internal/idempotency"
	"agentcore/internal/logging"
	"agentcore/internal/plan"
	"agentcore/internal/store"
	"agentcore/internal/types"
)

// ExecContext carries the ownership context of one tool invocation.
type ExecContext struct {
	AgentID        string
	UserID         string
	ConversationID string
	PlanID         string
	StepID         string
	Workspace      string
}

// ToolResult is a synchronous tool outcome.
type ToolResult struct {
	Output     string
	TokensUsed int
}

// Invoker is the tool/platform layer. Tools self-declare whether they are
// side-effecting (deduplicated by the idempotency guard) and whether they
// may exceed the synchronous budget (tracked as async executions).
type Invoker interface {
	Invoke(ctx context.Context, toolName string, args map[string]any, ec ExecContext) (*ToolResult, error)
	SideEffecting(toolName string) bool
	LongRunning(toolName string) bool
}

// stepParked is returned by handlers whose step is now waiting on something
// external (a human answer, an async result) rather than finished.
var stepParked = errors.New("step parked awaiting external input")

// stepHandler executes one step kind to a synchronous outcome, or returns
// stepParked when the step is now blocked.
type stepHandler func(ctx context.Context, r *Runner, p *types.Plan, st *types.PlanStep) (types.StepOutcome, error)

// Runner executes plans for agents.
type Runner struct {
	db      *store.LocalStore
	sched   *plan.Scheduler
	ckpts   *checkpoint.Store
	guard   *idempotency.Guard
	tracker *asyncexec.Tracker
	healer  *healing.Supervisor
	invoker Invoker
	cfg     config.SchedulerConfig

	handlers map[types.StepKind]stepHandler

	// mu serializes plan mutation; step bodies run concurrently but results
	// are recorded one at a time.
	mu sync.Mutex

	// active maps plan id to the live in-memory plan a run loop is driving,
	// so externally delivered results mutate the loop's copy, not a reload.
	active map[string]*types.Plan

	// notify wakes the run loop when a parked step becomes dispatchable.
	notify chan struct{}

	// failStreak counts consecutive failures per tool, feeding the healing
	// trigger. Reset on any success of the same tool.
	streakMu   sync.Mutex
	failStreak map[string]int
}

// NewRunner wires a runner. healer may be nil to disable self-healing.
func NewRunner(db *store.LocalStore, sched *plan.Scheduler, ckpts *checkpoint.Store,
	guard *idempotency.Guard, tracker *asyncexec.Tracker, healer *healing.Supervisor,
	invoker Invoker, cfg config.SchedulerConfig) *Runner {
	r := &Runner{
		db:         db,
		sched:      sched,
		ckpts:      ckpts,
		guard:      guard,
		tracker:    tracker,
		healer:     healer,
		invoker:    invoker,
		cfg:        cfg,
		active:     make(map[string]*types.Plan),
		notify:     make(chan struct{}, 1),
		failStreak: make(map[string]int),
	}
	r.handlers = map[types.StepKind]stepHandler{
		types.StepToolAction: handleToolAction,
		types.StepHumanInput: handleHumanInput,
		types.StepDelegation: handleInvoke,
		types.StepResearch:   handleInvoke,
		types.StepSynthesis:  handleInvoke,
	}
	return r
}

// RunPlan drives a plan until it reaches a terminal status. The loop
// checkpoints after every iteration; a crash resumes through Resume rather
// than restarting the goal.
func (r *Runner) RunPlan(ctx context.Context, p *types.Plan) error {
	return r.run(ctx, p, types.LoopState{PlanID: p.ID})
}

// Resume picks up the agent's interrupted work from its active checkpoint.
// Returns (false, nil) when there is nothing to resume. Replayed iterations
// are safe: side-effecting calls hit the idempotency guard, not the tool.
func (r *Runner) Resume(ctx context.Context, agentID string) (bool, error) {
	ck, err := r.ckpts.Load(ctx, agentID)
	if err != nil || ck == nil {
		return false, err
	}
	if ck.State.PlanID == "" {
		return false, r.ckpts.Consume(ctx, ck.ID)
	}

	p, err := r.db.LoadPlan(ck.State.PlanID)
	if err != nil {
		return false, err
	}
	if p == nil || p.Terminal() {
		return false, r.ckpts.Consume(ctx, ck.ID)
	}

	logging.Executor("Resuming agent %s from checkpoint %s (plan %s, iteration %d)",
		agentID, ck.ID, p.ID, ck.State.Iteration)
	if err := r.run(ctx, p, ck.State); err != nil {
		return true, err
	}
	return true, r.ckpts.Consume(ctx, ck.ID)
}

func (r *Runner) run(ctx context.Context, p *types.Plan, state types.LoopState) error {
	r.mu.Lock()
	r.active[p.ID] = p
	if p.Status == types.PlanPending {
		if err := r.sched.Start(p); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, p.ID)
		r.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			// Cooperative cancellation: stop dispatching, leave the
			// checkpoint in place for a later resume.
			return err
		}

		now := time.Now().UTC()
		r.mu.Lock()
		if p.Terminal() {
			r.mu.Unlock()
			break
		}
		runnable := r.sched.NextRunnable(p, now)
		for _, st := range runnable {
			if err := r.sched.MarkRunning(p, st.ID); err != nil {
				r.mu.Unlock()
				return err
			}
		}
		r.mu.Unlock()

		if len(runnable) == 0 {
			if err := r.waitForWakeup(ctx, p, now); err != nil {
				return err
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.sched.MaxConcurrent())
		for _, st := range runnable {
			st := st
			g.Go(func() error {
				return r.executeStep(gctx, p, st)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		r.mu.Lock()
		state.Iteration++
		state.TokensUsed = p.TokensUsed
		state.History = append(state.History, types.HistoryEntry{
			Role:      "system",
			Content:   fmt.Sprintf("iteration %d: %d/%d steps terminal", state.Iteration, terminalSteps(p), p.TotalSteps),
			Timestamp: time.Now().UTC(),
		})
		r.mu.Unlock()
		if _, err := r.ckpts.Save(ctx, p.AgentID, "iteration_boundary", state); err != nil {
			return err
		}
	}

	logging.Executor("Plan %s reached %s", p.ID, p.Status)
	if ck, err := r.ckpts.Load(ctx, p.AgentID); err == nil && ck != nil && ck.State.PlanID == p.ID {
		if err := r.ckpts.Consume(ctx, ck.ID); err != nil {
			return err
		}
	}
	return nil
}

// waitForWakeup blocks until a parked step can make progress: a notify from
// an async result or human answer, or the earliest retry backoff expiring.
// Errors out if the plan cannot possibly advance.
func (r *Runner) waitForWakeup(ctx context.Context, p *types.Plan, now time.Time) error {
	wait := time.Duration(-1)
	waiting := false
	r.mu.Lock()
	for i := range p.Steps {
		st := &p.Steps[i]
		switch st.Status {
		case types.StepBlocked, types.StepRunning:
			waiting = true
		case types.StepPending:
			if !st.NextRetryAt.IsZero() && st.NextRetryAt.After(now) {
				if d := st.NextRetryAt.Sub(now); wait < 0 || d < wait {
					wait = d
				}
			}
		}
	}
	r.mu.Unlock()
	if !waiting && wait < 0 {
		return fmt.Errorf("plan %s is wedged: no runnable, blocked, or retrying steps", p.ID)
	}
	if wait < 0 || wait > time.Second {
		wait = time.Second
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.notify:
	case <-time.After(wait):
	}
	return nil
}

func (r *Runner) executeStep(ctx context.Context, p *types.Plan, st *types.PlanStep) error {
	handler, ok := r.handlers[st.Kind]
	if !ok {
		return r.recordFailure(p, st, fmt.Errorf("unknown step kind %q", st.Kind))
	}

	timer := logging.StartTimer(logging.CategoryExecutor, fmt.Sprintf("step %s (%s)", st.ID, st.Kind))
	outcome, err := handler(ctx, r, p, st)
	timer.Stop()

	switch {
	case errors.Is(err, stepParked):
		return nil
	case err != nil:
		r.bumpFailStreak(ctx, p.AgentID, st.Tool)
		return r.recordFailure(p, st, err)
	default:
		r.resetFailStreak(st.Tool)
		return r.recordSuccess(p, st, outcome)
	}
}

func (r *Runner) recordSuccess(p *types.Plan, st *types.PlanStep, outcome types.StepOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sched.RecordSuccess(p, st.ID, outcome)
}

func (r *Runner) recordFailure(p *types.Plan, st *types.PlanStep, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sched.RecordFailure(p, st.ID, err)
}

// OnAsyncResult re-injects a terminal async execution into its owning plan.
// Wire this as (part of) the tracker's delivery function. The live in-memory
// plan is used when its run loop is still active; otherwise the persisted
// plan is updated directly (a result arriving after a restart). Idempotent:
// a redelivered result for an already-terminal step is dropped.
func (r *Runner) OnAsyncResult(ctx context.Context, e *types.AsyncExecution) error {
	if e.PlanID == "" || e.StepID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.active[e.PlanID]
	if p == nil {
		loaded, err := r.db.LoadPlan(e.PlanID)
		if err != nil {
			return err
		}
		if loaded == nil {
			return fmt.Errorf("plan %s for execution %s not found", e.PlanID, e.ID)
		}
		p = loaded
	}

	st := p.StepByID(e.StepID)
	if st == nil {
		return fmt.Errorf("step %s for execution %s not found", e.StepID, e.ID)
	}
	if st.Terminal() {
		logging.ExecutorDebug("Redelivered result for terminal step %s dropped", st.ID)
		return nil
	}

	var err error
	if e.Status == types.ExecutionCompleted {
		err = r.sched.RecordSuccess(p, st.ID, types.StepOutcome{
			Output:     e.OutputSummary,
			FinishedAt: e.CompletedAt,
		})
	} else {
		err = r.sched.RecordFailure(p, st.ID, fmt.Errorf("async execution %s: %s (%s)", e.ID, e.Status, e.OutputSummary))
	}
	if err != nil {
		return err
	}
	r.wake()
	return nil
}

// RecordHumanAnswer unblocks a parked human-input step with its answer.
func (r *Runner) RecordHumanAnswer(p *types.Plan, stepID, answer string) error {
	r.mu.Lock()
	err := r.sched.RecordAnswer(p, stepID, answer)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.wake()
	return nil
}

func (r *Runner) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// bumpFailStreak counts consecutive failures of one tool and fires the
// healing supervisor at the configured threshold. Healing runs detached so
// the plan loop is never blocked on an approval gate.
func (r *Runner) bumpFailStreak(ctx context.Context, agentID, tool string) {
	if tool == "" {
		return
	}
	r.streakMu.Lock()
	r.failStreak[tool]++
	streak := r.failStreak[tool]
	threshold := r.cfg.HealingFailureThreshold
	if streak == threshold && threshold > 0 {
		r.failStreak[tool] = 0
	}
	r.streakMu.Unlock()

	if r.healer == nil || threshold <= 0 || streak != threshold {
		return
	}
	logging.Executor("Tool %s failed %d times in a row, triggering healing", tool, streak)
	go func() {
		_, err := r.healer.Heal(context.WithoutCancel(ctx), healing.Incident{
			AgentID:       agentID,
			TriggerSource: "hook",
			Description:   fmt.Sprintf("tool %s failed %d consecutive times", tool, streak),
		})
		if err != nil {
			logging.Get(logging.CategoryExecutor).Warnf("Healing for tool %s did not complete: %v", tool, err)
		}
	}()
}

func (r *Runner) resetFailStreak(tool string) {
	if tool == "" {
		return
	}
	r.streakMu.Lock()
	delete(r.failStreak, tool)
	r.streakMu.Unlock()
}

func terminalSteps(p *types.Plan) int {
	n := 0
	for i := range p.Steps {
		if p.Steps[i].Terminal() {
			n++
		}
	}
	return n
}
