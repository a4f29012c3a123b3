package executor

import (
	"context"
	"fmt"
	"time"

	"agentcore/internal/asyncexec"
	"agentcore/internal/logging"
	"agentcore/internal/plan"
	"agentcore/internal/types"
)

// handleToolAction invokes a tool. Side-effecting tools go through the
// idempotency guard so a replay after checkpoint resume returns the cached
// result instead of repeating the side effect. Long-running tools are handed
// to the async tracker and the step parks until the result is delivered.
func handleToolAction(ctx context.Context, r *Runner, p *types.Plan, st *types.PlanStep) (types.StepOutcome, error) {
	if st.Tool == "" {
		return types.StepOutcome{}, &plan.StepFailure{StepID: st.ID, Err: fmt.Errorf("tool_action step has no tool")}
	}

	ec := ExecContext{
		AgentID: p.AgentID,
		PlanID:  p.ID,
		StepID:  st.ID,
	}

	if r.tracker != nil && r.invoker.LongRunning(st.Tool) {
		return parkAsync(ctx, r, p, st, ec)
	}

	if r.guard != nil && r.invoker.SideEffecting(st.Tool) {
		result, err := r.guard.Execute(ctx, st.Tool, p.AgentID, st.Args, func(ctx context.Context) (string, error) {
			res, err := r.invoker.Invoke(ctx, st.Tool, st.Args, ec)
			if err != nil {
				return "", err
			}
			return res.Output, nil
		})
		if err != nil {
			return types.StepOutcome{}, err
		}
		return types.StepOutcome{Output: result, FinishedAt: time.Now().UTC()}, nil
	}

	res, err := r.invoker.Invoke(ctx, st.Tool, st.Args, ec)
	if err != nil {
		return types.StepOutcome{}, err
	}
	return types.StepOutcome{
		Output:     res.Output,
		TokensUsed: res.TokensUsed,
		FinishedAt: time.Now().UTC(),
	}, nil
}

// parkAsync registers the tool with the async tracker and parks the step.
// The delivery path (Runner.OnAsyncResult) finishes the step later.
func parkAsync(ctx context.Context, r *Runner, p *types.Plan, st *types.PlanStep, ec ExecContext) (types.StepOutcome, error) {
	e, err := r.tracker.Start(ctx, asyncexec.Spec{
		Kind:    st.Tool,
		AgentID: p.AgentID,
		PlanID:  p.ID,
		StepID:  st.ID,
	})
	if err != nil {
		return types.StepOutcome{}, err
	}

	r.mu.Lock()
	err = r.sched.MarkBlocked(p, st.ID)
	r.mu.Unlock()
	if err != nil {
		return types.StepOutcome{}, err
	}

	// The actual invocation runs detached, heartbeating while it works.
	// Its terminal outcome flows back through the tracker's delivery path,
	// so the loop keeps scheduling other runnable work meanwhile.
	go r.runAsyncTool(context.WithoutCancel(ctx), e.ID, heartbeatInterval(e.StaleThreshold), st.Tool, st.Args, ec)

	logging.ExecutorDebug("Step %s handed to async tracker as execution %s", st.ID, e.ID)
	return types.StepOutcome{}, stepParked
}

// heartbeatInterval beats at a third of the execution's stale threshold, so
// two missed ticks still fit before the sweep kills it. Capped at 10s for
// long thresholds.
func heartbeatInterval(staleThreshold time.Duration) time.Duration {
	interval := staleThreshold / 3
	if interval <= 0 || interval > 10*time.Second {
		return 10 * time.Second
	}
	return interval
}

// runAsyncTool executes a long-running tool under heartbeat supervision.
func (r *Runner) runAsyncTool(ctx context.Context, execID string, beat time.Duration, tool string, args map[string]any, ec ExecContext) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Heartbeat until the invocation returns. A heartbeat rejection means
	// the sweep already killed this execution; stop working.
	go func() {
		ticker := time.NewTicker(beat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.tracker.Heartbeat(ctx, execID); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	res, err := r.invoker.Invoke(ctx, tool, args, ec)
	outcome := asyncexec.Outcome{Success: err == nil}
	if err != nil {
		outcome.Summary = err.Error()
	} else {
		outcome.Summary = res.Output
	}
	if _, cerr := r.tracker.Complete(ctx, execID, outcome); cerr != nil {
		logging.Get(logging.CategoryExecutor).Warnf("Failed to complete execution %s: %v", execID, cerr)
	}
}

// handleHumanInput parks the step until an answer is recorded, or completes
// immediately when the answer is already present (a resumed or re-dispatched
// step).
func handleHumanInput(ctx context.Context, r *Runner, p *types.Plan, st *types.PlanStep) (types.StepOutcome, error) {
	if st.Answer != "" {
		return types.StepOutcome{Output: st.Answer, FinishedAt: time.Now().UTC()}, nil
	}

	r.mu.Lock()
	err := r.sched.MarkBlocked(p, st.ID)
	r.mu.Unlock()
	if err != nil {
		return types.StepOutcome{}, err
	}
	logging.Executor("Step %s waiting on %s: %s", st.ID, st.Contact, st.Question)
	return types.StepOutcome{}, stepParked
}

// handleInvoke runs delegation, research, and synthesis steps as plain
// synchronous invocations.
func handleInvoke(ctx context.Context, r *Runner, p *types.Plan, st *types.PlanStep) (types.StepOutcome, error) {
	tool := st.Tool
	if tool == "" {
		tool = string(st.Kind)
	}
	res, err := r.invoker.Invoke(ctx, tool, st.Args, ExecContext{
		AgentID: p.AgentID,
		PlanID:  p.ID,
		StepID:  st.ID,
	})
	if err != nil {
		return types.StepOutcome{}, err
	}
	return types.StepOutcome{
		Output:     res.Output,
		TokensUsed: res.TokensUsed,
		FinishedAt: time.Now().UTC(),
	}, nil
}
