package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/internal/asyncexec"
	"agentcore/internal/checkpoint"
	"agentcore/internal/config"
	"agentcore/internal/healing"
	"agentcore/internal/idempotency"
	"agentcore/internal/plan"
	"agentcore/internal/store"
	"agentcore/internal/types"
)

// fakeInvoker is a scriptable tool layer.
type fakeInvoker struct {
	mu            sync.Mutex
	calls         map[string]int
	errs          map[string]error
	sideEffecting map[string]bool
	longRunning   map[string]bool
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		calls:         make(map[string]int),
		errs:          make(map[string]error),
		sideEffecting: make(map[string]bool),
		longRunning:   make(map[string]bool),
	}
}

func (f *fakeInvoker) Invoke(ctx context.Context, tool string, args map[string]any, ec ExecContext) (*ToolResult, error) {
	f.mu.Lock()
	f.calls[tool]++
	err := f.errs[tool]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &ToolResult{Output: tool + " output", TokensUsed: 10}, nil
}

func (f *fakeInvoker) SideEffecting(tool string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sideEffecting[tool]
}

func (f *fakeInvoker) LongRunning(tool string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.longRunning[tool]
}

func (f *fakeInvoker) callCount(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tool]
}

type testHarness struct {
	db      *store.LocalStore
	sched   *plan.Scheduler
	ckpts   *checkpoint.Store
	guard   *idempotency.Guard
	tracker *asyncexec.Tracker
	runner  *Runner
	invoker *fakeInvoker
}

func newHarness(t *testing.T, healer *healing.Supervisor) *testHarness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Scheduler.RetryBackoffBase = config.Duration(5 * time.Millisecond)
	cfg.Scheduler.RetryBackoffMax = config.Duration(20 * time.Millisecond)
	cfg.Idempotency.PollBase = config.Duration(5 * time.Millisecond)
	cfg.Idempotency.PollMax = config.Duration(20 * time.Millisecond)

	h := &testHarness{
		db:      db,
		sched:   plan.NewScheduler(db, cfg.Scheduler),
		ckpts:   checkpoint.New(db, cfg.Checkpoint),
		guard:   idempotency.New(db, cfg.Idempotency),
		invoker: newFakeInvoker(),
	}
	// The tracker delivers async results back into the runner.
	h.tracker = asyncexec.New(db, cfg.Async, func(ctx context.Context, e *types.AsyncExecution) error {
		return h.runner.OnAsyncResult(ctx, e)
	}, nil)
	h.runner = NewRunner(db, h.sched, h.ckpts, h.guard, h.tracker, healer, h.invoker, cfg.Scheduler)
	return h
}

func toolStep(id, tool string, deps ...string) types.PlanStep {
	return types.PlanStep{
		ID:          id,
		Kind:        types.StepToolAction,
		Description: id,
		Tool:        tool,
		Args:        map[string]any{"step": id},
		DependsOn:   deps,
	}
}

func TestRunPlanCompletesAllSteps(t *testing.T) {
	h := newHarness(t, nil)
	p, err := plan.Compile("agent-1", "simple goal", []types.PlanStep{
		toolStep("fetch", "fetcher"),
		toolStep("process", "processor", "fetch"),
	})
	require.NoError(t, err)

	require.NoError(t, h.runner.RunPlan(context.Background(), p))

	assert.Equal(t, types.PlanCompleted, p.Status)
	assert.Equal(t, 1, h.invoker.callCount("fetcher"))
	assert.Equal(t, 1, h.invoker.callCount("processor"))
	assert.Equal(t, "fetcher output", p.Results["fetch"].Output)

	// Clean completion consumed the checkpoint.
	ck, err := h.ckpts.Load(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Nil(t, ck)
}

// A fails, B (parallel sibling) completes, C (depends on both) is skipped,
// and the plan ends partial.
func TestRunPlanPartialOnBranchFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.invoker.errs["broken"] = errors.New("unsupported operation")

	p, err := plan.Compile("agent-1", "branchy goal", []types.PlanStep{
		toolStep("a", "broken"),
		toolStep("b", "worker"),
		toolStep("c", "merger", "a", "b"),
	})
	require.NoError(t, err)

	require.NoError(t, h.runner.RunPlan(context.Background(), p))

	assert.Equal(t, types.PlanPartial, p.Status)
	assert.Equal(t, types.StepFailed, p.StepByID("a").Status)
	assert.Equal(t, types.StepCompleted, p.StepByID("b").Status)
	assert.Equal(t, types.StepSkipped, p.StepByID("c").Status)
	assert.Equal(t, 1, p.CompletedSteps)
	assert.Equal(t, 1, p.FailedSteps)
	assert.Zero(t, h.invoker.callCount("merger"))
}

// A side-effecting tool invoked with identical arguments by two plans of the
// same agent runs exactly once inside the dedup window.
func TestSideEffectingToolDeduplicated(t *testing.T) {
	h := newHarness(t, nil)
	h.invoker.sideEffecting["send_email"] = true

	step := toolStep("notify", "send_email")
	step.Args = map[string]any{"to": "ops@example.com"}

	p1, err := plan.Compile("agent-1", "first", []types.PlanStep{step})
	require.NoError(t, err)
	require.NoError(t, h.runner.RunPlan(context.Background(), p1))

	replay := step
	replay.ID = "notify-replay"
	p2, err := plan.Compile("agent-1", "replay", []types.PlanStep{replay})
	require.NoError(t, err)
	require.NoError(t, h.runner.RunPlan(context.Background(), p2))

	assert.Equal(t, 1, h.invoker.callCount("send_email"), "side effect must not repeat")
	assert.Equal(t, types.PlanCompleted, p2.Status)
	// The replay received the cached result.
	assert.Equal(t, "send_email output", p2.Results["notify-replay"].Output)
}

func TestHumanInputStepParksUntilAnswered(t *testing.T) {
	h := newHarness(t, nil)
	p, err := plan.Compile("agent-1", "needs a human", []types.PlanStep{
		{
			ID:       "approve",
			Kind:     types.StepHumanInput,
			Contact:  "ops@example.com",
			Question: "ship it?",
		},
		toolStep("ship", "shipper", "approve"),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.runner.RunPlan(ctx, p) }()

	// Wait for the step to park.
	require.Eventually(t, func() bool {
		loaded, lerr := h.db.LoadPlan(p.ID)
		return lerr == nil && loaded != nil && loaded.StepByID("approve").Status == types.StepBlocked
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.runner.RecordHumanAnswer(p, "approve", "yes, ship"))

	require.NoError(t, <-done)
	assert.Equal(t, types.PlanCompleted, p.Status)
	assert.Equal(t, "yes, ship", p.Results["approve"].Output)
	assert.Equal(t, 1, h.invoker.callCount("shipper"))
}

func TestLongRunningToolRoundTripsThroughTracker(t *testing.T) {
	h := newHarness(t, nil)
	h.invoker.longRunning["migration"] = true

	p, err := plan.Compile("agent-1", "long job", []types.PlanStep{
		toolStep("migrate", "migration"),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Pump deliveries the way the production sweeper does.
	pumpDone := make(chan struct{})
	pumpCtx, stopPump := context.WithCancel(context.Background())
	go func() {
		defer close(pumpDone)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-pumpCtx.Done():
				return
			case <-ticker.C:
				_, _ = h.tracker.DeliverPending(pumpCtx)
			}
		}
	}()
	defer func() { stopPump(); <-pumpDone }()

	require.NoError(t, h.runner.RunPlan(ctx, p))

	assert.Equal(t, types.PlanCompleted, p.Status)
	assert.Equal(t, 1, h.invoker.callCount("migration"))
	assert.Equal(t, "migration output", p.Results["migrate"].Output)
}

// The heartbeat cadence tracks the stale threshold so a short threshold
// cannot outpace the heartbeats of a healthy in-process job.
func TestHeartbeatIntervalTracksStaleThreshold(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, heartbeatInterval(300*time.Millisecond))
	assert.Equal(t, 2*time.Second, heartbeatInterval(6*time.Second))
	assert.Equal(t, 10*time.Second, heartbeatInterval(30*time.Second))
	// Long thresholds cap the cadence; zero falls back to the cap.
	assert.Equal(t, 10*time.Second, heartbeatInterval(5*time.Minute))
	assert.Equal(t, 10*time.Second, heartbeatInterval(0))
}

func TestResumeFromCheckpoint(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	p, err := plan.Compile("agent-1", "interrupted goal", []types.PlanStep{
		toolStep("work", "worker"),
	})
	require.NoError(t, err)
	require.NoError(t, h.db.SavePlan(p))

	// Simulate a crash that left a checkpoint pointing at the plan.
	_, err = h.ckpts.Save(ctx, "agent-1", "iteration_boundary", types.LoopState{PlanID: p.ID, Iteration: 1})
	require.NoError(t, err)

	resumed, err := h.runner.Resume(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, resumed)

	loaded, err := h.db.LoadPlan(p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PlanCompleted, loaded.Status)

	// Nothing left to resume.
	resumed, err = h.runner.Resume(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, resumed)
}

func TestResumeWithTerminalPlanConsumesCheckpoint(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	p, err := plan.Compile("agent-1", "done goal", []types.PlanStep{toolStep("work", "worker")})
	require.NoError(t, err)
	p.Status = types.PlanCompleted
	require.NoError(t, h.db.SavePlan(p))

	_, err = h.ckpts.Save(ctx, "agent-1", "shutdown", types.LoopState{PlanID: p.ID, Iteration: 3})
	require.NoError(t, err)

	resumed, err := h.runner.Resume(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, resumed)

	ck, err := h.ckpts.Load(ctx, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, ck)
}

type recordingHealer struct {
	severity types.Severity
}

func (r *recordingHealer) Diagnose(ctx context.Context, inc healing.Incident) (healing.Diagnosis, error) {
	return healing.Diagnosis{Summary: inc.Description, ProposedFix: "restart tool", Severity: r.severity}, nil
}
func (r *recordingHealer) Backup(ctx context.Context, rec *types.HealingRecord) (string, error) {
	return "snapshot", nil
}
func (r *recordingHealer) Apply(ctx context.Context, rec *types.HealingRecord) (string, error) {
	return "restarted", nil
}
func (r *recordingHealer) Rollback(ctx context.Context, rec *types.HealingRecord) error { return nil }
func (r *recordingHealer) Test(ctx context.Context, rec *types.HealingRecord) (string, bool, error) {
	return "ok", true, nil
}

func TestRepeatedToolFailureTriggersHealing(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "heal.db"))
	require.NoError(t, err)
	defer db.Close()

	remediation := &recordingHealer{severity: types.SeverityLow}
	healer := healing.New(db, config.HealingConfig{}, remediation, remediation, remediation, remediation, nil, nil)

	cfg := config.Default()
	cfg.Scheduler.HealingFailureThreshold = 2
	cfg.Scheduler.RetryBackoffBase = config.Duration(time.Millisecond)
	cfg.Scheduler.RetryBackoffMax = config.Duration(2 * time.Millisecond)

	invoker := newFakeInvoker()
	invoker.errs["crashy"] = errors.New("segfault")

	sched := plan.NewScheduler(db, cfg.Scheduler)
	ckpts := checkpoint.New(db, cfg.Checkpoint)
	runner := NewRunner(db, sched, ckpts, nil, nil, healer, invoker, cfg.Scheduler)

	// Two independent plans fail on the same tool, crossing the threshold.
	for i := 0; i < 2; i++ {
		p, cerr := plan.Compile("agent-1", fmt.Sprintf("goal %d", i), []types.PlanStep{
			toolStep("s", "crashy"),
		})
		require.NoError(t, cerr)
		require.NoError(t, runner.RunPlan(context.Background(), p))
		assert.Equal(t, types.PlanFailed, p.Status)
	}

	require.Eventually(t, func() bool {
		recs, lerr := db.ListHealingRecords("agent-1", 10)
		return lerr == nil && len(recs) == 1 && recs[0].Status == types.HealingCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
