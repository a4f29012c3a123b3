package asyncexec

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"agentcore/internal/config"
	"agentcore/internal/store"
	"agentcore/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() config.AsyncConfig {
	return config.AsyncConfig{
		DefaultStaleThreshold: config.Duration(50 * time.Millisecond),
		DefaultMaxTimeout:     config.Duration(time.Hour),
		SweepInterval:         config.Duration(10 * time.Millisecond),
		DeliveryBackoffBase:   config.Duration(time.Millisecond),
		DeliveryBackoffMax:    config.Duration(10 * time.Millisecond),
		MaxDeliveryAttempts:   3,
	}
}

func newTestTracker(t *testing.T, cfg config.AsyncConfig, deliver DeliverFunc) *Tracker {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, cfg, deliver, nil)
}

func TestStartAppliesDefaults(t *testing.T) {
	tr := newTestTracker(t, testConfig(), nil)
	e, err := tr.Start(context.Background(), Spec{Kind: "build", AgentID: "agent-1"})
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionRunning, e.Status)
	assert.Equal(t, types.SourceInProcess, e.Source)
	assert.Equal(t, 50*time.Millisecond, e.StaleThreshold)
	assert.Equal(t, time.Hour, e.MaxTimeout)
	assert.False(t, e.StartedAt.IsZero())
}

func TestStartRejectsInvertedThresholds(t *testing.T) {
	tr := newTestTracker(t, testConfig(), nil)
	_, err := tr.Start(context.Background(), Spec{
		Kind:           "build",
		AgentID:        "agent-1",
		StaleThreshold: time.Hour,
		MaxTimeout:     time.Minute,
	})
	assert.Error(t, err)
}

// An execution that stops heartbeating past its stale threshold, while still
// under max timeout, is killed as stale_killed.
func TestSweepKillsStaleExecution(t *testing.T) {
	tr := newTestTracker(t, testConfig(), nil)
	ctx := context.Background()

	e, err := tr.Start(ctx, Spec{Kind: "build", AgentID: "agent-1"})
	require.NoError(t, err)

	time.Sleep(70 * time.Millisecond) // past the 50ms stale threshold

	killed, err := tr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, killed)

	got, err := tr.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionStaleKilled, got.Status)
	assert.Contains(t, got.OutputSummary, "no heartbeat")
}

// An execution past max timeout is killed even with fresh heartbeats.
func TestSweepEnforcesHardTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultStaleThreshold = config.Duration(10 * time.Millisecond)
	cfg.DefaultMaxTimeout = config.Duration(40 * time.Millisecond)
	tr := newTestTracker(t, cfg, nil)
	ctx := context.Background()

	e, err := tr.Start(ctx, Spec{Kind: "build", AgentID: "agent-1"})
	require.NoError(t, err)

	deadline := time.Now().Add(60 * time.Millisecond)
	for time.Now().Before(deadline) {
		_ = tr.Heartbeat(ctx, e.ID)
		time.Sleep(5 * time.Millisecond)
	}

	killed, err := tr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, killed)

	got, err := tr.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFailed, got.Status)
	assert.Contains(t, got.OutputSummary, "max timeout")
}

func TestHeartbeatKeepsExecutionAlive(t *testing.T) {
	tr := newTestTracker(t, testConfig(), nil)
	ctx := context.Background()

	e, err := tr.Start(ctx, Spec{Kind: "build", AgentID: "agent-1"})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, tr.Heartbeat(ctx, e.ID))
	}

	killed, err := tr.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, killed)
}

func TestHeartbeatAfterKillReturnsStaleError(t *testing.T) {
	tr := newTestTracker(t, testConfig(), nil)
	ctx := context.Background()

	e, err := tr.Start(ctx, Spec{Kind: "build", AgentID: "agent-1"})
	require.NoError(t, err)
	time.Sleep(70 * time.Millisecond)
	_, err = tr.Sweep(ctx)
	require.NoError(t, err)

	err = tr.Heartbeat(ctx, e.ID)
	assert.ErrorIs(t, err, ErrStaleExecution)
}

func TestLateCompletionAfterSweepIsDropped(t *testing.T) {
	tr := newTestTracker(t, testConfig(), nil)
	ctx := context.Background()

	e, err := tr.Start(ctx, Spec{Kind: "build", AgentID: "agent-1"})
	require.NoError(t, err)
	time.Sleep(70 * time.Millisecond)
	_, err = tr.Sweep(ctx)
	require.NoError(t, err)

	won, err := tr.Complete(ctx, e.ID, Outcome{Success: true, Summary: "finished anyway"})
	require.NoError(t, err)
	assert.False(t, won)

	got, err := tr.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionStaleKilled, got.Status)
}

func TestDeliverPendingRoutesTerminalResults(t *testing.T) {
	var delivered atomic.Int32
	tr := newTestTracker(t, testConfig(), func(ctx context.Context, e *types.AsyncExecution) error {
		delivered.Add(1)
		return nil
	})
	ctx := context.Background()

	e, err := tr.Start(ctx, Spec{Kind: "build", AgentID: "agent-1", ConversationID: "conv-1"})
	require.NoError(t, err)
	_, err = tr.Complete(ctx, e.ID, Outcome{Success: true, Summary: "built"})
	require.NoError(t, err)

	n, err := tr.DeliverPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), delivered.Load())

	// Delivered results are not re-delivered.
	n, err = tr.DeliverPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := tr.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDelivered, got.DeliveryStatus)
	assert.Equal(t, 1, got.DeliveryAttempts)
}

func TestDeliveryRetriesWithBackoffThenGivesUp(t *testing.T) {
	var attempts atomic.Int32
	tr := newTestTracker(t, testConfig(), func(ctx context.Context, e *types.AsyncExecution) error {
		attempts.Add(1)
		return errors.New("conversation gone")
	})
	ctx := context.Background()

	e, err := tr.Start(ctx, Spec{Kind: "build", AgentID: "agent-1", ConversationID: "conv-1"})
	require.NoError(t, err)
	_, err = tr.Complete(ctx, e.ID, Outcome{Success: false, Summary: "boom"})
	require.NoError(t, err)

	// Three passes spaced past the backoff window exhaust the attempt cap.
	for i := 0; i < 3; i++ {
		_, err = tr.DeliverPending(ctx)
		require.NoError(t, err)
		time.Sleep(15 * time.Millisecond)
	}

	assert.Equal(t, int32(3), attempts.Load())
	got, err := tr.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryFailed, got.DeliveryStatus)
	assert.Equal(t, 3, got.DeliveryAttempts)
}

func TestCancelTerminatesRunningExecution(t *testing.T) {
	tr := newTestTracker(t, testConfig(), nil)
	ctx := context.Background()

	e, err := tr.Start(ctx, Spec{Kind: "build", AgentID: "agent-1"})
	require.NoError(t, err)
	require.NoError(t, tr.Cancel(ctx, e.ID, "user requested"))

	got, err := tr.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCancelled, got.Status)
	assert.Equal(t, "user requested", got.OutputSummary)
	// Nothing owns this execution, so there is no result to route.
	assert.Equal(t, types.DeliveryNotNeeded, got.DeliveryStatus)
}

// A maintenance tracker with no delivery function sweeps an execution owned
// by another tracker's runtime. The death notice must stay queued so the
// owning tracker can still deliver it.
func TestSweepWithoutDeliverFuncKeepsOwnedResultQueued(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var delivered atomic.Int32
	runtime := New(db, testConfig(), func(ctx context.Context, e *types.AsyncExecution) error {
		delivered.Add(1)
		return nil
	}, nil)
	maintenance := New(db, testConfig(), nil, nil)
	ctx := context.Background()

	e, err := runtime.Start(ctx, Spec{Kind: "build", AgentID: "agent-1", PlanID: "plan-1", StepID: "step-1"})
	require.NoError(t, err)

	time.Sleep(70 * time.Millisecond) // past the 50ms stale threshold

	killed, err := maintenance.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, killed)

	got, err := runtime.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionStaleKilled, got.Status)
	assert.Equal(t, types.DeliveryPending, got.DeliveryStatus)

	n, err := runtime.DeliverPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), delivered.Load())
}

func TestRunSweeperStopsWithContext(t *testing.T) {
	tr := newTestTracker(t, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		tr.RunSweeper(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancellation")
	}
}
