// Package asyncexec tracks tool invocations that outlive the synchronous
// agent loop. Executions heartbeat while working; a periodic sweep kills the
// ones that go quiet and a delivery loop routes terminal results back to the
// owning conversation with retry.
package asyncexec

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

// ErrStaleExecution is returned by Heartbeat when the execution was already
// terminated, usually because the sweep killed it for going quiet.
var ErrStaleExecution = errors.New("execution is no longer running")

// ErrNotFound is returned when the execution id is unknown.
var ErrNotFound = errors.New("execution not found")

// Spec describes a background execution being registered.
type Spec struct {
	Kind   string
	Source types.ExecutionSource

	AgentID        string
	UserID         string
	ConversationID string
	PlanID         string
	StepID         string
	Workspace      string

	// Zero values fall back to the tracker's configured defaults.
	StaleThreshold time.Duration
	MaxTimeout     time.Duration
}

// Outcome is the terminal result reported by the execution itself.
type Outcome struct {
	Success bool
	Summary string
}

// DeliverFunc routes one terminal execution's result to its owner. A nil
// error marks the execution delivered; an error schedules a retry.
type DeliverFunc func(ctx context.Context, e *types.AsyncExecution) error

// TerminateFunc force-stops the underlying process of a stale execution.
// Optional; in-process executions observe their context instead.
type TerminateFunc func(ctx context.Context, e *types.AsyncExecution) error

// Tracker owns the lifecycle of background executions.
type Tracker struct {
	db        *store.LocalStore
	cfg       config.AsyncConfig
	deliver   DeliverFunc
	terminate TerminateFunc
}

// New returns a tracker over db. deliver may be nil for instances that only
// maintain the store (a sweep daemon); owned results they finalize stay
// queued as pending until a tracker with a delivery function picks them up.
func New(db *store.LocalStore, cfg config.AsyncConfig, deliver DeliverFunc, terminate TerminateFunc) *Tracker {
	return &Tracker{db: db, cfg: cfg, deliver: deliver, terminate: terminate}
}

// Start registers a running execution and returns its id.
func (t *Tracker) Start(ctx context.Context, spec Spec) (*types.AsyncExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if spec.StaleThreshold <= 0 {
		spec.StaleThreshold = t.cfg.DefaultStaleThreshold.Std()
	}
	if spec.MaxTimeout <= 0 {
		spec.MaxTimeout = t.cfg.DefaultMaxTimeout.Std()
	}
	if spec.StaleThreshold > spec.MaxTimeout {
		return nil, fmt.Errorf("stale threshold %s exceeds max timeout %s", spec.StaleThreshold, spec.MaxTimeout)
	}
	if spec.Source == "" {
		spec.Source = types.SourceInProcess
	}

	now := time.Now().UTC()
	e := &types.AsyncExecution{
		ID:             uuid.NewString(),
		Kind:           spec.Kind,
		Source:         spec.Source,
		AgentID:        spec.AgentID,
		UserID:         spec.UserID,
		ConversationID: spec.ConversationID,
		PlanID:         spec.PlanID,
		StepID:         spec.StepID,
		Workspace:      spec.Workspace,
		Status:         types.ExecutionRunning,
		StaleThreshold: spec.StaleThreshold,
		MaxTimeout:     spec.MaxTimeout,
		StartedAt:      now,
		LastActivityAt: now,
		DeliveryStatus: types.DeliveryPending,
	}
	if err := t.db.InsertExecution(e); err != nil {
		return nil, err
	}
	logging.Async("Execution %s started: kind=%s agent=%s stale=%s max=%s",
		e.ID, e.Kind, e.AgentID, e.StaleThreshold, e.MaxTimeout)
	return e, nil
}

// Heartbeat records liveness for a running execution. Returns
// ErrStaleExecution when the execution has already been terminated, which
// tells the caller to stop doing work whose result nobody will take.
func (t *Tracker) Heartbeat(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	alive, err := t.db.TouchExecution(id, time.Now().UTC())
	if err != nil {
		return err
	}
	if !alive {
		return fmt.Errorf("%w: %s", ErrStaleExecution, id)
	}
	return nil
}

// Complete reports the execution's own terminal outcome. Returns false when
// the sweep got there first; the late result is dropped, not delivered.
func (t *Tracker) Complete(ctx context.Context, id string, outcome Outcome) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	status := types.ExecutionCompleted
	if !outcome.Success {
		status = types.ExecutionFailed
	}
	e, err := t.db.GetExecution(id)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	won, err := t.db.FinishExecution(id, status, outcome.Summary, deliveryFor(e), time.Now().UTC())
	if err != nil {
		return false, err
	}
	if !won {
		logging.Async("Late completion for execution %s dropped (already terminal)", id)
	}
	return won, nil
}

// Cancel terminates a running execution on request.
func (t *Tracker) Cancel(ctx context.Context, id, reason string) error {
	e, err := t.db.GetExecution(id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.terminate != nil && e.Source == types.SourceRemote {
		if terr := t.terminate(ctx, e); terr != nil {
			logging.Get(logging.CategoryAsync).Warnf("Terminate hook failed for %s: %v", id, terr)
		}
	}
	won, err := t.db.FinishExecution(id, types.ExecutionCancelled, reason, deliveryFor(e), time.Now().UTC())
	if err != nil {
		return err
	}
	if won {
		logging.Async("Execution %s cancelled: %s", id, reason)
	}
	return nil
}

// Get returns the execution row.
func (t *Tracker) Get(ctx context.Context, id string) (*types.AsyncExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := t.db.GetExecution(id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Sweep applies the two liveness thresholds to every running execution:
// heartbeats quiet past the stale threshold kill the execution as
// stale_killed, and total age past the max timeout fails it outright. Both
// outcomes queue a delivery for owned executions so the owner learns the job
// died, even when the sweeping instance has no delivery function of its own.
// Returns how many executions were terminated.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	running, err := t.db.RunningExecutions()
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	killed := 0
	for _, e := range running {
		var (
			status  types.ExecutionStatus
			summary string
		)
		switch {
		case now.Sub(e.StartedAt) > e.MaxTimeout:
			status = types.ExecutionFailed
			summary = fmt.Sprintf("max timeout exceeded after %s", now.Sub(e.StartedAt).Round(time.Second))
		case now.Sub(e.LastActivityAt) > e.StaleThreshold:
			status = types.ExecutionStaleKilled
			summary = fmt.Sprintf("no heartbeat for %s", now.Sub(e.LastActivityAt).Round(time.Second))
		default:
			continue
		}

		if t.terminate != nil && e.Source == types.SourceRemote {
			if terr := t.terminate(ctx, e); terr != nil {
				logging.Get(logging.CategoryAsync).Warnf("Terminate hook failed for %s: %v", e.ID, terr)
			}
		}
		won, err := t.db.FinishExecution(e.ID, status, summary, deliveryFor(e), now)
		if err != nil {
			return killed, err
		}
		if won {
			killed++
			logging.Get(logging.CategoryAsync).Warnf("Execution %s terminated by sweep: %s (%s)",
				e.ID, status, summary)
		}
	}
	return killed, nil
}

// DeliverPending routes every due terminal result through the delivery
// function, with exponential backoff between attempts and a hard attempt cap.
// Returns how many results were delivered.
func (t *Tracker) DeliverPending(ctx context.Context) (int, error) {
	if t.deliver == nil {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	due, err := t.db.DeliverableExecutions(time.Now().UTC())
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, e := range due {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		attempts := e.DeliveryAttempts + 1
		if derr := t.deliver(ctx, e); derr != nil {
			if attempts >= t.maxDeliveryAttempts() {
				logging.Get(logging.CategoryAsync).Errorf(
					"Giving up delivering result of %s after %d attempts: %v", e.ID, attempts, derr)
				if serr := t.db.SetDeliveryState(e.ID, types.DeliveryFailed, attempts, time.Time{}); serr != nil {
					return delivered, serr
				}
				continue
			}
			next := time.Now().UTC().Add(deliveryBackoff(attempts,
				t.cfg.DeliveryBackoffBase.Std(), t.cfg.DeliveryBackoffMax.Std()))
			logging.Get(logging.CategoryAsync).Warnf(
				"Delivery attempt %d for %s failed, retrying at %s: %v",
				attempts, e.ID, next.Format(time.RFC3339), derr)
			if serr := t.db.SetDeliveryState(e.ID, types.DeliveryPending, attempts, next); serr != nil {
				return delivered, serr
			}
			continue
		}

		if serr := t.db.SetDeliveryState(e.ID, types.DeliveryDelivered, attempts, time.Time{}); serr != nil {
			return delivered, serr
		}
		delivered++
		logging.AsyncDebug("Delivered result of execution %s (attempt %d)", e.ID, attempts)
	}
	return delivered, nil
}

// RunSweeper runs Sweep and DeliverPending on the configured interval until
// ctx is done.
func (t *Tracker) RunSweeper(ctx context.Context) {
	interval := t.cfg.SweepInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Sweep(ctx); err != nil && ctx.Err() == nil {
				logging.Get(logging.CategoryAsync).Warnf("Sweep failed: %v", err)
			}
			if _, err := t.DeliverPending(ctx); err != nil && ctx.Err() == nil {
				logging.Get(logging.CategoryAsync).Warnf("Delivery pass failed: %v", err)
			}
		}
	}
}

// deliveryFor decides whether a terminal result must reach an owner. The
// decision lives on the execution row, not the tracker instance: a sweep
// daemon with no delivery function still leaves the death notice queued for
// the runtime that owns the job. Only ownerless executions skip delivery.
func deliveryFor(e *types.AsyncExecution) types.DeliveryStatus {
	if e.PlanID != "" || e.StepID != "" || e.ConversationID != "" {
		return types.DeliveryPending
	}
	return types.DeliveryNotNeeded
}

func (t *Tracker) maxDeliveryAttempts() int {
	if t.cfg.MaxDeliveryAttempts <= 0 {
		return 10
	}
	return t.cfg.MaxDeliveryAttempts
}

func deliveryBackoff(attempt int, base, max time.Duration) time.Duration {
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
