// Package checkpoint persists resumable snapshots of agent reasoning loops.
// The snapshot is plain data (plan id, iteration, history); resuming means
// re-entering the loop with that data, not resuming a suspended stack.
package checkpoint

import (
	"context"
	"time"

	"github.com/google/uuid"

	"agentcore/internal/config"
	"agentcore/internal/logging"
	"agentcore/internal/store"
	"agentcore/internal/types"
)

// Store saves and restores agent loop checkpoints with a TTL. At most one
// active checkpoint exists per agent; saving again overwrites it.
type Store struct {
	db  *store.LocalStore
	cfg config.CheckpointConfig
}

// New returns a checkpoint store over db.
func New(db *store.LocalStore, cfg config.CheckpointConfig) *Store {
	return &Store{db: db, cfg: cfg}
}

// Save snapshots the loop state for an agent, replacing any previous active
// checkpoint. Trigger is a free-form tag naming what prompted the save
// (iteration boundary, shutdown, pre-risky-step).
func (s *Store) Save(ctx context.Context, agentID, trigger string, state types.LoopState) (*types.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timer := logging.StartTimer(logging.CategoryCheckpoint, "save checkpoint")
	defer timer.Stop()

	ck := &types.Checkpoint{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Trigger:   trigger,
		State:     state,
		ExpiresAt: time.Now().UTC().Add(s.cfg.TTL.Std()),
	}
	if err := s.db.UpsertCheckpoint(ck); err != nil {
		return nil, err
	}
	logging.CheckpointDebug("Saved checkpoint for agent %s: trigger=%s iteration=%d",
		agentID, trigger, state.Iteration)
	return ck, nil
}

// Load returns the agent's active, unexpired checkpoint, or nil when there is
// nothing to resume.
func (s *Store) Load(ctx context.Context, agentID string) (*types.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.GetActiveCheckpoint(agentID, time.Now().UTC())
}

// Consume marks a checkpoint used after a successful resume. Idempotent.
func (s *Store) Consume(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.ConsumeCheckpoint(id)
}

// Recover returns the resumable checkpoints for the given agents. Called once
// at startup to pick up work interrupted by a crash or restart.
func (s *Store) Recover(ctx context.Context, agentIDs []string) ([]*types.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cks, err := s.db.ActiveCheckpoints(agentIDs, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if len(cks) > 0 {
		logging.Checkpoint("Recovery scan found %d resumable checkpoints", len(cks))
	}
	return cks, nil
}

// Sweep expires active checkpoints past their TTL.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.db.ExpireCheckpoints(time.Now().UTC())
}

// RunSweeper expires stale checkpoints on an interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context) {
	interval := s.cfg.SweepInterval.Std()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				logging.Get(logging.CategoryCheckpoint).Warnf("Checkpoint sweep failed: %v", err)
			}
		}
	}
}
