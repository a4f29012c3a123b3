package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agentcore/internal/logging"
	"agentcore/internal/types"
)

// UpsertCheckpoint saves the single active checkpoint for an agent. If an
// active row already exists it is updated in place and the checkpoint keeps
// that row's id; otherwise a new row is inserted. The one-active-per-agent
// invariant is backed by a partial unique index, so it holds even if two
// processes race here.
func (s *LocalStore) UpsertCheckpoint(ck *types.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := json.Marshal(ck.State)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint state: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	ck.UpdatedAt = now
	ck.Status = types.CheckpointActive

	var existingID string
	var createdAt int64
	err = tx.QueryRow(
		"SELECT id, created_at FROM checkpoints WHERE agent_id = ? AND status = 'active'",
		ck.AgentID).Scan(&existingID, &createdAt)
	switch {
	case err == sql.ErrNoRows:
		if ck.CreatedAt.IsZero() {
			ck.CreatedAt = now
		}
		_, err = tx.Exec(`
			INSERT INTO checkpoints (id, agent_id, trigger_description, status, state,
				created_at, updated_at, expires_at)
			VALUES (?, ?, ?, 'active', ?, ?, ?, ?)`,
			ck.ID, ck.AgentID, ck.Trigger, string(state),
			encodeTime(ck.CreatedAt), encodeTime(ck.UpdatedAt), encodeTime(ck.ExpiresAt))
		if err != nil {
			return fmt.Errorf("failed to insert checkpoint for agent %s: %w", ck.AgentID, err)
		}
	case err != nil:
		return fmt.Errorf("failed to look up active checkpoint for agent %s: %w", ck.AgentID, err)
	default:
		ck.ID = existingID
		ck.CreatedAt = decodeTime(createdAt)
		_, err = tx.Exec(`
			UPDATE checkpoints
			SET trigger_description = ?, state = ?, updated_at = ?, expires_at = ?
			WHERE id = ?`,
			ck.Trigger, string(state), encodeTime(ck.UpdatedAt), encodeTime(ck.ExpiresAt), existingID)
		if err != nil {
			return fmt.Errorf("failed to update checkpoint %s: %w", existingID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logging.StoreDebug("Checkpoint upserted: agent=%s id=%s iteration=%d",
		ck.AgentID, ck.ID, ck.State.Iteration)
	return nil
}

// GetActiveCheckpoint returns the active, non-expired checkpoint for an
// agent, or nil when there is none to resume.
func (s *LocalStore) GetActiveCheckpoint(agentID string, now time.Time) (*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, agent_id, trigger_description, status, state, created_at, updated_at, expires_at
		FROM checkpoints
		WHERE agent_id = ? AND status = 'active' AND (expires_at = 0 OR expires_at > ?)`,
		agentID, encodeTime(now))

	ck, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ck, err
}

// ConsumeCheckpoint marks a checkpoint consumed. Idempotent: consuming an
// already-consumed checkpoint is a no-op.
func (s *LocalStore) ConsumeCheckpoint(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE checkpoints SET status = 'consumed', updated_at = ? WHERE id = ? AND status = 'active'",
		encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to consume checkpoint %s: %w", id, err)
	}
	return nil
}

// ExpireCheckpoints marks every active checkpoint past its expiry as
// expired, so stale work is never silently resumed. Returns how many rows
// were expired.
func (s *LocalStore) ExpireCheckpoints(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE checkpoints SET status = 'expired', updated_at = ?
		WHERE status = 'active' AND expires_at > 0 AND expires_at <= ?`,
		encodeTime(now), encodeTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to expire checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Checkpoint("Expired %d stale checkpoints", n)
	}
	return n, nil
}

// ActiveCheckpoints returns the active, non-expired checkpoints for the
// given agents. Used by the restart recovery scan.
func (s *LocalStore) ActiveCheckpoints(agentIDs []string, now time.Time) ([]*types.Checkpoint, error) {
	var out []*types.Checkpoint
	for _, agentID := range agentIDs {
		ck, err := s.GetActiveCheckpoint(agentID, now)
		if err != nil {
			return nil, err
		}
		if ck != nil {
			out = append(out, ck)
		}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*types.Checkpoint, error) {
	var (
		ck                              types.Checkpoint
		status, state                   string
		createdAt, updatedAt, expiresAt int64
	)
	err := row.Scan(&ck.ID, &ck.AgentID, &ck.Trigger, &status, &state,
		&createdAt, &updatedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	ck.Status = types.CheckpointStatus(status)
	ck.CreatedAt = decodeTime(createdAt)
	ck.UpdatedAt = decodeTime(updatedAt)
	ck.ExpiresAt = decodeTime(expiresAt)
	if err := json.Unmarshal([]byte(state), &ck.State); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint state %s: %w", ck.ID, err)
	}
	return &ck, nil
}
