package store

import (
	"database/sql"
	"fmt"
	"time"

	"agentcore/internal/logging"
	"agentcore/internal/types"
)

// ClaimEntry atomically claims the dedup key for the caller. If an unexpired
// entry already holds the key, the claim fails and the existing entry is
// returned instead; an expired entry is swept aside first so legitimate
// repeats outside the dedup window run again.
//
// The claim uses INSERT ... ON CONFLICT DO NOTHING, so two concurrent
// callers racing on the same key see exactly one claimed=true.
func (s *LocalStore) ClaimEntry(e *types.IdempotencyEntry, now time.Time) (claimed bool, existing *types.IdempotencyEntry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"DELETE FROM idempotency_entries WHERE key = ? AND expires_at > 0 AND expires_at <= ?",
		e.Key, encodeTime(now))
	if err != nil {
		return false, nil, fmt.Errorf("failed to sweep expired entry %s: %w", e.Key, err)
	}

	res, err := tx.Exec(`
		INSERT INTO idempotency_entries (key, tool_name, agent_id, status, result, error, created_at, expires_at)
		VALUES (?, ?, ?, ?, '', '', ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		e.Key, e.ToolName, e.AgentID, string(types.IdempotencyPending),
		encodeTime(now), encodeTime(e.ExpiresAt))
	if err != nil {
		return false, nil, fmt.Errorf("failed to claim entry %s: %w", e.Key, err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}

	if inserted == 0 {
		row := tx.QueryRow(`
			SELECT key, tool_name, agent_id, status, result, error, created_at, expires_at
			FROM idempotency_entries WHERE key = ?`, e.Key)
		existing, err = scanIdempotencyEntry(row)
		if err != nil {
			return false, nil, fmt.Errorf("failed to load existing entry %s: %w", e.Key, err)
		}
		if err := tx.Commit(); err != nil {
			return false, nil, err
		}
		logging.IdempotencyDebug("Claim lost for key %s (holder status=%s)", e.Key, existing.Status)
		return false, existing, nil
	}

	if err := tx.Commit(); err != nil {
		return false, nil, err
	}
	e.Status = types.IdempotencyPending
	e.CreatedAt = now.UTC()
	logging.IdempotencyDebug("Claimed key %s for tool %s", e.Key, e.ToolName)
	return true, nil, nil
}

// ResolveEntry transitions a pending entry to completed or failed and stores
// the cached outcome. Resolving an already-resolved entry is a no-op, which
// keeps crash-replayed resolutions harmless.
func (s *LocalStore) ResolveEntry(key string, status types.IdempotencyStatus, result, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status != types.IdempotencyCompleted && status != types.IdempotencyFailed {
		return fmt.Errorf("invalid resolution status %q for key %s", status, key)
	}

	_, err := s.db.Exec(`
		UPDATE idempotency_entries SET status = ?, result = ?, error = ?
		WHERE key = ? AND status = 'pending'`,
		string(status), result, errMsg, key)
	if err != nil {
		return fmt.Errorf("failed to resolve entry %s: %w", key, err)
	}
	return nil
}

// GetEntry returns the entry for a key, or nil when absent.
func (s *LocalStore) GetEntry(key string) (*types.IdempotencyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT key, tool_name, agent_id, status, result, error, created_at, expires_at
		FROM idempotency_entries WHERE key = ?`, key)
	e, err := scanIdempotencyEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// PurgeExpiredEntries deletes entries past their TTL. Returns the number of
// rows removed.
func (s *LocalStore) PurgeExpiredEntries(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"DELETE FROM idempotency_entries WHERE expires_at > 0 AND expires_at <= ?",
		encodeTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanIdempotencyEntry(row rowScanner) (*types.IdempotencyEntry, error) {
	var (
		e                    types.IdempotencyEntry
		status               string
		createdAt, expiresAt int64
	)
	err := row.Scan(&e.Key, &e.ToolName, &e.AgentID, &status, &e.Result, &e.Error,
		&createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	e.Status = types.IdempotencyStatus(status)
	e.CreatedAt = decodeTime(createdAt)
	e.ExpiresAt = decodeTime(expiresAt)
	return &e, nil
}
