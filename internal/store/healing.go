package store

import (
	"database/sql"
	"fmt"
	"time"

	"agentcore/internal/logging"
	"agentcore/internal/types"
)

// InsertHealingRecord persists a newly detected healing instance.
func (s *LocalStore) InsertHealingRecord(r *types.HealingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO healing_records (id, agent_id, status, severity, trigger_source,
			diagnosis, proposed_fix, backup, applied_fix, test_output, test_passed,
			rollback_reason, approval_state, approved_by, approved_at,
			escalated_to, escalated_at, outcome, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AgentID, string(r.Status), string(r.Severity), r.TriggerSource,
		r.Diagnosis, r.ProposedFix, r.Backup, r.AppliedFix, r.TestOutput, boolToInt(r.TestPassed),
		r.RollbackReason, r.ApprovalState, r.ApprovedBy, encodeTime(r.ApprovedAt),
		r.EscalatedTo, encodeTime(r.EscalatedAt), r.Outcome,
		encodeTime(r.CreatedAt), encodeTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert healing record %s: %w", r.ID, err)
	}
	logging.HealingDebug("Healing record created: id=%s severity=%s trigger=%s",
		r.ID, r.Severity, r.TriggerSource)
	return nil
}

// UpdateHealingRecord rewrites the full record row. Every supervisor state
// transition flows through here so the persisted lifecycle is complete.
func (s *LocalStore) UpdateHealingRecord(r *types.HealingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE healing_records SET
			status = ?, severity = ?, diagnosis = ?, proposed_fix = ?, backup = ?,
			applied_fix = ?, test_output = ?, test_passed = ?, rollback_reason = ?,
			approval_state = ?, approved_by = ?, approved_at = ?,
			escalated_to = ?, escalated_at = ?, outcome = ?, updated_at = ?
		WHERE id = ?`,
		string(r.Status), string(r.Severity), r.Diagnosis, r.ProposedFix, r.Backup,
		r.AppliedFix, r.TestOutput, boolToInt(r.TestPassed), r.RollbackReason,
		r.ApprovalState, r.ApprovedBy, encodeTime(r.ApprovedAt),
		r.EscalatedTo, encodeTime(r.EscalatedAt), r.Outcome, encodeTime(r.UpdatedAt),
		r.ID)
	if err != nil {
		return fmt.Errorf("failed to update healing record %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("healing record %s not found", r.ID)
	}
	return nil
}

// GetHealingRecord returns the record, or nil when absent.
func (s *LocalStore) GetHealingRecord(id string) (*types.HealingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(selectHealing+" WHERE id = ?", id)
	r, err := scanHealingRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ListHealingRecords returns records for an agent, newest first.
func (s *LocalStore) ListHealingRecords(agentID string, limit int) ([]*types.HealingRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryHealing(selectHealing+" WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?",
		agentID, limit)
}

// ListHealingBySeverity returns records at one severity, newest first.
func (s *LocalStore) ListHealingBySeverity(severity types.Severity, limit int) ([]*types.HealingRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryHealing(selectHealing+" WHERE severity = ? ORDER BY created_at DESC LIMIT ?",
		string(severity), limit)
}

const selectHealing = `
	SELECT id, agent_id, status, severity, trigger_source, diagnosis, proposed_fix,
		backup, applied_fix, test_output, test_passed, rollback_reason,
		approval_state, approved_by, approved_at, escalated_to, escalated_at,
		outcome, created_at, updated_at
	FROM healing_records`

func (s *LocalStore) queryHealing(query string, args ...any) ([]*types.HealingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query healing records: %w", err)
	}
	defer rows.Close()

	var out []*types.HealingRecord
	for rows.Next() {
		r, err := scanHealingRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanHealingRecord(row rowScanner) (*types.HealingRecord, error) {
	var (
		r                                              types.HealingRecord
		status, severity                               string
		testPassed                                     int
		approvedAt, escalatedAt, createdAt, updatedAt  int64
	)
	err := row.Scan(&r.ID, &r.AgentID, &status, &severity, &r.TriggerSource,
		&r.Diagnosis, &r.ProposedFix, &r.Backup, &r.AppliedFix, &r.TestOutput, &testPassed,
		&r.RollbackReason, &r.ApprovalState, &r.ApprovedBy, &approvedAt,
		&r.EscalatedTo, &escalatedAt, &r.Outcome, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = types.HealingStatus(status)
	r.Severity = types.Severity(severity)
	r.TestPassed = testPassed != 0
	r.ApprovedAt = decodeTime(approvedAt)
	r.EscalatedAt = decodeTime(escalatedAt)
	r.CreatedAt = decodeTime(createdAt)
	r.UpdatedAt = decodeTime(updatedAt)
	return &r, nil
}
