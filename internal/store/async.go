package store

import (
	"database/sql"
	"fmt"
	"time"

	"agentcore/internal/logging"
	"agentcore/internal/types"
)

// InsertExecution registers a new background execution row.
func (s *LocalStore) InsertExecution(e *types.AsyncExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO async_executions (id, kind, source, agent_id, user_id, conversation_id,
			plan_id, step_id, workspace, status, stale_threshold, max_timeout,
			started_at, last_activity_at, completed_at, output_summary,
			delivery_status, delivery_attempts, next_delivery_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, string(e.Source), e.AgentID, e.UserID, e.ConversationID,
		e.PlanID, e.StepID, e.Workspace, string(e.Status),
		int64(e.StaleThreshold), int64(e.MaxTimeout),
		encodeTime(e.StartedAt), encodeTime(e.LastActivityAt), encodeTime(e.CompletedAt),
		e.OutputSummary, string(e.DeliveryStatus), e.DeliveryAttempts, encodeTime(e.NextDeliveryAt))
	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", e.ID, err)
	}
	logging.AsyncDebug("Execution registered: id=%s kind=%s source=%s", e.ID, e.Kind, e.Source)
	return nil
}

// GetExecution returns the execution row, or nil when absent.
func (s *LocalStore) GetExecution(id string) (*types.AsyncExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(selectExecution+" WHERE id = ?", id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// TouchExecution advances last_activity_at for a still-running execution.
// Returns false when the execution is no longer running (a late heartbeat
// from a job the sweep already killed).
func (s *LocalStore) TouchExecution(id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE async_executions SET last_activity_at = ? WHERE id = ? AND status = 'running'",
		encodeTime(now), id)
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat execution %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FinishExecution moves a running execution to a terminal status. The
// status guard makes the first terminal transition win, so a sweep kill and
// a completion racing each other never double-deliver. Returns false when
// the execution was already terminal.
func (s *LocalStore) FinishExecution(id string, status types.ExecutionStatus, summary string,
	delivery types.DeliveryStatus, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !types.TerminalExecution(status) {
		return false, fmt.Errorf("non-terminal finish status %q for execution %s", status, id)
	}

	res, err := s.db.Exec(`
		UPDATE async_executions
		SET status = ?, output_summary = ?, completed_at = ?, delivery_status = ?, next_delivery_at = ?
		WHERE id = ? AND status = 'running'`,
		string(status), summary, encodeTime(now), string(delivery), encodeTime(now), id)
	if err != nil {
		return false, fmt.Errorf("failed to finish execution %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.AsyncDebug("Execution %s finished: status=%s delivery=%s", id, status, delivery)
	}
	return n > 0, nil
}

// RunningExecutions returns every execution still marked running. The sweep
// treats these as candidates regardless of whether their host process is
// alive.
func (s *LocalStore) RunningExecutions() ([]*types.AsyncExecution, error) {
	return s.queryExecutions(selectExecution + " WHERE status = 'running'")
}

// DeliverableExecutions returns terminal executions whose result still needs
// delivery and whose retry window has arrived.
func (s *LocalStore) DeliverableExecutions(now time.Time) ([]*types.AsyncExecution, error) {
	return s.queryExecutions(
		selectExecution+` WHERE status != 'running' AND delivery_status = 'pending'
			AND (next_delivery_at = 0 OR next_delivery_at <= ?) ORDER BY completed_at ASC`,
		encodeTime(now))
}

// SetDeliveryState records the outcome of one delivery attempt.
func (s *LocalStore) SetDeliveryState(id string, status types.DeliveryStatus, attempts int, nextAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE async_executions SET delivery_status = ?, delivery_attempts = ?, next_delivery_at = ?
		WHERE id = ?`,
		string(status), attempts, encodeTime(nextAt), id)
	if err != nil {
		return fmt.Errorf("failed to set delivery state for %s: %w", id, err)
	}
	return nil
}

const selectExecution = `
	SELECT id, kind, source, agent_id, user_id, conversation_id, plan_id, step_id,
		workspace, status, stale_threshold, max_timeout, started_at, last_activity_at,
		completed_at, output_summary, delivery_status, delivery_attempts, next_delivery_at
	FROM async_executions`

func (s *LocalStore) queryExecutions(query string, args ...any) ([]*types.AsyncExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []*types.AsyncExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (*types.AsyncExecution, error) {
	var (
		e                                      types.AsyncExecution
		source, status, delivery               string
		staleThreshold, maxTimeout             int64
		startedAt, lastActivityAt, completedAt int64
		nextDeliveryAt                         int64
	)
	err := row.Scan(&e.ID, &e.Kind, &source, &e.AgentID, &e.UserID, &e.ConversationID,
		&e.PlanID, &e.StepID, &e.Workspace, &status, &staleThreshold, &maxTimeout,
		&startedAt, &lastActivityAt, &completedAt, &e.OutputSummary,
		&delivery, &e.DeliveryAttempts, &nextDeliveryAt)
	if err != nil {
		return nil, err
	}
	e.Source = types.ExecutionSource(source)
	e.Status = types.ExecutionStatus(status)
	e.DeliveryStatus = types.DeliveryStatus(delivery)
	e.StaleThreshold = time.Duration(staleThreshold)
	e.MaxTimeout = time.Duration(maxTimeout)
	e.StartedAt = decodeTime(startedAt)
	e.LastActivityAt = decodeTime(lastActivityAt)
	e.CompletedAt = decodeTime(completedAt)
	e.NextDeliveryAt = decodeTime(nextDeliveryAt)
	return &e, nil
}
