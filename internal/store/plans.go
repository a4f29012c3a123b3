package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agentcore/internal/logging"
	"agentcore/internal/types"
)

// SavePlan upserts the plan row and all of its step rows in one transaction.
func (s *LocalStore) SavePlan(p *types.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Saving plan %s (%d steps, status=%s)", p.ID, len(p.Steps), p.Status)

	deps, err := json.Marshal(p.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}
	groups, err := json.Marshal(p.ParallelGroups)
	if err != nil {
		return fmt.Errorf("failed to encode parallel groups: %w", err)
	}
	results, err := json.Marshal(p.Results)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p.UpdatedAt = time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}

	_, err = tx.Exec(`
		INSERT INTO plans (id, agent_id, goal, status, dependencies, parallel_groups, results,
			total_steps, completed_steps, failed_steps, tokens_used, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			dependencies = excluded.dependencies,
			parallel_groups = excluded.parallel_groups,
			results = excluded.results,
			total_steps = excluded.total_steps,
			completed_steps = excluded.completed_steps,
			failed_steps = excluded.failed_steps,
			tokens_used = excluded.tokens_used,
			updated_at = excluded.updated_at`,
		p.ID, p.AgentID, p.Goal, string(p.Status), string(deps), string(groups), string(results),
		p.TotalSteps, p.CompletedSteps, p.FailedSteps, p.TokensUsed,
		encodeTime(p.CreatedAt), encodeTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert plan %s: %w", p.ID, err)
	}

	for i := range p.Steps {
		if err := upsertStep(tx, &p.Steps[i]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func upsertStep(tx *sql.Tx, st *types.PlanStep) error {
	dependsOn, err := json.Marshal(st.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to encode depends_on: %w", err)
	}
	args, err := json.Marshal(st.Args)
	if err != nil {
		return fmt.Errorf("failed to encode args: %w", err)
	}
	attempts, err := json.Marshal(st.Attempts)
	if err != nil {
		return fmt.Errorf("failed to encode attempts: %w", err)
	}

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO plan_steps (id, plan_id, kind, status, step_order, depends_on,
			non_critical, description, tool, args, contact, question, answer,
			attempts, last_error, next_retry_at, skip_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.PlanID, string(st.Kind), string(st.Status), st.Order, string(dependsOn),
		boolToInt(st.NonCritical), st.Description, st.Tool, string(args),
		st.Contact, st.Question, st.Answer,
		string(attempts), st.LastError, encodeTime(st.NextRetryAt), st.SkipReason,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert step %s: %w", st.ID, err)
	}
	return nil
}

// UpdateStep persists a single step row without rewriting the whole plan.
func (s *LocalStore) UpdateStep(st *types.PlanStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertStep(tx, st); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadPlan reads a plan and its steps. Returns nil without error when the
// plan does not exist.
func (s *LocalStore) LoadPlan(id string) (*types.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, agent_id, goal, status, dependencies, parallel_groups, results,
			total_steps, completed_steps, failed_steps, tokens_used, created_at, updated_at
		FROM plans WHERE id = ?`, id)

	var (
		p                      types.Plan
		status                 string
		deps, groups, results  string
		createdAt, updatedAt   int64
	)
	err := row.Scan(&p.ID, &p.AgentID, &p.Goal, &status, &deps, &groups, &results,
		&p.TotalSteps, &p.CompletedSteps, &p.FailedSteps, &p.TokensUsed, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", id, err)
	}

	p.Status = types.PlanStatus(status)
	p.CreatedAt = decodeTime(createdAt)
	p.UpdatedAt = decodeTime(updatedAt)
	if err := json.Unmarshal([]byte(deps), &p.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to decode dependencies for plan %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(groups), &p.ParallelGroups); err != nil {
		return nil, fmt.Errorf("failed to decode parallel groups for plan %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(results), &p.Results); err != nil {
		return nil, fmt.Errorf("failed to decode results for plan %s: %w", id, err)
	}

	steps, err := s.loadSteps(id)
	if err != nil {
		return nil, err
	}
	p.Steps = steps

	return &p, nil
}

func (s *LocalStore) loadSteps(planID string) ([]types.PlanStep, error) {
	rows, err := s.db.Query(`
		SELECT id, plan_id, kind, status, step_order, depends_on, non_critical,
			description, tool, args, contact, question, answer,
			attempts, last_error, next_retry_at, skip_reason
		FROM plan_steps WHERE plan_id = ? ORDER BY step_order ASC, id ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps for plan %s: %w", planID, err)
	}
	defer rows.Close()

	var steps []types.PlanStep
	for rows.Next() {
		var (
			st                          types.PlanStep
			kind, status                string
			dependsOn, args, attempts   string
			nonCritical                 int
			nextRetryAt                 int64
		)
		err := rows.Scan(&st.ID, &st.PlanID, &kind, &status, &st.Order, &dependsOn, &nonCritical,
			&st.Description, &st.Tool, &args, &st.Contact, &st.Question, &st.Answer,
			&attempts, &st.LastError, &nextRetryAt, &st.SkipReason)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		st.Kind = types.StepKind(kind)
		st.Status = types.StepStatus(status)
		st.NonCritical = nonCritical != 0
		st.NextRetryAt = decodeTime(nextRetryAt)
		if err := json.Unmarshal([]byte(dependsOn), &st.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to decode depends_on for step %s: %w", st.ID, err)
		}
		if err := json.Unmarshal([]byte(args), &st.Args); err != nil {
			return nil, fmt.Errorf("failed to decode args for step %s: %w", st.ID, err)
		}
		if err := json.Unmarshal([]byte(attempts), &st.Attempts); err != nil {
			return nil, fmt.Errorf("failed to decode attempts for step %s: %w", st.ID, err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ListPlansByAgent returns plan ids for an agent, newest first.
func (s *LocalStore) ListPlansByAgent(agentID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		"SELECT id FROM plans WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?",
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans for agent %s: %w", agentID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
