// Package store implements SQLite persistence for the execution core: one
// row-oriented table per entity (plans, plan_steps, checkpoints,
// idempotency_entries, async_executions, healing_records).
//
// All timestamps are stored as INTEGER Unix nanoseconds in UTC, so range
// scans and expiry comparisons are plain integer comparisons. A zero value
// means "not set".
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"agentcore/internal/logging"
)

// LocalStore wraps the SQLite database holding all execution-core state.
// It is safe for concurrent use; write paths that must be atomic (claims,
// upserts) rely on SQLite constraints rather than the mutex.
type LocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path. Use ":memory:"
// for an ephemeral store.
func Open(path string) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening store at %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set journal_mode=WAL: %v", err)
	}
	// NORMAL is safe under WAL and much faster than FULL for the
	// checkpoint-heavy write pattern of the loop.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign_keys: %v", err)
	}

	s := &LocalStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Store ready (plans, checkpoints, idempotency, async, healing)")
	return s, nil
}

// initialize creates the required tables and runs column migrations.
func (s *LocalStore) initialize() error {
	plansTable := `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		goal TEXT NOT NULL,
		status TEXT NOT NULL,
		dependencies TEXT NOT NULL DEFAULT '{}',
		parallel_groups TEXT NOT NULL DEFAULT '[]',
		results TEXT NOT NULL DEFAULT '{}',
		total_steps INTEGER NOT NULL DEFAULT 0,
		completed_steps INTEGER NOT NULL DEFAULT 0,
		failed_steps INTEGER NOT NULL DEFAULT 0,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_plans_agent ON plans(agent_id);
	CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);
	`

	stepsTable := `
	CREATE TABLE IF NOT EXISTS plan_steps (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		step_order INTEGER NOT NULL DEFAULT 0,
		depends_on TEXT NOT NULL DEFAULT '[]',
		non_critical INTEGER NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		tool TEXT NOT NULL DEFAULT '',
		args TEXT NOT NULL DEFAULT '{}',
		contact TEXT NOT NULL DEFAULT '',
		question TEXT NOT NULL DEFAULT '',
		answer TEXT NOT NULL DEFAULT '',
		attempts TEXT NOT NULL DEFAULT '[]',
		last_error TEXT NOT NULL DEFAULT '',
		next_retry_at INTEGER NOT NULL DEFAULT 0,
		skip_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_steps_plan ON plan_steps(plan_id);
	CREATE INDEX IF NOT EXISTS idx_steps_status ON plan_steps(status);
	`

	checkpointsTable := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		trigger_description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_checkpoints_one_active
		ON checkpoints(agent_id) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_checkpoints_expires ON checkpoints(expires_at);
	`

	idempotencyTable := `
	CREATE TABLE IF NOT EXISTS idempotency_entries (
		key TEXT PRIMARY KEY,
		tool_name TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_entries(expires_at);
	`

	asyncTable := `
	CREATE TABLE IF NOT EXISTS async_executions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		plan_id TEXT NOT NULL DEFAULT '',
		step_id TEXT NOT NULL DEFAULT '',
		workspace TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		stale_threshold INTEGER NOT NULL,
		max_timeout INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL DEFAULT 0,
		output_summary TEXT NOT NULL DEFAULT '',
		delivery_status TEXT NOT NULL,
		delivery_attempts INTEGER NOT NULL DEFAULT 0,
		next_delivery_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_async_status ON async_executions(status);
	CREATE INDEX IF NOT EXISTS idx_async_delivery ON async_executions(delivery_status);
	`

	healingTable := `
	CREATE TABLE IF NOT EXISTS healing_records (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL,
		severity TEXT NOT NULL,
		trigger_source TEXT NOT NULL DEFAULT '',
		diagnosis TEXT NOT NULL DEFAULT '',
		proposed_fix TEXT NOT NULL DEFAULT '',
		backup TEXT NOT NULL DEFAULT '',
		applied_fix TEXT NOT NULL DEFAULT '',
		test_output TEXT NOT NULL DEFAULT '',
		test_passed INTEGER NOT NULL DEFAULT 0,
		rollback_reason TEXT NOT NULL DEFAULT '',
		approval_state TEXT NOT NULL DEFAULT '',
		approved_by TEXT NOT NULL DEFAULT '',
		approved_at INTEGER NOT NULL DEFAULT 0,
		escalated_to TEXT NOT NULL DEFAULT '',
		escalated_at INTEGER NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_healing_agent ON healing_records(agent_id);
	CREATE INDEX IF NOT EXISTS idx_healing_severity ON healing_records(severity);
	`

	for _, table := range []string{
		plansTable,
		stepsTable,
		checkpointsTable,
		idempotencyTable,
		asyncTable,
		healingTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	if err := RunMigrations(s.db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *LocalStore) Close() error {
	logging.Store("Closing store")
	return s.db.Close()
}

// DB returns the underlying SQL database connection.
func (s *LocalStore) DB() *sql.DB {
	return s.db
}

// GetStats returns row counts per table.
func (s *LocalStore) GetStats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{
		"plans", "plan_steps", "checkpoints",
		"idempotency_entries", "async_executions", "healing_records",
	}
	for _, table := range tables {
		var count int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			logging.StoreDebug("Count failed for %s: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}

// encodeTime converts a time to stored form (UTC Unix nanos, 0 for unset).
func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

// decodeTime converts stored form back to a time.
func decodeTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
