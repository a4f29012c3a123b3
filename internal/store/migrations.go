// Versioned schema migrations. Tables are created by initialize; the
// migrations here add columns to databases created by earlier releases, so
// upgrades never require a manual export/import.
package store

import (
	"database/sql"
	"fmt"

	"agentcore/internal/logging"
)

// Schema versions:
// v1: initial six-table layout
// v2: plan_steps retry/backoff columns (next_retry_at, attempts)
// v3: async_executions delivery backoff columns
const CurrentSchemaVersion = 3

// Migration adds a single column when it is missing.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists column additions for databases that predate the
// current DDL. CREATE TABLE IF NOT EXISTS never alters existing tables, so
// these are applied explicitly.
var pendingMigrations = []Migration{
	// v2: step retry/backoff durability
	{"plan_steps", "next_retry_at", "INTEGER NOT NULL DEFAULT 0"},
	{"plan_steps", "attempts", "TEXT NOT NULL DEFAULT '[]'"},
	// v3: delivery retry durability
	{"async_executions", "delivery_attempts", "INTEGER NOT NULL DEFAULT 0"},
	{"async_executions", "next_delivery_at", "INTEGER NOT NULL DEFAULT 0"},
}

// RunMigrations applies any missing column migrations and records the
// schema version. Idempotent: already-present columns are skipped.
func RunMigrations(db *sql.DB) error {
	applied := 0
	for _, m := range pendingMigrations {
		exists, err := columnExists(db, m.Table, m.Column)
		if err != nil {
			return fmt.Errorf("failed to inspect %s.%s: %w", m.Table, m.Column, err)
		}
		if exists {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", m.Table, m.Column, err)
		}
		applied++
		logging.StoreDebug("Migration applied: %s.%s", m.Table, m.Column)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", CurrentSchemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	if applied > 0 {
		logging.Store("Applied %d schema migrations (version %d)", applied, CurrentSchemaVersion)
	}
	return nil
}

// SchemaVersion reads the recorded schema version.
func SchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// columnExists checks table_info for the named column.
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notnull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &primaryKey); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
