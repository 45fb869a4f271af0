// Package index implements the Index Store (C2): a SQLite-backed
// relational store of projects, runs, and requests with additive schema
// migrations, COALESCE-preserving upserts, and filtered/paginated queries.
//
// Grounded on the teacher's pkg/fleet/store_sqlite.go connection-setup and
// migration-on-open idiom, with the exact table shape and upsert semantics
// of original_source/dashboard/schema.py and indexing.py.
package index

import (
	"database/sql"
	"fmt"
	"strings"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		project_id TEXT PRIMARY KEY,
		label TEXT NOT NULL DEFAULT '',
		orchestration_kit_root TEXT NOT NULL DEFAULT '',
		project_root TEXT NOT NULL DEFAULT '',
		registered_at TEXT,
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		project_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		parent_run_id TEXT,
		kit TEXT,
		phase TEXT,
		started_at TEXT,
		finished_at TEXT,
		exit_code INTEGER,
		status TEXT,
		capsule_path TEXT,
		manifest_path TEXT,
		log_path TEXT,
		events_path TEXT,
		cwd TEXT,
		project_root TEXT,
		orchestration_kit_root TEXT,
		agent_runtime TEXT,
		host TEXT,
		pid INTEGER,
		reasoning TEXT,
		experiment_name TEXT,
		verdict TEXT,
		PRIMARY KEY (project_id, run_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(project_id, started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(project_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(project_id, parent_run_id)`,
	`CREATE TABLE IF NOT EXISTS requests (
		project_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		parent_run_id TEXT,
		child_run_id TEXT,
		from_kit TEXT,
		from_phase TEXT,
		to_kit TEXT,
		to_phase TEXT,
		action TEXT,
		status TEXT,
		request_path TEXT,
		response_path TEXT,
		enqueued_ts TEXT,
		completed_ts TEXT,
		reasoning TEXT,
		PRIMARY KEY (project_id, request_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_parent ON requests(project_id, parent_run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_child ON requests(project_id, child_run_id)`,
}

// additiveColumns lists columns that may be missing from an older database
// file; ensureSchema adds them and tolerates a "duplicate column" error
// when the column is already present (spec §4.2 migration policy).
var additiveColumns = []struct {
	table, column, ddl string
}{
	{"runs", "reasoning", "ALTER TABLE runs ADD COLUMN reasoning TEXT"},
	{"runs", "experiment_name", "ALTER TABLE runs ADD COLUMN experiment_name TEXT"},
	{"runs", "verdict", "ALTER TABLE runs ADD COLUMN verdict TEXT"},
	{"requests", "reasoning", "ALTER TABLE requests ADD COLUMN reasoning TEXT"},
}

func ensureSchema(db *sql.DB) error {
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	for _, c := range additiveColumns {
		if _, err := db.Exec(c.ddl); err != nil {
			if isDuplicateColumn(err) {
				continue
			}
			return fmt.Errorf("additive migration %s.%s: %w", c.table, c.column, err)
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	if err == nil {
		return false
	}
	// SQLite reports "duplicate column name"; Postgres reports
	// `column "x" of relation "y" already exists`.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
