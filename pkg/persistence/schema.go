// Package persistence provides SQLite-based storage for investigation
// notebooks, paragraphs, hypotheses, and topologies.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 1

// InitializeDatabase creates and initializes the SQLite database with the
// required schema. Idempotent and safe to call multiple times.
func InitializeDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports a single writer; keep the pool at one connection so
	// transactions serialize instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

func initializeSchema(db *sql.DB) error {
	version, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	if version == CurrentSchemaVersion {
		return nil
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, CurrentSchemaVersion)
	}
	return createSchema(db)
}

// GetSchemaVersion returns the schema version recorded in the database,
// or 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("PRAGMA user_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read user_version: %w", err)
	}
	return version, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS notebooks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		read_only INTEGER NOT NULL DEFAULT 0,
		investigation_error TEXT NOT NULL DEFAULT '',
		feedback_summary TEXT NOT NULL DEFAULT '',
		running_memory TEXT,
		history_memory TEXT,
		date_created TIMESTAMP NOT NULL,
		date_modified TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS paragraphs (
		id TEXT PRIMARY KEY,
		notebook_id TEXT NOT NULL REFERENCES notebooks(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		type TEXT NOT NULL,
		input TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		agent_generated INTEGER NOT NULL DEFAULT 0,
		date_created TIMESTAMP NOT NULL,
		date_modified TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_paragraphs_notebook ON paragraphs(notebook_id, idx);

	CREATE TABLE IF NOT EXISTS hypotheses (
		id TEXT PRIMARY KEY,
		notebook_id TEXT NOT NULL REFERENCES notebooks(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		likelihood INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT '',
		supporting_ids TEXT NOT NULL DEFAULT '[]',
		new_added_ids TEXT NOT NULL DEFAULT '[]',
		date_created TIMESTAMP NOT NULL,
		date_modified TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_hypotheses_notebook ON hypotheses(notebook_id, position);

	CREATE TABLE IF NOT EXISTS topologies (
		id TEXT PRIMARY KEY,
		notebook_id TEXT NOT NULL REFERENCES notebooks(id) ON DELETE CASCADE,
		description TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT '',
		hypothesis_ids TEXT NOT NULL DEFAULT '[]',
		nodes TEXT NOT NULL DEFAULT '[]',
		date_created TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_topologies_notebook ON topologies(notebook_id);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", CurrentSchemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}
