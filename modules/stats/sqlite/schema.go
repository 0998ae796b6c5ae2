package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// schemaStatements are executed in order to create the database schema.
// All use IF NOT EXISTS for idempotent re-application.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS context_stats (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		ts                TEXT    NOT NULL,
		request_id        TEXT    NOT NULL DEFAULT '',
		model             TEXT    NOT NULL DEFAULT '',
		query_preview     TEXT    NOT NULL DEFAULT '',
		tokens_before     INTEGER NOT NULL,
		tokens_after      INTEGER NOT NULL,
		compression_ratio REAL    NOT NULL,
		efficiency_score  REAL    NOT NULL,
		budget_used       REAL    NOT NULL,
		chunks_original   INTEGER NOT NULL,
		chunks_kept       INTEGER NOT NULL,
		dropped           TEXT    NOT NULL DEFAULT '[]'
	)`,

	`CREATE INDEX IF NOT EXISTS idx_context_stats_ts ON context_stats(ts)`,

	`CREATE INDEX IF NOT EXISTS idx_context_stats_model ON context_stats(model, ts)`,
}

// migrate creates or updates the database schema to the latest version.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("sqlite: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}

	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w\nstatement: %s", err, stmt)
		}
	}

	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("sqlite: record schema version: %w", err)
	}

	return nil
}
