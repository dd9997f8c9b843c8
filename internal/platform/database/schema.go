package database

import (
	"context"
	"fmt"
	"log/slog"
)

// migrations are applied in order; each statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS archive_records (
		id             UUID PRIMARY KEY,
		content_hash   TEXT NOT NULL UNIQUE,
		session_id     TEXT NOT NULL,
		subject        TEXT NOT NULL DEFAULT '',
		question_text  TEXT NOT NULL,
		student_answer TEXT NOT NULL,
		is_correct     BOOLEAN NOT NULL,
		grade_summary  TEXT NOT NULL DEFAULT '',
		image_path     TEXT,
		parent_id      TEXT,
		parent_text    TEXT,
		analysis       TEXT,
		concepts       TEXT[],
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS archive_records_session_idx ON archive_records (session_id)`,
}

// Migrate creates the tables the service needs.
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	slog.Info("database schema ready", "migrations", len(migrations))
	return nil
}
