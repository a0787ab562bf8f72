package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id TEXT NOT NULL,
		step_number INTEGER NOT NULL,
		step_id TEXT NOT NULL,
		step_name TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (run_id, step_number)
	);

	CREATE TABLE IF NOT EXISTS run_records (
		kind TEXT NOT NULL,
		run_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (kind, run_id)
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
