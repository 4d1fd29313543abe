package table

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward step of the results schema.
type migration struct {
	Version int
	Name    string
	Up      string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "Create runs and results tables",
		Up: `
			CREATE TABLE IF NOT EXISTS runs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS results (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id INTEGER NOT NULL REFERENCES runs(id),
				request_id INTEGER NOT NULL,
				label TEXT NOT NULL DEFAULT '',
				gate TEXT NOT NULL DEFAULT '',
				payload TEXT NOT NULL DEFAULT '',
				status INTEGER NOT NULL,
				length INTEGER NOT NULL,
				words INTEGER NOT NULL,
				duration_ms REAL NOT NULL,
				interesting INTEGER NOT NULL,
				conn_id INTEGER NOT NULL,
				retries INTEGER NOT NULL,
				error TEXT NOT NULL DEFAULT '',
				response BLOB,
				extracted TEXT NOT NULL DEFAULT '',
				sent_at DATETIME
			);

			CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id, id);
			CREATE INDEX IF NOT EXISTS idx_results_interesting ON results(run_id, interesting);
		`,
	},
}

// migrate applies every migration newer than the recorded schema version.
func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if _, err := db.ExecContext(ctx, m.Up); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := db.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.Version, m.Name); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current migration version: %w", err)
	}
	return version, nil
}
