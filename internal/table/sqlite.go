package table

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vk/racegate/internal/ctxlog"
	"github.com/vk/racegate/internal/engine"
)

// SQLite is a table persisted to a SQLite database. Each opened table
// starts a new run; Records only returns rows from that run.
type SQLite struct {
	db    *sql.DB
	runID int64
	opts  options
}

// OpenSQLite opens (creating if needed) the database at path, brings its
// schema up to date and starts a new run.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLite, error) {
	logger := ctxlog.FromContext(ctx)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create results directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open results database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to results database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	res, err := db.ExecContext(ctx, "INSERT INTO runs (started_at) VALUES (?)", time.Now().UTC())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	logger.Debug("Results database ready.", "path", path, "run", runID)
	return &SQLite{db: db, runID: runID, opts: buildOptions(opts)}, nil
}

// RunID identifies this run in the database.
func (s *SQLite) RunID() int64 {
	return s.runID
}

// Add implements Table.
func (s *SQLite) Add(ctx context.Context, req *engine.Request, interesting bool) error {
	rec := NewRecord(req, interesting, s.opts.extract)

	extracted := ""
	if len(rec.Extracted) > 0 {
		b, err := json.Marshal(rec.Extracted)
		if err != nil {
			return fmt.Errorf("failed to marshal extracted fields: %w", err)
		}
		extracted = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (
			run_id, request_id, label, gate, payload, status, length, words,
			duration_ms, interesting, conn_id, retries, error, response, sent_at, extracted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.runID, rec.ID, rec.Label, rec.Gate, rec.Payload, rec.Status, rec.Length, rec.Words,
		rec.DurationMS, rec.Interesting, rec.ConnID, rec.Retries, rec.Error, []byte(rec.Response),
		rec.SentAt.UTC(), extracted,
	)
	if err != nil {
		return fmt.Errorf("failed to save result %d: %w", rec.ID, err)
	}
	return nil
}

// Records implements Table.
func (s *SQLite) Records(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, label, gate, payload, status, length, words,
		       duration_ms, interesting, conn_id, retries, error, response, sent_at, extracted
		FROM results
		WHERE run_id = ?
		ORDER BY id`, s.runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec       Record
			response  []byte
			sentAt    sql.NullTime
			extracted string
		)
		if err := rows.Scan(&rec.ID, &rec.Label, &rec.Gate, &rec.Payload, &rec.Status, &rec.Length, &rec.Words,
			&rec.DurationMS, &rec.Interesting, &rec.ConnID, &rec.Retries, &rec.Error, &response, &sentAt, &extracted); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		rec.Response = string(response)
		if sentAt.Valid {
			rec.SentAt = sentAt.Time
		}
		if extracted != "" {
			if err := json.Unmarshal([]byte(extracted), &rec.Extracted); err != nil {
				return nil, fmt.Errorf("failed to decode extracted fields of result %d: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}
	return out, nil
}

// Close implements Table.
func (s *SQLite) Close() error {
	return s.db.Close()
}
