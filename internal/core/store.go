package core

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/droidfleet/pkg/api"
)

// Store is a SQLite-backed history of sessions and per-device runs.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// RunRecord is one device run as stored.
type RunRecord struct {
	SessionID string
	api.DeviceReport
}

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer at a time keeps sqlite from returning SQLITE_BUSY
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// BeginSession records a new session and returns its id.
func (s *Store) BeginSession(ctx context.Context, devices int) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, started_at, devices) VALUES (?, ?, ?)`,
		id, formatTime(time.Now()), devices)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// RecordReport stores one worker's report under sessionID.
func (s *Store) RecordReport(ctx context.Context, sessionID string, r api.DeviceReport) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_runs (session_id, handle, alias, status, planned_rounds, rounds, searches, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, r.Handle, r.Alias, string(r.Status), r.PlannedRounds, r.Rounds, r.Searches,
		formatTime(r.StartedAt), formatTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert device run: %w", err)
	}
	return nil
}

// FinishSession stamps the session's end time.
func (s *Store) FinishSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET finished_at = ? WHERE id = ?`, formatTime(time.Now()), sessionID)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish session: unknown session %s", sessionID)
	}
	return nil
}

// RecentRuns returns up to limit device runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, handle, alias, status, planned_rounds, rounds, searches, started_at, finished_at
		 FROM device_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query device runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var status, started, finished string
		if err := rows.Scan(&rec.SessionID, &rec.Handle, &rec.Alias, &status,
			&rec.PlannedRounds, &rec.Rounds, &rec.Searches, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan device run: %w", err)
		}
		rec.Status = api.DeviceStatus(status)
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
