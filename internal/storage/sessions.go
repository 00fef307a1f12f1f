// Package storage persists finished agent sessions in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"go-redteam/pkg/models"
)

var ErrNotFound = errors.New("session not found")

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Open opens (creating if needed) the SQLite database at path.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// SessionStore records the objective, outcome and full transcript of each
// task.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) (*SessionStore, error) {
	s := &SessionStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate sessions: %w", err)
	}
	return s, nil
}

func (s *SessionStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			objective TEXT NOT NULL,
			mode TEXT NOT NULL,
			state TEXT NOT NULL,
			status TEXT NOT NULL,
			answer TEXT,
			error TEXT,
			iterations INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			turns_json TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	`)
	return err
}

// Save inserts or replaces a session.
func (s *SessionStore) Save(ctx context.Context, st models.TaskStatus) error {
	turns, err := json.Marshal(st.Turns)
	if err != nil {
		return fmt.Errorf("encode turns: %w", err)
	}
	var ended sql.NullString
	if st.EndedAt != nil {
		ended = sql.NullString{String: st.EndedAt.UTC().Format(timeLayout), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, objective, mode, state, status, answer, error, iterations, steps, started_at, ended_at, turns_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.Objective, st.Mode, string(st.State), string(st.Status), st.Answer, st.Error,
		st.Iterations, st.Steps, st.StartedAt.UTC().Format(timeLayout), ended, string(turns),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", st.ID, err)
	}
	return nil
}

// Get returns a session with its transcript.
func (s *SessionStore) Get(ctx context.Context, id string) (models.TaskStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, objective, mode, state, status, answer, error, iterations, steps, started_at, ended_at, turns_json
		FROM sessions WHERE id = ?`, id)

	var st models.TaskStatus
	var turns string
	if err := scan(row, &st, &turns); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TaskStatus{}, ErrNotFound
		}
		return models.TaskStatus{}, fmt.Errorf("get session %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(turns), &st.Turns); err != nil {
		return models.TaskStatus{}, fmt.Errorf("decode turns of %s: %w", id, err)
	}
	return st, nil
}

// List returns the most recent sessions first, without transcripts.
// A limit of zero or less returns every session.
func (s *SessionStore) List(ctx context.Context, limit int) ([]models.TaskStatus, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, objective, mode, state, status, answer, error, iterations, steps, started_at, ended_at, ''
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.TaskStatus
	for rows.Next() {
		var st models.TaskStatus
		var ignored string
		if err := scan(rows, &st, &ignored); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner, st *models.TaskStatus, turns *string) error {
	var state, status, started string
	var answer, errText, ended sql.NullString
	if err := r.Scan(&st.ID, &st.Objective, &st.Mode, &state, &status, &answer, &errText,
		&st.Iterations, &st.Steps, &started, &ended, turns); err != nil {
		return err
	}
	st.State = models.State(state)
	st.Status = models.Status(status)
	st.Answer = answer.String
	st.Error = errText.String

	t, err := time.Parse(timeLayout, started)
	if err != nil {
		return fmt.Errorf("parse started_at: %w", err)
	}
	st.StartedAt = t
	if ended.Valid {
		t, err := time.Parse(timeLayout, ended.String)
		if err != nil {
			return fmt.Errorf("parse ended_at: %w", err)
		}
		st.EndedAt = &t
	}
	return nil
}
