// Package repository persists sessions, message histories and run records
// in SQLite.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
)

// SQLiteStore stores persistent sessions and their histories.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn and applies the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to an in-memory database sees its own empty schema.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			persistent INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_activity_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, persistent, last_activity_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			run_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			payload TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			error TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, started_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = session.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, persistent, created_at, last_activity_at, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.UserID, session.Persistent, session.CreatedAt.UTC(), session.LastActivityAt.UTC(), nullableJSON(session.Metadata))
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", session.SessionID, err)
	}
	return nil
}

const sessionColumns = `session_id, user_id, persistent, created_at, last_activity_at, metadata`

// GetSession returns the session with the given id, or nil when none exists.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return session, err
}

// FindPersistentSession returns the most recently active persistent session
// of userID, or nil when the user has none.
func (s *SQLiteStore) FindPersistentSession(ctx context.Context, userID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? AND persistent = 1 ORDER BY last_activity_at DESC LIMIT 1`, userID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return session, err
}

// ListSessions returns the sessions of userID ordered by creation time.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY created_at ASC`, userID)
}

// ListIdleSessions returns sessions whose last activity is before cutoff.
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]domain.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE last_activity_at < ? ORDER BY last_activity_at ASC`, cutoff.UTC())
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// TouchSession records activity on a session.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE session_id = ?`, at.UTC(), sessionID)
	return err
}

// DeleteSession removes a session together with its messages and runs.
// Deleting an unknown session is not an error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// messagePayload holds the message fields without a dedicated column.
type messagePayload struct {
	ToolCallID  string              `json:"tool_call_id,omitempty"`
	ToolName    string              `json:"tool_name,omitempty"`
	IsError     bool                `json:"is_error,omitempty"`
	ToolCalls   []domain.ToolCall   `json:"tool_calls,omitempty"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
	Citations   []domain.Citation   `json:"citations,omitempty"`
}

// AppendMessages stores messages in order and bumps the session activity.
func (s *SQLiteStore) AppendMessages(ctx context.Context, sessionID string, messages []domain.Message) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (message_id, session_id, run_id, role, content, payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	last := time.Time{}
	for _, m := range messages {
		payload, err := json.Marshal(messagePayload{
			ToolCallID:  m.ToolCallID,
			ToolName:    m.ToolName,
			IsError:     m.IsError,
			ToolCalls:   m.ToolCalls,
			Attachments: m.Attachments,
			Citations:   m.Citations,
		})
		if err != nil {
			return fmt.Errorf("failed to encode message %s: %w", m.MessageID, err)
		}
		created := m.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if created.After(last) {
			last = created
		}
		if _, err := stmt.ExecContext(ctx, m.MessageID, sessionID, nullableString(m.RunID), string(m.Role), m.Content, string(payload), created.UTC()); err != nil {
			return fmt.Errorf("failed to append message %s: %w", m.MessageID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE session_id = ? AND last_activity_at < ?`,
		last.UTC(), sessionID, last.UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

const messageColumns = `message_id, session_id, run_id, role, content, payload, created_at`

// GetMessages returns the history of a session in append order. A positive
// limit keeps only the most recent messages.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ? ORDER BY seq ASC`
	args := []any{sessionID}
	if limit > 0 {
		query = `SELECT ` + messageColumns + ` FROM (
			SELECT seq, ` + messageColumns + ` FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var (
			msg     domain.Message
			runID   sql.NullString
			payload sql.NullString
			role    string
		)
		if err := rows.Scan(&msg.MessageID, &msg.SessionID, &runID, &role, &msg.Content, &payload, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Role = domain.Role(role)
		msg.RunID = runID.String
		if payload.Valid && payload.String != "" {
			var p messagePayload
			if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
				return nil, fmt.Errorf("failed to decode message %s: %w", msg.MessageID, err)
			}
			msg.ToolCallID = p.ToolCallID
			msg.ToolName = p.ToolName
			msg.IsError = p.IsError
			msg.ToolCalls = p.ToolCalls
			msg.Attachments = p.Attachments
			msg.Citations = p.Citations
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// SaveRun inserts or updates a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *domain.Run) error {
	var failure sql.NullString
	if run.Error != nil {
		data, err := json.Marshal(run.Error)
		if err != nil {
			return err
		}
		failure = sql.NullString{String: string(data), Valid: true}
	}
	var ended sql.NullTime
	if run.EndedAt != nil {
		ended = sql.NullTime{Time: run.EndedAt.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, session_id, status, started_at, ended_at, error) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET status = excluded.status, ended_at = excluded.ended_at, error = excluded.error`,
		run.RunID, run.SessionID, string(run.Status), run.StartedAt.UTC(), ended, failure)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.RunID, err)
	}
	return nil
}

// GetRun returns a run record, or nil when none exists.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var (
		run     domain.Run
		status  string
		ended   sql.NullTime
		failure sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, session_id, status, started_at, ended_at, error FROM runs WHERE run_id = ?`, runID).
		Scan(&run.RunID, &run.SessionID, &status, &run.StartedAt, &ended, &failure)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	if ended.Valid {
		t := ended.Time
		run.EndedAt = &t
	}
	if failure.Valid {
		run.Error = &domain.RunFailure{}
		if err := json.Unmarshal([]byte(failure.String), run.Error); err != nil {
			return nil, fmt.Errorf("failed to decode run error: %w", err)
		}
	}
	return &run, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		session  domain.Session
		metadata sql.NullString
	)
	if err := row.Scan(&session.SessionID, &session.UserID, &session.Persistent, &session.CreatedAt, &session.LastActivityAt, &metadata); err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		session.Metadata = json.RawMessage(metadata.String)
	}
	return &session, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}
