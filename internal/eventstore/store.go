// Package eventstore keeps an audit timeline of sessions and their lifecycle
// events in SQLite.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chriscow/voice-session-go/internal/config"
	"github.com/chriscow/voice-session-go/pkg/agent"
)

// Event is one recorded timeline entry.
type Event struct {
	ID        int64
	SessionID string
	TurnID    string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Session is one recorded session.
type Session struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time // zero while running
	EndReason string
}

// Store wraps a SQLite-backed event timeline. In ephemeral mode it keeps
// nothing and every method is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to cfg.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("Event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    started_at INTEGER NOT NULL,
    ended_at INTEGER,
    end_reason TEXT
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    turn_id TEXT,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sessionID string, startedAt time.Time) error {
	if s.disabled() {
		return nil
	}
	if startedAt.IsZero() {
		startedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, started_at) VALUES(?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, startedAt.UnixNano())
	return err
}

// EndSession records when and why a session ended.
func (s *Store) EndSession(ctx context.Context, sessionID, reason string, endedAt time.Time) error {
	if s.disabled() {
		return nil
	}
	if endedAt.IsZero() {
		endedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ? WHERE session_id = ?`,
		endedAt.UnixNano(), reason, sessionID)
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, turn_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.TurnID, evt.Type, evt.Payload, evt.CreatedAt.UnixNano())
	return err
}

// HandleEvent records a session lifecycle event. Interim transcripts are
// not stored.
func (s *Store) HandleEvent(ctx context.Context, ev agent.Event) error {
	if s.disabled() || ev.Type == agent.EventTranscriptInterim {
		return nil
	}

	switch ev.Type {
	case agent.EventSessionStarted:
		if err := s.AppendSession(ctx, ev.SessionID, ev.Time); err != nil {
			return fmt.Errorf("record session: %w", err)
		}
	case agent.EventSessionEnded:
		// Sessions that ended before starting have no row yet.
		if err := s.AppendSession(ctx, ev.SessionID, ev.Time); err != nil {
			return fmt.Errorf("record session: %w", err)
		}
		if err := s.EndSession(ctx, ev.SessionID, ev.Reason, ev.Time); err != nil {
			return fmt.Errorf("end session: %w", err)
		}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.AppendEvent(ctx, Event{
		SessionID: ev.SessionID,
		TurnID:    ev.TurnID,
		Type:      string(ev.Type),
		Payload:   payload,
		CreatedAt: ev.Time,
	})
}

// GetSession returns the recorded session, or sql.ErrNoRows.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if s.disabled() {
		return Session{}, sql.ErrNoRows
	}
	var (
		started int64
		ended   sql.NullInt64
		reason  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at, ended_at, end_reason FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&started, &ended, &reason)
	if err != nil {
		return Session{}, err
	}

	out := Session{ID: sessionID, StartedAt: time.Unix(0, started), EndReason: reason.String}
	if ended.Valid {
		out.EndedAt = time.Unix(0, ended.Int64)
	}
	return out, nil
}

// ListSessionEvents retrieves up to limit events for a session in the order
// they were recorded.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, turn_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			turnID  sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &turnID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.TurnID = turnID.String
		e.CreatedAt = time.Unix(0, created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes sessions, and their events, older than the retention window.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() || s.cfg.RetentionDays <= 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
	if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
		return err
	}
	return tx.Commit()
}
