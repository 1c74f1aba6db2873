package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-translate/internal/config"
	_ "modernc.org/sqlite"
)

// Timeline entries with special handling.
const (
	EventSessionStarted = "session.started"
	EventSessionStopped = "session.stopped"
)

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Payload   []byte
	Privacy   string
	CreatedAt time.Time
}

// Session is the summary row of one translation session.
type Session struct {
	ID             string
	SourceLanguage string
	TargetLanguage string
	Voice          string
	EndReason      string
	CreatedAt      time.Time
	EndedAt        time.Time
}

// Store wraps a SQLite-backed session timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
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
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    source_language TEXT,
    target_language TEXT,
    voice TEXT,
    privacy_scope TEXT,
    end_reason TEXT,
    created_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    privacy_scope TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
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

// Healthy reports whether the database answers.
func (s *Store) Healthy(ctx context.Context) bool {
	if s.disabled() {
		return true
	}
	return s.db.PingContext(ctx) == nil
}

// Record appends a timeline entry. A session.started entry creates the
// session row and a session.stopped entry closes it; the payload of both is
// read for the summary columns.
func (s *Store) Record(ctx context.Context, sessionID, eventType string, payload any) error {
	if s.disabled() {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	now := s.clock().UTC()

	switch eventType {
	case EventSessionStarted:
		var start struct {
			From  string `json:"from"`
			To    string `json:"to"`
			Voice string `json:"voice"`
		}
		_ = json.Unmarshal(data, &start)
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO sessions(session_id, source_language, target_language, voice, privacy_scope, created_at)
			 VALUES(?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET source_language=excluded.source_language,
			   target_language=excluded.target_language, voice=excluded.voice`,
			sessionID, start.From, start.To, start.Voice, s.cfg.RetentionMode, now)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
	case EventSessionStopped:
		var stop struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(data, &stop)
		if _, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET ended_at = ?, end_reason = ? WHERE session_id = ?`,
			now, stop.Reason, sessionID); err != nil {
			return fmt.Errorf("close session: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, payload, privacy_scope, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		sessionID, eventType, data, s.cfg.RetentionMode, now)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", eventType, err)
	}
	return nil
}

// GetSession returns the summary row for sessionID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if s.disabled() {
		return Session{}, sql.ErrNoRows
	}
	var (
		sess    Session
		reason  sql.NullString
		created sql.NullTime
		ended   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, source_language, target_language, voice, end_reason, created_at, ended_at
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.ID, &sess.SourceLanguage, &sess.TargetLanguage, &sess.Voice, &reason, &created, &ended)
	if err != nil {
		return Session{}, err
	}
	sess.EndReason = reason.String
	sess.CreatedAt = created.Time
	sess.EndedAt = ended.Time
	return sess, nil
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
		`SELECT id, session_id, event_type, payload, privacy_scope, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			privacy sql.NullString
			created sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &privacy, &created); err != nil {
			return nil, err
		}
		e.Privacy = privacy.String
		e.CreatedAt = created.Time
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks that an ephemeral store holds no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
