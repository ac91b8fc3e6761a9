// Package sessions persists play sessions and bookmarks requested from the
// overlay in a local sqlite database.
package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fredcamaral/overlaysync/internal/domain/ports"
)

// Session is one stored play session
type Session struct {
	ID          string     `json:"id" yaml:"id"`
	StartedAt   time.Time  `json:"started_at" yaml:"started_at"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty" yaml:"stopped_at,omitempty"`
	StartSystem string     `json:"start_system,omitempty" yaml:"start_system,omitempty"`
	Bookmarks   int        `json:"bookmarks" yaml:"bookmarks"`
}

// Store implements ports.SessionTracker on sqlite
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ ports.SessionTracker = (*Store)(nil)

// Open opens or creates the database at path
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("opening session store %s: %w", path, err)
	}
	return &Store{db: db, logger: logger.With("adapter", "sessions")}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// StartSession opens a session, or returns the already open one
func (s *Store) StartSession(ctx context.Context, at time.Time, system string) (string, error) {
	var id string
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		active, err := activeSession(ctx, tx)
		if err != nil {
			return err
		}
		if active != "" {
			id = active
			return nil
		}

		id = uuid.NewString()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (id, started_at, start_system) VALUES (?, ?, ?)`,
			id, at.UnixMilli(), system,
		)
		if err != nil {
			return fmt.Errorf("inserting session: %w", err)
		}
		s.logger.Info("Session started", slog.String("session_id", id), slog.String("system", system))
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// StopSession closes the open session. Stopping with none open is a no-op.
func (s *Store) StopSession(ctx context.Context, at time.Time) error {
	return runTx(ctx, s.db, func(tx *sql.Tx) error {
		active, err := activeSession(ctx, tx)
		if err != nil || active == "" {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET stopped_at = ? WHERE id = ?`,
			at.UnixMilli(), active,
		); err != nil {
			return fmt.Errorf("closing session: %w", err)
		}
		s.logger.Info("Session stopped", slog.String("session_id", active))
		return nil
	})
}

// AddBookmark stores a bookmark, attached to the open session when there is one
func (s *Store) AddBookmark(ctx context.Context, bookmark ports.Bookmark) error {
	return runTx(ctx, s.db, func(tx *sql.Tx) error {
		active, err := activeSession(ctx, tx)
		if err != nil {
			return err
		}

		var sessionID sql.NullString
		if active != "" {
			sessionID = sql.NullString{String: active, Valid: true}
		}

		createdAt := bookmark.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bookmarks (id, session_id, system, body, note, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), sessionID, bookmark.System, bookmark.Body, bookmark.Note, createdAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("inserting bookmark: %w", err)
		}
		return nil
	})
}

// ActiveSession returns the open session id, or "" when none
func (s *Store) ActiveSession(ctx context.Context) (string, error) {
	var id string
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		id, err = activeSession(ctx, tx)
		return err
	})
	return id, err
}

// RecentSessions lists the newest sessions with their bookmark counts
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.started_at, s.stopped_at, s.start_system, COUNT(b.id)
		FROM sessions s
		LEFT JOIN bookmarks b ON b.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC, s.id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		var (
			sess      Session
			startedAt int64
			stoppedAt sql.NullInt64
		)
		if err := rows.Scan(&sess.ID, &startedAt, &stoppedAt, &sess.StartSystem, &sess.Bookmarks); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sess.StartedAt = time.UnixMilli(startedAt).UTC()
		if stoppedAt.Valid {
			t := time.UnixMilli(stoppedAt.Int64).UTC()
			sess.StoppedAt = &t
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Bookmarks lists bookmarks for a session in creation order. An empty id
// lists bookmarks made outside any session.
func (s *Store) Bookmarks(ctx context.Context, sessionID string) ([]ports.Bookmark, error) {
	query := `SELECT system, body, note, created_at FROM bookmarks WHERE session_id = ? ORDER BY created_at, rowid`
	args := []any{sessionID}
	if sessionID == "" {
		query = `SELECT system, body, note, created_at FROM bookmarks WHERE session_id IS NULL ORDER BY created_at, rowid`
		args = nil
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying bookmarks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ports.Bookmark
	for rows.Next() {
		var (
			b         ports.Bookmark
			createdAt int64
		)
		if err := rows.Scan(&b.System, &b.Body, &b.Note, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning bookmark: %w", err)
		}
		b.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func activeSession(ctx context.Context, tx *sql.Tx) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE stopped_at IS NULL ORDER BY started_at DESC LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying active session: %w", err)
	}
	return id, nil
}
