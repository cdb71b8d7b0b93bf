package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultSessionTimeout is how long a session stays valid without activity.
const DefaultSessionTimeout = time.Minute

// Session tracks a logged-in user. Times are epoch milliseconds.
type Session struct {
	Username     string `json:"username"`
	StartedAt    int64  `json:"started_at"`
	LastActivity int64  `json:"last_activity"`
}

func (s Session) RecordKey() string { return s.Username }
func (s Session) Modified() int64   { return s.LastActivity }

// Valid reports whether the session saw activity within timeout of now.
func (s Session) Valid(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	return now.UnixMilli()-s.LastActivity <= timeout.Milliseconds()
}

func (s *DB) SaveSession(ctx context.Context, sess Session) error {
	return s.UpsertSession(ctx, sess)
}

func (s *DB) GetSession(ctx context.Context, username string) (Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, s.q(`SELECT username, started_at, last_activity FROM sessions WHERE username = ?`), username).
		Scan(&sess.Username, &sess.StartedAt, &sess.LastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *DB) UpdateSessionActivity(ctx context.Context, username string, at int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET last_activity = ? WHERE username = ?`), at, username)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %q: %w", username, ErrNotFound)
	}
	return nil
}

func (s *DB) ClearSession(ctx context.Context, username string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE username = ?`), username); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (s *DB) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, started_at, last_activity FROM sessions ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.Username, &sess.StartedAt, &sess.LastActivity); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *DB) UpsertSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO sessions (username, started_at, last_activity) VALUES (?, ?, ?)
		ON CONFLICT (username) DO UPDATE SET started_at = excluded.started_at, last_activity = excluded.last_activity`),
		sess.Username, sess.StartedAt, sess.LastActivity)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}
