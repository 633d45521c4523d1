// Package sqlite is a durable session backend, used when SESSION_STORE is
// "sqlite". Session payloads are sealed before they reach disk.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	errs "github.com/jrsteele09/smart-portal/internal/errors"
	"github.com/jrsteele09/smart-portal/internal/secrets"
	"github.com/jrsteele09/smart-portal/sessions"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL,
	data       BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_expires_at ON sessions (expires_at);`

// Option configures a SessionRepo
type Option func(*SessionRepo)

// WithClock overrides the clock used for expiry checks
func WithClock(now func() time.Time) Option {
	return func(r *SessionRepo) {
		r.now = now
	}
}

// SessionRepo stores sessions in a single sqlite table
type SessionRepo struct {
	db     *sql.DB
	sealer *secrets.Sealer
	now    func() time.Time
}

var (
	_ sessions.Repo   = (*SessionRepo)(nil)
	_ sessions.Pinger = (*SessionRepo)(nil)
)

// NewSessionRepo opens (or creates) the database at dsn and ensures the schema exists.
func NewSessionRepo(dsn string, sealer *secrets.Sealer, opts ...Option) (*SessionRepo, error) {
	if sealer == nil {
		return nil, fmt.Errorf("[sqlite NewSessionRepo] sealer is required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("[sqlite NewSessionRepo] open %s: %w", dsn, err)
	}
	// One connection serialises every transaction, which Update relies on.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("[sqlite NewSessionRepo] create schema: %w", err)
	}

	r := &SessionRepo{db: db, sealer: sealer, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *SessionRepo) Close() error { return r.db.Close() }

// Ping verifies the database connection is still alive.
func (r *SessionRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// WithTx executes fn within a transaction, automatically handling commit/rollback.
func (r *SessionRepo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*sessions.SessionData, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionID is required")
	}
	var session *sessions.SessionData
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		session, err = r.load(ctx, tx, sessionID)
		return err
	})
	return session, err
}

func (r *SessionRepo) Upsert(ctx context.Context, session *sessions.SessionData) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("sessionID is required")
	}
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		return r.store(ctx, tx, session)
	})
}

// Update loads, mutates and writes back the session inside one transaction.
func (r *SessionRepo) Update(ctx context.Context, sessionID string, fn sessions.UpdateFunc) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID is required")
	}
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		session, err := r.load(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := fn(session); err != nil {
			return err
		}
		session.ID = sessionID
		return r.store(ctx, tx, session)
	})
}

func (r *SessionRepo) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID is required")
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("[sqlite Delete] %w", err)
	}
	return nil
}

func (r *SessionRepo) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at > 0 AND expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("[sqlite DeleteExpiredSessions] %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("[sqlite DeleteExpiredSessions] %w", err)
	}
	return int(n), nil
}

func (r *SessionRepo) load(ctx context.Context, tx *sql.Tx, sessionID string) (*sessions.SessionData, error) {
	var sealed []byte
	err := tx.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, sessionID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("[sqlite load] %w", err)
	}

	plain, err := r.sealer.Open(sealed, []byte(sessionID))
	if err != nil {
		return nil, fmt.Errorf("[sqlite load] session %s: %w", sessionID, err)
	}
	var session sessions.SessionData
	if err := json.Unmarshal(plain, &session); err != nil {
		return nil, fmt.Errorf("[sqlite load] decode session: %w", err)
	}
	if session.IsExpired(r.now()) {
		return nil, errs.ErrSessionExpired
	}
	return &session, nil
}

func (r *SessionRepo) store(ctx context.Context, tx *sql.Tx, session *sessions.SessionData) error {
	plain, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("[sqlite store] encode session: %w", err)
	}
	sealed, err := r.sealer.Seal(plain, []byte(session.ID))
	if err != nil {
		return err
	}

	var expiresAt int64
	if !session.ExpiresAt.IsZero() {
		expiresAt = session.ExpiresAt.UnixMilli()
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO sessions (id, expires_at, data) VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET expires_at = excluded.expires_at, data = excluded.data`,
		session.ID, expiresAt, sealed)
	if err != nil {
		return fmt.Errorf("[sqlite store] %w", err)
	}
	return nil
}
