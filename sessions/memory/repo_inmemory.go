// Package memory is the default session backend, used when SESSION_STORE is
// "memory". Sessions are lost on restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	errs "github.com/jrsteele09/smart-portal/internal/errors"
	"github.com/jrsteele09/smart-portal/sessions"
)

// Option configures an InMemorySessionRepo
type Option func(*InMemorySessionRepo)

// WithClock overrides the clock used for expiry checks
func WithClock(now func() time.Time) Option {
	return func(r *InMemorySessionRepo) {
		r.now = now
	}
}

// InMemorySessionRepo is an in-memory implementation of sessions.Repo
type InMemorySessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]*sessions.SessionData // sessionID -> SessionData
	now      func() time.Time
}

var _ sessions.Repo = (*InMemorySessionRepo)(nil)

// NewInMemorySessionRepo creates a new in-memory session repository
func NewInMemorySessionRepo(opts ...Option) *InMemorySessionRepo {
	r := &InMemorySessionRepo{
		sessions: make(map[string]*sessions.SessionData),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get retrieves a copy of a session
func (r *InMemorySessionRepo) Get(_ context.Context, sessionID string) (*sessions.SessionData, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionID is required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	session, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return session.Clone(), nil
}

// Upsert creates or replaces a session
func (r *InMemorySessionRepo) Upsert(_ context.Context, session *sessions.SessionData) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("sessionID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Store a copy to avoid external modifications
	r.sessions[session.ID] = session.Clone()
	return nil
}

// Update runs fn against a copy of the session under the write lock and
// stores the copy only if fn succeeds.
func (r *InMemorySessionRepo) Update(_ context.Context, sessionID string, fn sessions.UpdateFunc) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	session, err := r.lookup(sessionID)
	if err != nil {
		return err
	}

	updated := session.Clone()
	if err := fn(updated); err != nil {
		return err
	}
	updated.ID = sessionID
	r.sessions[sessionID] = updated
	return nil
}

// Delete removes a session
func (r *InMemorySessionRepo) Delete(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sessionID) // Already doesn't exist, no error
	return nil
}

// DeleteExpiredSessions evicts every session past its ExpiresAt
func (r *InMemorySessionRepo) DeleteExpiredSessions(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, session := range r.sessions {
		if session.IsExpired(now) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// lookup must be called with the lock held
func (r *InMemorySessionRepo) lookup(sessionID string) (*sessions.SessionData, error) {
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, errs.ErrSessionNotFound
	}
	if session.IsExpired(r.now()) {
		return nil, errs.ErrSessionExpired
	}
	return session, nil
}
