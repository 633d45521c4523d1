package sessions

import (
	"context"
	"time"
)

// UpdateFunc mutates a session in place. Returning an error aborts the
// update and leaves the stored session untouched.
type UpdateFunc func(session *SessionData) error

// Repo defines the interface for server-side session storage.
// Implementations return copies, never their internal values.
type Repo interface {
	// Get retrieves a session by ID. Missing sessions return
	// ErrSessionNotFound, sessions past ExpiresAt return ErrSessionExpired.
	Get(ctx context.Context, sessionID string) (*SessionData, error)

	// Upsert creates or replaces a session
	Upsert(ctx context.Context, session *SessionData) error

	// Update applies fn to the stored session atomically with respect to
	// every other operation on the same session ID.
	Update(ctx context.Context, sessionID string, fn UpdateFunc) error

	// Delete removes a session; deleting an unknown ID is not an error
	Delete(ctx context.Context, sessionID string) error

	// DeleteExpiredSessions removes sessions whose ExpiresAt is not after now
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// Pinger is implemented by stores backed by an external resource whose
// reachability can be checked.
type Pinger interface {
	Ping(ctx context.Context) error
}
