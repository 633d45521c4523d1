package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/google/uuid"
	errs "github.com/jrsteele09/smart-portal/internal/errors"
	"github.com/jrsteele09/smart-portal/pkce"
	"github.com/jrsteele09/smart-portal/sessions"
	"golang.org/x/sync/singleflight"
)

const defaultMaxSessionAge = time.Hour

// TokenClient is the provider side of the flow, implemented by oauthclient.Client.
type TokenClient interface {
	AuthorizationURL(state, challenge string) string
	ExchangeCode(ctx context.Context, code, verifier string) (*sessions.CredentialSet, error)
	Refresh(ctx context.Context, refreshToken string) (*sessions.CredentialSet, error)
}

// CredentialStoreOption defines a function type to modify the CredentialStore instance.
type CredentialStoreOption func(*CredentialStore)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) CredentialStoreOption {
	return func(cs *CredentialStore) {
		cs.nowTime = nowFunc
	}
}

// WithMaxSessionAge sets how long a new session lives before eviction
func WithMaxSessionAge(age time.Duration) CredentialStoreOption {
	return func(cs *CredentialStore) {
		cs.maxSessionAge = age
	}
}

// CredentialStore owns the per-session authorization and credential state.
// Every mutation goes through sessions.Repo.Update so it is atomic per session.
type CredentialStore struct {
	repo          sessions.Repo
	client        TokenClient
	nowTime       func() time.Time
	maxSessionAge time.Duration
	refreshes     singleflight.Group // sessionID -> in-flight refresh
}

// NewCredentialStore creates a CredentialStore backed by repo.
func NewCredentialStore(repo sessions.Repo, client TokenClient, options ...CredentialStoreOption) (*CredentialStore, error) {
	if repo == nil {
		return nil, fmt.Errorf("[NewCredentialStore] session repo is required")
	}
	if client == nil {
		return nil, fmt.Errorf("[NewCredentialStore] token client is required")
	}
	cs := &CredentialStore{
		repo:          repo,
		client:        client,
		nowTime:       time.Now,
		maxSessionAge: defaultMaxSessionAge,
	}
	for _, opt := range options {
		opt(cs)
	}
	return cs, nil
}

// OpenSession returns sessionID if it names a live session, otherwise it
// creates a new anonymous session and returns its ID.
func (cs *CredentialStore) OpenSession(ctx context.Context, sessionID string) (string, error) {
	if sessionID != "" {
		if _, err := cs.repo.Get(ctx, sessionID); err == nil {
			return sessionID, nil
		}
	}

	now := cs.nowTime()
	session := &sessions.SessionData{
		ID:        uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(cs.maxSessionAge),
	}
	if err := cs.repo.Upsert(ctx, session); err != nil {
		return "", errs.Wrapf(err, "[CredentialStore OpenSession] failed to create session")
	}
	return session.ID, nil
}

// Session returns a copy of the session, or nil when there is none.
func (cs *CredentialStore) Session(ctx context.Context, sessionID string) *sessions.SessionData {
	if sessionID == "" {
		return nil
	}
	session, err := cs.repo.Get(ctx, sessionID)
	if err != nil {
		return nil
	}
	return session
}

// BeginAuthorization generates a fresh verifier and CSRF state and stores them
// as the session's pending authorization, replacing any earlier one. Any
// existing credential is dropped: the session now belongs to the new login.
func (cs *CredentialStore) BeginAuthorization(ctx context.Context, sessionID string) (state, challenge string, err error) {
	codes, err := pkce.Generate()
	if err != nil {
		return "", "", errs.Tag(errs.ErrInternal, err)
	}
	state, err = pkce.GenerateState()
	if err != nil {
		return "", "", errs.Tag(errs.ErrInternal, err)
	}

	err = cs.repo.Update(ctx, sessionID, func(s *sessions.SessionData) error {
		s.Authorization = &sessions.AuthorizationState{
			CodeVerifier: codes.Verifier,
			State:        state,
			CreatedAt:    cs.nowTime(),
		}
		s.Credentials = nil
		return nil
	})
	if err != nil {
		return "", "", errs.Wrapf(err, "[CredentialStore BeginAuthorization]")
	}
	return state, codes.Challenge, nil
}

// CompleteAuthorization validates the callback against the pending
// authorization and exchanges the code. The pending authorization is purged
// before anything else happens, so a verifier is never used twice.
func (cs *CredentialStore) CompleteAuthorization(ctx context.Context, sessionID, receivedState, code string) (*sessions.CredentialSet, error) {
	pending, err := cs.takePending(ctx, sessionID, receivedState)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, errs.ErrMissingCode
	}

	creds, err := cs.client.ExchangeCode(ctx, code, pending.CodeVerifier)
	if err != nil {
		return nil, err
	}

	err = cs.repo.Update(ctx, sessionID, func(s *sessions.SessionData) error {
		c := *creds
		s.Credentials = &c
		return nil
	})
	if err != nil {
		// logged out or evicted while the exchange was in flight
		return nil, errs.Tag(errs.ErrTokenExchange, err)
	}
	return creds, nil
}

// CancelAuthorization handles a callback carrying a provider error. The state
// is still checked first; a valid one yields ErrAuthorizationDenied.
func (cs *CredentialStore) CancelAuthorization(ctx context.Context, sessionID, receivedState string) error {
	if _, err := cs.takePending(ctx, sessionID, receivedState); err != nil {
		return err
	}
	return errs.ErrAuthorizationDenied
}

// takePending atomically reads and clears the pending authorization, then
// checks receivedState against it. With nothing pending, a callback repeating
// the last consumed state is a replay (ErrMissingVerifier); anything else is
// ErrInvalidState.
func (cs *CredentialStore) takePending(ctx context.Context, sessionID, receivedState string) (*sessions.AuthorizationState, error) {
	var pending *sessions.AuthorizationState
	var consumed string
	if sessionID != "" {
		err := cs.repo.Update(ctx, sessionID, func(s *sessions.SessionData) error {
			pending = s.Authorization
			consumed = s.ConsumedState
			if pending != nil {
				s.ConsumedState = pending.State
			}
			s.Authorization = nil
			return nil
		})
		if err != nil && !errs.Is(err, errs.ErrSessionNotFound) && !errs.Is(err, errs.ErrSessionExpired) {
			return nil, errs.Tag(errs.ErrInternal, err)
		}
	}
	if pending == nil {
		if receivedState != "" && consumed != "" && sameState(receivedState, consumed) {
			return nil, errs.ErrMissingVerifier
		}
		return nil, errs.ErrInvalidState
	}
	if receivedState == "" || !sameState(receivedState, pending.State) {
		return nil, errs.ErrInvalidState
	}
	return pending, nil
}

func sameState(received, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(received), []byte(expected)) == 1
}

// GetValidCredential returns the session credential if it is still usable.
// It never modifies the session.
func (cs *CredentialStore) GetValidCredential(ctx context.Context, sessionID string) (*sessions.CredentialSet, error) {
	session := cs.Session(ctx, sessionID)
	if session == nil || session.Credentials == nil {
		return nil, errs.ErrUnauthorized
	}
	if session.Credentials.IsExpired(cs.nowTime()) {
		return nil, errs.ErrExpired
	}
	return session.Credentials, nil
}

// RefreshCredential trades the stored refresh token for a new credential.
// Concurrent calls for one session share a single provider request.
func (cs *CredentialStore) RefreshCredential(ctx context.Context, sessionID string) (*sessions.CredentialSet, error) {
	if sessionID == "" {
		return nil, errs.ErrUnauthorized
	}
	// the shared call must outlive whichever caller started it
	flightCtx := context.WithoutCancel(ctx)
	res, err, _ := cs.refreshes.Do(sessionID, func() (interface{}, error) {
		return cs.refresh(flightCtx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	creds := *res.(*sessions.CredentialSet)
	return &creds, nil
}

func (cs *CredentialStore) refresh(ctx context.Context, sessionID string) (*sessions.CredentialSet, error) {
	session := cs.Session(ctx, sessionID)
	if session == nil || session.Credentials == nil {
		return nil, errs.ErrUnauthorized
	}
	if session.Credentials.RefreshToken == "" {
		return nil, errs.ErrNoRefreshToken
	}

	presented := session.Credentials.RefreshToken
	fresh, err := cs.client.Refresh(ctx, presented)
	if err != nil {
		return nil, err
	}

	var updated sessions.CredentialSet
	err = cs.repo.Update(ctx, sessionID, func(s *sessions.SessionData) error {
		if s.Credentials == nil {
			return errs.ErrUnauthorized
		}
		if s.Credentials.RefreshToken != presented {
			// a new login replaced the credential while the refresh was in flight
			updated = *s.Credentials
			return nil
		}
		updated = mergeCredentials(s.Credentials, fresh)
		s.Credentials = &updated
		return nil
	})
	if err != nil {
		if errs.Is(err, errs.ErrUnauthorized) {
			return nil, err
		}
		return nil, errs.Tag(errs.ErrTokenRefresh, err)
	}
	return &updated, nil
}

// mergeCredentials keeps values from current the provider left out of fresh.
func mergeCredentials(current, fresh *sessions.CredentialSet) sessions.CredentialSet {
	merged := *fresh
	if merged.RefreshToken == "" {
		merged.RefreshToken = current.RefreshToken
	}
	if merged.PatientID == "" {
		merged.PatientID = current.PatientID
	}
	if merged.Scope == "" {
		merged.Scope = current.Scope
	}
	if merged.FHIRUser == "" {
		merged.FHIRUser = current.FHIRUser
	}
	return merged
}

// Terminate removes the session with its credential and pending authorization.
func (cs *CredentialStore) Terminate(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return cs.repo.Delete(ctx, sessionID)
}

// Sweep evicts expired sessions and reports how many were removed.
func (cs *CredentialStore) Sweep(ctx context.Context) (int, error) {
	return cs.repo.DeleteExpiredSessions(ctx, cs.nowTime())
}
