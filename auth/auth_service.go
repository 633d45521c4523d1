package auth

import (
	"context"
	"fmt"
	"time"

	errs "github.com/jrsteele09/smart-portal/internal/errors"
	"github.com/jrsteele09/smart-portal/sessions"
	"github.com/rs/zerolog/log"
)

// CallbackParams are the query parameters the provider sends to the redirect URI.
type CallbackParams struct {
	State string
	Code  string
	Error string // set when the user or provider refused the request
}

// Status is a read-only snapshot of a session's login state.
type Status struct {
	State         State
	Authenticated bool
	Expired       bool
	PatientID     string
	ExpiresAt     *time.Time
}

// AuthorizationService sequences the CredentialStore through the login state
// machine. It has no HTTP dependency.
type AuthorizationService struct {
	store  *CredentialStore
	client TokenClient
}

// NewAuthorizationService initializes a new AuthorizationService
func NewAuthorizationService(store *CredentialStore) (*AuthorizationService, error) {
	if store == nil {
		return nil, fmt.Errorf("[NewAuthorizationService] credential store is required")
	}
	return &AuthorizationService{store: store, client: store.client}, nil
}

// Store exposes the underlying CredentialStore
func (as *AuthorizationService) Store() *CredentialStore {
	return as.store
}

// EnsureSession returns a live session ID, creating a session when sessionID
// is empty, unknown or expired.
func (as *AuthorizationService) EnsureSession(ctx context.Context, sessionID string) (string, error) {
	return as.store.OpenSession(ctx, sessionID)
}

// Login moves the session to PendingCallback and returns the provider URL to
// redirect the browser to.
func (as *AuthorizationService) Login(ctx context.Context, sessionID string) (string, error) {
	state, challenge, err := as.store.BeginAuthorization(ctx, sessionID)
	if err != nil {
		return "", err
	}
	log.Debug().Str("session", sessionID).Msg("authorization started")
	return as.client.AuthorizationURL(state, challenge), nil
}

// Callback completes a pending login. Success leaves the session
// Authenticated, any failure leaves it Anonymous.
func (as *AuthorizationService) Callback(ctx context.Context, sessionID string, params CallbackParams) (*sessions.CredentialSet, error) {
	if params.Error != "" {
		err := as.store.CancelAuthorization(ctx, sessionID, params.State)
		log.Warn().Str("session", sessionID).Str("provider_error", params.Error).Err(err).Msg("authorization not granted")
		return nil, err
	}

	creds, err := as.store.CompleteAuthorization(ctx, sessionID, params.State, params.Code)
	if err != nil {
		log.Warn().Str("session", sessionID).Err(err).Msg("authorization callback failed")
		return nil, err
	}
	log.Info().Str("session", sessionID).Str("patient", creds.PatientID).Msg("patient authenticated")
	return creds, nil
}

// Refresh renews the session credential. A provider failure ends the
// session; the user has to log in again.
func (as *AuthorizationService) Refresh(ctx context.Context, sessionID string) (*sessions.CredentialSet, error) {
	creds, err := as.store.RefreshCredential(ctx, sessionID)
	if err != nil {
		if errs.Is(err, errs.ErrTokenRefresh) {
			log.Warn().Str("session", sessionID).Err(err).Msg("token refresh failed, ending session")
			as.terminate(ctx, sessionID)
		}
		return nil, err
	}
	return creds, nil
}

// AccessToken is the guard in front of every FHIR call. An expired credential
// is refreshed once; when that is impossible the session is ended and
// ErrExpired returned.
func (as *AuthorizationService) AccessToken(ctx context.Context, sessionID string) (*sessions.CredentialSet, error) {
	creds, err := as.store.GetValidCredential(ctx, sessionID)
	if err == nil {
		return creds, nil
	}
	if !errs.Is(err, errs.ErrExpired) {
		return nil, err
	}

	creds, err = as.store.RefreshCredential(ctx, sessionID)
	if err == nil {
		return creds, nil
	}
	if errs.Is(err, errs.ErrUnauthorized) {
		return nil, err
	}
	log.Info().Str("session", sessionID).Err(err).Msg("expired credential could not be refreshed")
	as.terminate(ctx, sessionID)
	return nil, errs.Tag(errs.ErrExpired, err)
}

// Logout ends the session. It always succeeds from the caller's view.
func (as *AuthorizationService) Logout(ctx context.Context, sessionID string) {
	as.terminate(ctx, sessionID)
}

// Status reports the session's login state without modifying it.
func (as *AuthorizationService) Status(ctx context.Context, sessionID string) Status {
	session := as.store.Session(ctx, sessionID)
	status := Status{State: StateOf(session)}
	if status.State != Authenticated {
		return status
	}

	expiresAt := session.Credentials.ExpiresAt
	status.Authenticated = true
	status.PatientID = session.Credentials.PatientID
	status.ExpiresAt = &expiresAt
	status.Expired = session.Credentials.IsExpired(as.store.nowTime())
	return status
}

func (as *AuthorizationService) terminate(ctx context.Context, sessionID string) {
	if err := as.store.Terminate(ctx, sessionID); err != nil {
		log.Err(err).Str("session", sessionID).Msg("failed to terminate session")
	}
}
