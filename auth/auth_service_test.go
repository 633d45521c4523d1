package auth_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/jrsteele09/smart-portal/auth"
	errs "github.com/jrsteele09/smart-portal/internal/errors"
	"github.com/jrsteele09/smart-portal/sessions"
	"github.com/stretchr/testify/require"
)

func loginState(t *testing.T, f *testFixture, id string) string {
	t.Helper()
	redirect, err := f.service.Login(context.Background(), id)
	require.NoError(t, err)
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func TestStateOf(t *testing.T) {
	require.Equal(t, auth.Anonymous, auth.StateOf(nil))
	require.Equal(t, auth.Anonymous, auth.StateOf(&sessions.SessionData{}))
	require.Equal(t, auth.PendingCallback, auth.StateOf(&sessions.SessionData{Authorization: &sessions.AuthorizationState{}}))
	require.Equal(t, auth.Authenticated, auth.StateOf(&sessions.SessionData{Credentials: &sessions.CredentialSet{}}))
	require.Equal(t, "pending_callback", auth.PendingCallback.String())
}

func TestService_LoginCallbackStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.service.EnsureSession(ctx, "")
	require.NoError(t, err)
	require.Equal(t, auth.Anonymous, f.service.Status(ctx, id).State)

	state := loginState(t, f, id)
	require.Equal(t, auth.PendingCallback, f.service.Status(ctx, id).State)

	creds, err := f.service.Callback(ctx, id, auth.CallbackParams{State: state, Code: "abc"})
	require.NoError(t, err)
	require.Equal(t, "p-42", creds.PatientID)

	status := f.service.Status(ctx, id)
	require.Equal(t, auth.Authenticated, status.State)
	require.True(t, status.Authenticated)
	require.False(t, status.Expired)
	require.Equal(t, "p-42", status.PatientID)
	require.True(t, status.ExpiresAt.Equal(t0.Add(time.Hour)))
}

func TestService_LoginReplacesCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.authenticate(t)

	loginState(t, f, id)
	require.Equal(t, auth.PendingCallback, f.service.Status(ctx, id).State)
	_, err := f.service.AccessToken(ctx, id)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestService_CallbackFailuresLeaveAnonymous(t *testing.T) {
	tests := []struct {
		name    string
		params  func(state string) auth.CallbackParams
		wantErr error
	}{
		{"forged state", func(string) auth.CallbackParams { return auth.CallbackParams{State: "forged", Code: "abc"} }, errs.ErrInvalidState},
		{"missing code", func(s string) auth.CallbackParams { return auth.CallbackParams{State: s} }, errs.ErrMissingCode},
		{"provider denied", func(s string) auth.CallbackParams { return auth.CallbackParams{State: s, Error: "access_denied"} }, errs.ErrAuthorizationDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			id := f.openSession(t)
			state := loginState(t, f, id)

			_, err := f.service.Callback(ctx, id, tt.params(state))
			require.ErrorIs(t, err, tt.wantErr)
			require.Equal(t, auth.Anonymous, f.service.Status(ctx, id).State)
			require.Zero(t, f.client.exchanges.Load())
		})
	}
}

func TestService_CallbackExchangeFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.openSession(t)
	state := loginState(t, f, id)
	f.client.failExchange()

	_, err := f.service.Callback(ctx, id, auth.CallbackParams{State: state, Code: "abc"})
	require.ErrorIs(t, err, errs.ErrTokenExchange)
	require.Equal(t, auth.Anonymous, f.service.Status(ctx, id).State)
}

func TestService_RefreshFailureEndsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.authenticate(t)
	f.client.failRefresh()

	_, err := f.service.Refresh(ctx, id)
	require.ErrorIs(t, err, errs.ErrTokenRefresh)
	require.Nil(t, f.store.Session(ctx, id))
	require.False(t, f.service.Status(ctx, id).Authenticated)
}

func TestService_RefreshWithoutRefreshTokenKeepsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.authenticate(t)
	require.NoError(t, f.repo.Update(ctx, id, func(s *sessions.SessionData) error {
		s.Credentials.RefreshToken = ""
		return nil
	}))

	_, err := f.service.Refresh(ctx, id)
	require.ErrorIs(t, err, errs.ErrNoRefreshToken)
	require.True(t, f.service.Status(ctx, id).Authenticated)
}

func TestService_AccessTokenGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("valid credential", func(t *testing.T) {
		f := newFixture(t)
		id := f.authenticate(t)
		creds, err := f.service.AccessToken(ctx, id)
		require.NoError(t, err)
		require.Equal(t, "at-code-1", creds.AccessToken)
		require.Zero(t, f.client.refreshes.Load())
	})

	t.Run("no credential", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.service.AccessToken(ctx, f.openSession(t))
		require.ErrorIs(t, err, errs.ErrUnauthorized)
	})

	t.Run("expired credential is refreshed", func(t *testing.T) {
		f := newFixture(t)
		id := f.authenticate(t)
		f.advance(2 * time.Hour)

		status := f.service.Status(ctx, id)
		require.True(t, status.Authenticated)
		require.True(t, status.Expired)

		creds, err := f.service.AccessToken(ctx, id)
		require.NoError(t, err)
		require.Equal(t, "at-refreshed", creds.AccessToken)
		require.False(t, f.service.Status(ctx, id).Expired)
	})

	t.Run("expired without refresh token ends session", func(t *testing.T) {
		f := newFixture(t)
		id := f.authenticate(t)
		require.NoError(t, f.repo.Update(ctx, id, func(s *sessions.SessionData) error {
			s.Credentials.RefreshToken = ""
			return nil
		}))
		f.advance(2 * time.Hour)

		_, err := f.service.AccessToken(ctx, id)
		require.ErrorIs(t, err, errs.ErrExpired)
		require.Nil(t, f.store.Session(ctx, id))
	})

	t.Run("expired with failing refresh ends session", func(t *testing.T) {
		f := newFixture(t)
		id := f.authenticate(t)
		f.client.failRefresh()
		f.advance(2 * time.Hour)

		_, err := f.service.AccessToken(ctx, id)
		require.ErrorIs(t, err, errs.ErrExpired)
		require.Nil(t, f.store.Session(ctx, id))
	})
}

func TestService_Logout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.authenticate(t)

	f.service.Logout(ctx, id)
	require.Equal(t, auth.Anonymous, f.service.Status(ctx, id).State)
	_, err := f.service.AccessToken(ctx, id)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	// idempotent, including for sessions that never existed
	f.service.Logout(ctx, id)
	f.service.Logout(ctx, "")
}

func TestService_StatusDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.authenticate(t)
	f.advance(2 * time.Hour)

	before, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	f.service.Status(ctx, id)
	after, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Zero(t, f.client.refreshes.Load())
}
