package auth_test

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/jrsteele09/smart-portal/internal/errors"
	"github.com/jrsteele09/smart-portal/sessions"
)

// fakeTokenClient stands in for the provider. Refresh blocks on gate when set.
type fakeTokenClient struct {
	mu            sync.Mutex
	now           func() time.Time
	exchangeErr   error
	refreshErr    error
	rotate        bool
	gate          chan struct{}
	exchanges     atomic.Int32
	refreshes     atomic.Int32
	lastVerifier  string
	lastRefreshed string
	// refresh token handed out by ExchangeCode; "rt-1" when empty
	exchangeRT string
}

func newFakeTokenClient(now func() time.Time) *fakeTokenClient {
	return &fakeTokenClient{now: now}
}

func (f *fakeTokenClient) AuthorizationURL(state, challenge string) string {
	q := url.Values{}
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	return "https://emr.example.org/authorize?" + q.Encode()
}

func (f *fakeTokenClient) ExchangeCode(_ context.Context, code, verifier string) (*sessions.CredentialSet, error) {
	f.exchanges.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastVerifier = verifier
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	refreshToken := f.exchangeRT
	if refreshToken == "" {
		refreshToken = "rt-1"
	}
	return &sessions.CredentialSet{
		AccessToken:  "at-" + code,
		RefreshToken: refreshToken,
		PatientID:    "p-42",
		Scope:        "openid patient/*.read",
		ExpiresAt:    f.now().Add(time.Hour),
	}, nil
}

func (f *fakeTokenClient) Refresh(_ context.Context, refreshToken string) (*sessions.CredentialSet, error) {
	n := f.refreshes.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRefreshed = refreshToken
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	creds := &sessions.CredentialSet{
		AccessToken: "at-refreshed",
		ExpiresAt:   f.now().Add(time.Hour),
	}
	if f.rotate {
		creds.RefreshToken = "rt-" + string(rune('1'+n))
	}
	return creds, nil
}

func (f *fakeTokenClient) failExchange() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeErr = errs.Tag(errs.ErrTokenExchange, nil)
}

func (f *fakeTokenClient) failRefresh() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshErr = errs.Tag(errs.ErrTokenRefresh, nil)
}

func (f *fakeTokenClient) setExchangeRefreshToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeRT = token
}
