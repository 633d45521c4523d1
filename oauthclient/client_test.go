package oauthclient_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	errs "github.com/jrsteele09/smart-portal/internal/errors"
	"github.com/jrsteele09/smart-portal/oauthclient"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type tokenEndpoint struct {
	server *httptest.Server
	calls  atomic.Int32
	forms  chan url.Values
}

func newTokenEndpoint(t *testing.T, handler func(w http.ResponseWriter, form url.Values)) *tokenEndpoint {
	t.Helper()
	te := &tokenEndpoint{forms: make(chan url.Values, 16)}
	te.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		te.calls.Add(1)
		require.NoError(t, r.ParseForm())
		select {
		case te.forms <- r.PostForm:
		default:
		}
		handler(w, r.PostForm)
	}))
	t.Cleanup(te.server.Close)
	return te
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func settings(tokenURL string) oauthclient.Settings {
	return oauthclient.Settings{
		ClientID:                 "portal-client",
		RedirectURI:              "http://localhost:3001/auth/callback",
		Scopes:                   "openid offline_access launch/patient patient/*.read",
		AuthorizationURL:         "https://emr.example.org/oauth2/default/authorize",
		TokenURL:                 tokenURL,
		Audience:                 "https://emr.example.org/apis/default/fhir",
		Timeout:                  time.Second,
		DefaultAccessTokenExpiry: time.Hour,
	}
}

func newClient(t *testing.T, s oauthclient.Settings, opts ...oauthclient.Option) *oauthclient.Client {
	t.Helper()
	opts = append([]oauthclient.Option{oauthclient.WithClock(func() time.Time { return t0 })}, opts...)
	c, err := oauthclient.New(s, opts...)
	require.NoError(t, err)
	return c
}

func TestAuthorizationURL(t *testing.T) {
	c := newClient(t, settings("https://emr.example.org/oauth2/default/token"))

	raw := c.AuthorizationURL("state-123", "challenge-abc")
	require.Equal(t, raw, c.AuthorizationURL("state-123", "challenge-abc"))

	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "emr.example.org", u.Host)
	require.Equal(t, "/oauth2/default/authorize", u.Path)

	q := u.Query()
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "portal-client", q.Get("client_id"))
	require.Equal(t, "http://localhost:3001/auth/callback", q.Get("redirect_uri"))
	require.Equal(t, "openid offline_access launch/patient patient/*.read", q.Get("scope"))
	require.Equal(t, "state-123", q.Get("state"))
	require.Equal(t, "https://emr.example.org/apis/default/fhir", q.Get("aud"))
	require.Equal(t, "challenge-abc", q.Get("code_challenge"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.Empty(t, q.Get("code_verifier"))
}

func TestExchangeCode(t *testing.T) {
	te := newTokenEndpoint(t, func(w http.ResponseWriter, _ url.Values) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "at-1",
			"token_type":    "Bearer",
			"refresh_token": "rt-1",
			"expires_in":    3600,
			"patient":       "p-42",
			"scope":         "openid patient/*.read",
		})
	})
	c := newClient(t, settings(te.server.URL))

	creds, err := c.ExchangeCode(context.Background(), "code-1", "verifier-1")
	require.NoError(t, err)
	require.Equal(t, "at-1", creds.AccessToken)
	require.Equal(t, "rt-1", creds.RefreshToken)
	require.Equal(t, "p-42", creds.PatientID)
	require.Equal(t, "openid patient/*.read", creds.Scope)
	require.True(t, creds.ExpiresAt.Equal(t0.Add(time.Hour)))

	form := <-te.forms
	require.Equal(t, "authorization_code", form.Get("grant_type"))
	require.Equal(t, "code-1", form.Get("code"))
	require.Equal(t, "verifier-1", form.Get("code_verifier"))
	require.Equal(t, "portal-client", form.Get("client_id"))
	require.Equal(t, "http://localhost:3001/auth/callback", form.Get("redirect_uri"))
	require.Empty(t, form.Get("client_secret"))
}

func TestExchangeCode_ConfidentialClientSendsSecret(t *testing.T) {
	te := newTokenEndpoint(t, func(w http.ResponseWriter, _ url.Values) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "at", "expires_in": 60, "patient": "p"})
	})
	s := settings(te.server.URL)
	s.ClientSecret = "shh"
	c := newClient(t, s)

	_, err := c.ExchangeCode(context.Background(), "code", "verifier")
	require.NoError(t, err)
	require.Equal(t, "shh", (<-te.forms).Get("client_secret"))
}

func TestExchangeCode_DefaultExpiry(t *testing.T) {
	te := newTokenEndpoint(t, func(w http.ResponseWriter, _ url.Values) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "at", "patient": "p"})
	})
	s := settings(te.server.URL)
	s.DefaultAccessTokenExpiry = 15 * time.Minute
	c := newClient(t, s)

	creds, err := c.ExchangeCode(context.Background(), "code", "verifier")
	require.NoError(t, err)
	require.True(t, creds.ExpiresAt.Equal(t0.Add(15*time.Minute)))
	require.Empty(t, creds.RefreshToken)
}

func TestExchangeCode_RequiresPatientContext(t *testing.T) {
	te := newTokenEndpoint(t, func(w http.ResponseWriter, _ url.Values) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "at",
			"refresh_token": "rt",
			"expires_in":    3600,
		})
	})
	c := newClient(t, settings(te.server.URL))

	creds, err := c.ExchangeCode(context.Background(), "code", "verifier")
	require.ErrorIs(t, err, errs.ErrTokenExchange)
	require.Nil(t, creds)
}

func TestExchangeCode_ProviderErrorIsGeneric(t *testing.T) {
	te := newTokenEndpoint(t, func(w http.ResponseWriter, _ url.Values) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":             "invalid_grant",
			"error_description": "secret-provider-detail",
		})
	})
	c := newClient(t, settings(te.server.URL))

	_, err := c.ExchangeCode(context.Background(), "code", "verifier")
	require.ErrorIs(t, err, errs.ErrTokenExchange)
	require.NotContains(t, err.Error(), "secret-provider-detail")
}

func TestExchangeCode_Timeout(t *testing.T) {
	release := make(chan struct{})
	te := newTokenEndpoint(t, func(w http.ResponseWriter, _ url.Values) {
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "late"})
	})
	t.Cleanup(func() { close(release) })

	s := settings(te.server.URL)
	s.Timeout = 50 * time.Millisecond
	c := newClient(t, s)

	start := time.Now()
	_, err := c.ExchangeCode(context.Background(), "code", "verifier")
	require.ErrorIs(t, err, errs.ErrTokenExchange)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRefresh(t *testing.T) {
	var rotate atomic.Bool
	rotate.Store(true)
	te := newTokenEndpoint(t, func(w http.ResponseWriter, _ url.Values) {
		body := map[string]any{"access_token": "at-2", "expires_in": 1800, "patient": "p-42"}
		if rotate.Load() {
			body["refresh_token"] = "rt-2"
		}
		writeJSON(w, http.StatusOK, body)
	})
	c := newClient(t, settings(te.server.URL))

	creds, err := c.Refresh(context.Background(), "rt-1")
	require.NoError(t, err)
	require.Equal(t, "at-2", creds.AccessToken)
	require.Equal(t, "rt-2", creds.RefreshToken)
	require.True(t, creds.ExpiresAt.Equal(t0.Add(30*time.Minute)))

	form := <-te.forms
	require.Equal(t, "refresh_token", form.Get("grant_type"))
	require.Equal(t, "rt-1", form.Get("refresh_token"))
	require.Equal(t, "portal-client", form.Get("client_id"))

	rotate.Store(false)
	creds, err = c.Refresh(context.Background(), "rt-1")
	require.NoError(t, err)
	require.Empty(t, creds.RefreshToken)
}

func TestRefresh_Failures(t *testing.T) {
	c := newClient(t, settings("http://127.0.0.1:1/token"))
	_, err := c.Refresh(context.Background(), "")
	require.ErrorIs(t, err, errs.ErrNoRefreshToken)

	te := newTokenEndpoint(t, func(w http.ResponseWriter, _ url.Values) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
	})
	c = newClient(t, settings(te.server.URL))
	_, err = c.Refresh(context.Background(), "rt-revoked")
	require.ErrorIs(t, err, errs.ErrTokenRefresh)
}

func TestCircuitBreakerOpensOnServerErrors(t *testing.T) {
	te := newTokenEndpoint(t, func(w http.ResponseWriter, _ url.Values) {
		w.WriteHeader(http.StatusBadGateway)
	})
	s := settings(te.server.URL)
	s.BreakerFailures = 2
	s.BreakerCooldown = time.Hour
	c := newClient(t, s)

	for i := 0; i < 5; i++ {
		_, err := c.Refresh(context.Background(), "rt")
		require.ErrorIs(t, err, errs.ErrTokenRefresh)
	}
	require.Equal(t, int32(2), te.calls.Load())
}

func TestCircuitBreakerIgnoresRejectedGrants(t *testing.T) {
	te := newTokenEndpoint(t, func(w http.ResponseWriter, _ url.Values) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
	})
	s := settings(te.server.URL)
	s.BreakerFailures = 2
	c := newClient(t, s)

	for i := 0; i < 5; i++ {
		_, err := c.ExchangeCode(context.Background(), "code", "verifier")
		require.ErrorIs(t, err, errs.ErrTokenExchange)
	}
	require.Equal(t, int32(5), te.calls.Load())
}

func signIDToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return raw
}

func TestExchangeCode_VerifiesIDToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	const issuer = "https://emr.example.org/oauth2/default"
	claims := jwt.MapClaims{
		"iss":      issuer,
		"aud":      "portal-client",
		"sub":      "user-1",
		"exp":      t0.Add(time.Hour).Unix(),
		"iat":      t0.Unix(),
		"fhirUser": "Patient/p-42",
	}
	good := signIDToken(t, key, claims)
	forged := signIDToken(t, other, claims)

	var idToken atomic.Value
	idToken.Store(good)
	te := newTokenEndpoint(t, func(w http.ResponseWriter, _ url.Values) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "at",
			"expires_in":   300,
			"patient":      "p-42",
			"id_token":     idToken.Load(),
		})
	})

	s := settings(te.server.URL)
	s.OIDCIssuer = issuer
	keys := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}
	c := newClient(t, s, oauthclient.WithKeySet(keys))

	creds, err := c.ExchangeCode(context.Background(), "code", "verifier")
	require.NoError(t, err)
	require.Equal(t, "Patient/p-42", creds.FHIRUser)

	idToken.Store(forged)
	_, err = c.ExchangeCode(context.Background(), "code", "verifier")
	require.ErrorIs(t, err, errs.ErrTokenExchange)
}
