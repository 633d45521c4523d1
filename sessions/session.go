package sessions

import (
	"time"
)

// AuthorizationState is the pending-login data that only lives between
// /auth/login and /auth/callback.
type AuthorizationState struct {
	CodeVerifier string    `json:"code_verifier"` // PKCE verifier, only ever sent to the token endpoint
	State        string    `json:"state"`         // CSRF token round-tripped through the provider
	CreatedAt    time.Time `json:"created_at"`
}

// CredentialSet holds the tokens for an authenticated session. None of these
// values are ever written to a response.
type CredentialSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"` // empty when the provider issued none
	PatientID    string    `json:"patient_id"`              // SMART launch context the token is scoped to
	Scope        string    `json:"scope,omitempty"`
	FHIRUser     string    `json:"fhir_user,omitempty"` // fhirUser claim from a verified id_token
	ExpiresAt    time.Time `json:"expires_at"`          // absolute, fixed when the token response arrived
}

// IsExpired reports whether the access token can no longer be used at now.
func (c *CredentialSet) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// SessionData is one browser session. It owns at most one pending
// authorization and at most one credential set.
type SessionData struct {
	ID            string              `json:"id"`
	CreatedAt     time.Time           `json:"created_at"`
	ExpiresAt     time.Time           `json:"expires_at"` // server-side eviction time
	Authorization *AuthorizationState `json:"authorization,omitempty"`
	Credentials   *CredentialSet      `json:"credentials,omitempty"`
	// ConsumedState is the CSRF state of the last callback that took the
	// pending authorization. It tells a replayed callback from a forged one.
	ConsumedState string `json:"consumed_state,omitempty"`
}

// IsExpired reports whether the session itself has outlived its max age.
func (s *SessionData) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy so repos never share pointers with callers.
func (s *SessionData) Clone() *SessionData {
	if s == nil {
		return nil
	}
	c := *s
	if s.Authorization != nil {
		a := *s.Authorization
		c.Authorization = &a
	}
	if s.Credentials != nil {
		cr := *s.Credentials
		c.Credentials = &cr
	}
	return &c
}
