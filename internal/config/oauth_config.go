package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	openEMRBaseURLVar           = "OPENEMR_BASE_URL"
	fhirBaseURLVar              = "FHIR_BASE_URL"
	oauthClientIDVar            = "OAUTH_CLIENT_ID"
	oauthClientSecretVar        = "OAUTH_CLIENT_SECRET"
	oauthRedirectURIVar         = "OAUTH_REDIRECT_URI"
	oauthScopesVar              = "OAUTH_SCOPES"
	oauthAuthorizationURLVar    = "OAUTH_AUTHORIZATION_URL"
	oauthTokenURLVar            = "OAUTH_TOKEN_URL"
	oauthAudienceVar            = "OAUTH_AUDIENCE"
	oidcIssuerVar               = "OIDC_ISSUER"
	oidcJWKSURLVar              = "OIDC_JWKS_URL"
	tokenTimeoutVar             = "TOKEN_TIMEOUT"
	defaultAccessTokenExpiryVar = "DEFAULT_ACCESS_TOKEN_EXPIRY"
	breakerFailuresVar          = "TOKEN_BREAKER_FAILURES"
	breakerCooldownVar          = "TOKEN_BREAKER_COOLDOWN"
	fhirTimeoutVar              = "FHIR_TIMEOUT"
)

const defaultScopes = "launch/patient patient/Patient.read patient/Observation.read patient/Condition.read " +
	"patient/MedicationRequest.read patient/Appointment.read patient/AllergyIntolerance.read " +
	"api:fhir offline_access fhirUser openid"

type OAuthConfig interface {
	GetClientID() string
	GetClientSecret() string
	GetRedirectURI() string
	GetScopes() string
	GetAuthorizationURL() string
	GetTokenURL() string
	GetAudience() string
	GetFHIRBaseURL() string
	GetOIDCIssuer() string
	GetOIDCJWKSURL() string
	GetTokenTimeout() time.Duration
	GetDefaultAccessTokenExpiry() time.Duration
	GetTokenBreakerFailures() uint32
	GetTokenBreakerCooldown() time.Duration
	GetFHIRTimeout() time.Duration
}

type OAuth struct {
	v *viper.Viper
}

var _ OAuthConfig = OAuth{}

func (o OAuth) GetClientID() string {
	return o.v.GetString(oauthClientIDVar)
}

// GetClientSecret is empty for public clients.
func (o OAuth) GetClientSecret() string {
	return o.v.GetString(oauthClientSecretVar)
}

func (o OAuth) GetRedirectURI() string {
	return o.v.GetString(oauthRedirectURIVar)
}

// GetScopes returns the space separated scope string sent to the provider.
func (o OAuth) GetScopes() string {
	return strings.Join(strings.Fields(o.v.GetString(oauthScopesVar)), " ")
}

func (o OAuth) baseURL() string {
	return strings.TrimSuffix(o.v.GetString(openEMRBaseURLVar), "/")
}

func (o OAuth) GetAuthorizationURL() string {
	if u := o.v.GetString(oauthAuthorizationURLVar); u != "" {
		return u
	}
	return o.baseURL() + "/oauth2/default/authorize"
}

func (o OAuth) GetTokenURL() string {
	if u := o.v.GetString(oauthTokenURLVar); u != "" {
		return u
	}
	return o.baseURL() + "/oauth2/default/token"
}

// GetAudience is the resource server the access token is requested for.
func (o OAuth) GetAudience() string {
	if aud := o.v.GetString(oauthAudienceVar); aud != "" {
		return aud
	}
	return o.GetFHIRBaseURL()
}

func (o OAuth) GetFHIRBaseURL() string {
	if u := o.v.GetString(fhirBaseURLVar); u != "" {
		return strings.TrimSuffix(u, "/")
	}
	return o.baseURL() + "/apis/default/fhir"
}

func (o OAuth) GetOIDCIssuer() string {
	return o.v.GetString(oidcIssuerVar)
}

func (o OAuth) GetOIDCJWKSURL() string {
	return o.v.GetString(oidcJWKSURLVar)
}

// GetTokenTimeout bounds every call to the token endpoint.
func (o OAuth) GetTokenTimeout() time.Duration {
	if d := durationValue(o.v, tokenTimeoutVar); d > 0 {
		return d
	}
	return 10 * time.Second
}

// GetDefaultAccessTokenExpiry applies when a token response has no expires_in.
func (o OAuth) GetDefaultAccessTokenExpiry() time.Duration {
	if d := durationValue(o.v, defaultAccessTokenExpiryVar); d > 0 {
		return d
	}
	return 1 * time.Hour
}

func (o OAuth) GetTokenBreakerFailures() uint32 {
	if n := o.v.GetUint32(breakerFailuresVar); n > 0 {
		return n
	}
	return 5
}

func (o OAuth) GetTokenBreakerCooldown() time.Duration {
	if d := durationValue(o.v, breakerCooldownVar); d > 0 {
		return d
	}
	return 30 * time.Second
}

func (o OAuth) GetFHIRTimeout() time.Duration {
	if d := durationValue(o.v, fhirTimeoutVar); d > 0 {
		return d
	}
	return 30 * time.Second
}
