// Package oauthclient talks to the SMART authorization server: it builds the
// authorization URL and performs the code and refresh grants. It never
// touches session state.
package oauthclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	errs "github.com/jrsteele09/smart-portal/internal/errors"
	"github.com/jrsteele09/smart-portal/pkce"
	"github.com/jrsteele09/smart-portal/sessions"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
)

const (
	defaultTimeout         = 10 * time.Second
	defaultAccessTokenLife = time.Hour
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 30 * time.Second
)

// Settings describes the registered client and the provider endpoints.
type Settings struct {
	ClientID         string
	ClientSecret     string // optional, public clients leave it empty
	RedirectURI      string
	Scopes           string // space separated
	AuthorizationURL string
	TokenURL         string
	Audience         string // FHIR base URL sent as aud

	Timeout                  time.Duration
	DefaultAccessTokenExpiry time.Duration
	BreakerFailures          uint32
	BreakerCooldown          time.Duration

	// OIDCIssuer and OIDCJWKSURL enable id_token verification when both are set.
	OIDCIssuer  string
	OIDCJWKSURL string
}

// Option configures a Client
type Option func(*Client)

// WithClock overrides the clock used to compute absolute expiry
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithHTTPClient replaces the transport used for token and JWKS requests.
// Its Timeout is overwritten with Settings.Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithKeySet verifies id_tokens against keys instead of fetching OIDCJWKSURL
func WithKeySet(keys oidc.KeySet) Option {
	return func(c *Client) {
		c.keySet = keys
	}
}

// Client is the token endpoint client. It is safe for concurrent use.
type Client struct {
	cfg           *oauth2.Config
	audience      string
	timeout       time.Duration
	defaultExpiry time.Duration
	httpClient    *http.Client
	breaker       *gobreaker.CircuitBreaker
	keySet        oidc.KeySet
	verifier      *oidc.IDTokenVerifier
	now           func() time.Time
}

// New builds a Client from settings
func New(s Settings, opts ...Option) (*Client, error) {
	if s.ClientID == "" {
		return nil, fmt.Errorf("[oauthclient New] client id is required")
	}
	if s.AuthorizationURL == "" || s.TokenURL == "" {
		return nil, fmt.Errorf("[oauthclient New] authorization and token urls are required")
	}

	c := &Client{
		cfg: &oauth2.Config{
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			RedirectURL:  s.RedirectURI,
			Scopes:       strings.Fields(s.Scopes),
			Endpoint: oauth2.Endpoint{
				AuthURL:   s.AuthorizationURL,
				TokenURL:  s.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		audience:      s.Audience,
		timeout:       s.Timeout,
		defaultExpiry: s.DefaultAccessTokenExpiry,
		now:           time.Now,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.defaultExpiry <= 0 {
		c.defaultExpiry = defaultAccessTokenLife
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	c.httpClient.Timeout = c.timeout

	c.breaker = newBreaker(s.BreakerFailures, s.BreakerCooldown)

	if s.OIDCIssuer != "" && (s.OIDCJWKSURL != "" || c.keySet != nil) {
		if c.keySet == nil {
			c.keySet = oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), c.httpClient), s.OIDCJWKSURL)
		}
		c.verifier = oidc.NewVerifier(s.OIDCIssuer, c.keySet, &oidc.Config{
			ClientID: s.ClientID,
			Now:      func() time.Time { return c.now() },
		})
	}
	return c, nil
}

func newBreaker(failures uint32, cooldown time.Duration) *gobreaker.CircuitBreaker {
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "token-endpoint",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
		// A rejected grant is the caller's problem, not an unhealthy provider.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var re *oauth2.RetrieveError
			return errs.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError
		},
	})
}

// AuthorizationURL returns the provider URL the browser is redirected to.
// It is a pure function of its inputs and the client settings.
func (c *Client) AuthorizationURL(state, challenge string) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.MethodS256),
	}
	if c.audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("aud", c.audience))
	}
	return c.cfg.AuthCodeURL(state, opts...)
}

// ExchangeCode redeems an authorization code for a credential set.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (*sessions.CredentialSet, error) {
	tok, err := c.call(ctx, func(ctx context.Context) (*oauth2.Token, error) {
		return c.cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	})
	if err != nil {
		return nil, errs.Tag(errs.ErrTokenExchange, describe(err))
	}
	creds, err := c.credentials(ctx, tok)
	if err != nil {
		return nil, errs.Tag(errs.ErrTokenExchange, err)
	}
	// every FHIR read is scoped to this patient
	if creds.PatientID == "" {
		return nil, errs.Tag(errs.ErrTokenExchange, fmt.Errorf("token response has no patient context"))
	}
	return creds, nil
}

// Refresh performs a refresh_token grant. The returned RefreshToken is empty
// when the provider did not issue a new one.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*sessions.CredentialSet, error) {
	if refreshToken == "" {
		return nil, errs.ErrNoRefreshToken
	}
	tok, err := c.call(ctx, func(ctx context.Context) (*oauth2.Token, error) {
		return c.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	})
	if err != nil {
		return nil, errs.Tag(errs.ErrTokenRefresh, describe(err))
	}
	// x/oauth2 copies the presented refresh token into responses that omit one.
	if tok.RefreshToken == refreshToken {
		tok.RefreshToken = ""
	}
	creds, err := c.credentials(ctx, tok)
	if err != nil {
		return nil, errs.Tag(errs.ErrTokenRefresh, err)
	}
	return creds, nil
}

// call runs a token request under the timeout and the circuit breaker
func (c *Client) call(ctx context.Context, fn func(ctx context.Context) (*oauth2.Token, error)) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.(*oauth2.Token), nil
}

// credentials maps a token response onto a CredentialSet
func (c *Client) credentials(ctx context.Context, tok *oauth2.Token) (*sessions.CredentialSet, error) {
	lifetime := c.defaultExpiry
	if tok.ExpiresIn > 0 {
		lifetime = time.Duration(tok.ExpiresIn) * time.Second
	}

	creds := &sessions.CredentialSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		PatientID:    extraString(tok, "patient"),
		Scope:        extraString(tok, "scope"),
		ExpiresAt:    c.now().Add(lifetime),
	}

	if rawIDToken := extraString(tok, "id_token"); rawIDToken != "" && c.verifier != nil {
		idToken, err := c.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			log.Debug().Err(err).Msg("id_token verification failed")
			return nil, fmt.Errorf("id_token rejected")
		}
		var claims struct {
			FHIRUser string `json:"fhirUser"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("id_token claims unreadable")
		}
		creds.FHIRUser = claims.FHIRUser
	}
	return creds, nil
}

func extraString(tok *oauth2.Token, key string) string {
	if v, ok := tok.Extra(key).(string); ok {
		return v
	}
	return ""
}

// describe strips provider response bodies out of err. The body is logged at
// debug level and nowhere else.
func describe(err error) error {
	var re *oauth2.RetrieveError
	if errs.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		log.Debug().Int("status", status).Str("body", string(re.Body)).Msg("token endpoint rejected request")
		if re.ErrorCode != "" {
			return fmt.Errorf("token endpoint returned %d (%s)", status, re.ErrorCode)
		}
		return fmt.Errorf("token endpoint returned %d", status)
	}
	if errs.Is(err, gobreaker.ErrOpenState) || errs.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("token endpoint unavailable: %w", err)
	}
	if errs.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("token endpoint timed out: %w", context.DeadlineExceeded)
	}
	log.Debug().Err(err).Msg("token endpoint request failed")
	return fmt.Errorf("token endpoint request failed")
}
