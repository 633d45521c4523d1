package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const insecureSessionSecret = "change-this-secret"

type Config interface {
	EnvConfig
	CorsConfig
	OAuthConfig
	SecurityConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	IsProduction() bool
	GetLogLevel() string
	GetLogFile() string
	GetFrontendURL() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type mainConfig struct {
	EnvVars
	Cors
	OAuth
	Security
}

// settings is the validated view of the values the server cannot start without.
type settings struct {
	ClientID         string `validate:"required"`
	RedirectURI      string `validate:"required,url"`
	AuthorizationURL string `validate:"required,url"`
	TokenURL         string `validate:"required,url"`
	FHIRBaseURL      string `validate:"required,url"`
	FrontendURL      string `validate:"required,url"`
	SessionSecret    string `validate:"required,min=16"`
	SessionStore     string `validate:"oneof=memory sqlite"`
	OIDCIssuer       string `validate:"omitempty,url,required_with=OIDCJWKSURL"`
	OIDCJWKSURL      string `validate:"omitempty,url,required_with=OIDCIssuer"`
}

// Option customises how New loads configuration.
type Option func(*loader)

type loader struct {
	envFile string
}

// WithEnvFile reads dotenv-style settings from path. Environment variables
// still take precedence.
func WithEnvFile(path string) Option {
	return func(l *loader) {
		l.envFile = path
	}
}

// New loads configuration from the environment (and an optional .env file)
// and validates it. A missing OAUTH_CLIENT_ID is reported as an error.
func New(opts ...Option) (Config, error) {
	l := loader{envFile: ".env"}
	for _, opt := range opts {
		opt(&l)
	}

	v := viper.New()
	v.SetConfigFile(l.envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil && l.envFile != ".env" {
		return nil, fmt.Errorf("[config New] failed to read %s: %w", l.envFile, err)
	}

	c := mainConfig{
		EnvVars:  EnvVars{v: v},
		Cors:     Cors{v: v},
		OAuth:    OAuth{v: v},
		Security: Security{v: v},
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c mainConfig) validate() error {
	s := settings{
		ClientID:         c.GetClientID(),
		RedirectURI:      c.GetRedirectURI(),
		AuthorizationURL: c.GetAuthorizationURL(),
		TokenURL:         c.GetTokenURL(),
		FHIRBaseURL:      c.GetFHIRBaseURL(),
		FrontendURL:      c.GetFrontendURL(),
		SessionSecret:    c.GetSessionSecret(),
		SessionStore:     c.GetSessionStore(),
		OIDCIssuer:       c.GetOIDCIssuer(),
		OIDCJWKSURL:      c.GetOIDCJWKSURL(),
	}
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("[config New] invalid configuration: %w", err)
	}
	if c.IsProduction() && s.SessionSecret == insecureSessionSecret {
		return fmt.Errorf("[config New] %s must be changed in production", sessionSecretVar)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(portEnvVar, "3001")
	v.SetDefault(appNameVar, "SMART Portal")
	v.SetDefault(envVar, "DEV")
	v.SetDefault(logLevelVar, "info")
	v.SetDefault(frontendURLVar, "http://localhost:3000")

	v.SetDefault(openEMRBaseURLVar, "http://localhost:8080")
	v.SetDefault(oauthRedirectURIVar, "http://localhost:3001/auth/callback")
	v.SetDefault(oauthScopesVar, defaultScopes)
	v.SetDefault(tokenTimeoutVar, "10s")
	v.SetDefault(defaultAccessTokenExpiryVar, "1h")
	v.SetDefault(breakerFailuresVar, 5)
	v.SetDefault(breakerCooldownVar, "30s")
	v.SetDefault(fhirTimeoutVar, "30s")

	v.SetDefault(sessionSecretVar, insecureSessionSecret)
	v.SetDefault(sessionMaxAgeVar, "3600000")
	v.SetDefault(sessionCookieNameVar, "portal.sid")
	v.SetDefault(sessionStoreVar, "memory")
	v.SetDefault(sessionDBFileVar, "./sessions.db")
	v.SetDefault(sessionSweepIntervalVar, "5m")
	v.SetDefault(loginRateLimitRPSVar, 5)
	v.SetDefault(loginRateLimitBurstVar, 10)
}

// durationValue parses a Go duration string ("90s"). Values without a unit
// are rejected and read as unset.
func durationValue(v *viper.Viper, key string) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return 0
	}
	return d
}

// millisOrDurationValue also reads a bare integer as milliseconds, matching
// SESSION_MAX_AGE=3600000 style settings.
func millisOrDurationValue(v *viper.Viper, key string) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return durationValue(v, key)
}

func listValue(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range strings.Split(v.GetString(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
