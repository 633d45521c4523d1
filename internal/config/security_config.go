package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	sessionSecretVar        = "SESSION_SECRET"
	sessionMaxAgeVar        = "SESSION_MAX_AGE"
	sessionCookieNameVar    = "SESSION_COOKIE_NAME"
	sessionStoreVar         = "SESSION_STORE"
	sessionDBFileVar        = "SESSION_DB_FILE"
	sessionSweepIntervalVar = "SESSION_SWEEP_INTERVAL"
	loginRateLimitRPSVar    = "LOGIN_RATE_LIMIT_RPS"
	loginRateLimitBurstVar  = "LOGIN_RATE_LIMIT_BURST"
)

type SecurityConfig interface {
	GetSessionSecret() string
	GetMaxSessionAge() time.Duration
	GetSessionCookieName() string
	GetSecureCookies() bool
	GetSessionStore() string
	GetSessionDBFile() string
	GetSessionSweepInterval() time.Duration
	GetLoginRateLimit() (rps float64, burst int)
}

type Security struct {
	v *viper.Viper
}

var _ SecurityConfig = Security{}

func (s Security) GetSessionSecret() string {
	return s.v.GetString(sessionSecretVar)
}

func (s Security) GetMaxSessionAge() time.Duration {
	if d := millisOrDurationValue(s.v, sessionMaxAgeVar); d > 0 {
		return d
	}
	return 1 * time.Hour
}

func (s Security) GetSessionCookieName() string {
	return s.v.GetString(sessionCookieNameVar)
}

// GetSecureCookies is only enabled in production so local http works.
func (s Security) GetSecureCookies() bool {
	return EnvVars{v: s.v}.IsProduction()
}

// GetSessionStore is either "memory" or "sqlite".
func (s Security) GetSessionStore() string {
	return s.v.GetString(sessionStoreVar)
}

func (s Security) GetSessionDBFile() string {
	return s.v.GetString(sessionDBFileVar)
}

func (s Security) GetSessionSweepInterval() time.Duration {
	if d := durationValue(s.v, sessionSweepIntervalVar); d > 0 {
		return d
	}
	return 5 * time.Minute
}

func (s Security) GetLoginRateLimit() (float64, int) {
	return s.v.GetFloat64(loginRateLimitRPSVar), s.v.GetInt(loginRateLimitBurstVar)
}
