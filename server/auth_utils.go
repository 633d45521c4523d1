package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/smart-portal/internal/config"
	"github.com/jrsteele09/smart-portal/internal/secrets"
)

// sessionCookies issues and reads the signed cookie that carries the session
// ID. The cookie holds no token material, only a jti naming the server-side
// session.
type sessionCookies struct {
	name   string
	key    []byte
	maxAge time.Duration
	secure bool
	now    func() time.Time
}

func newSessionCookies(cfg config.Config, now func() time.Time) (*sessionCookies, error) {
	key, err := secrets.DeriveKey(cfg.GetSessionSecret(), secrets.PurposeCookieSigning)
	if err != nil {
		return nil, fmt.Errorf("[newSessionCookies] %w", err)
	}
	return &sessionCookies{
		name:   cfg.GetSessionCookieName(),
		key:    key,
		maxAge: cfg.GetMaxSessionAge(),
		secure: cfg.GetSecureCookies(),
		now:    now,
	}, nil
}

func (c *sessionCookies) issue(w http.ResponseWriter, sessionID string) error {
	now := c.now()
	claims := jwt.RegisteredClaims{
		ID:        sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.maxAge)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return fmt.Errorf("[sessionCookies issue] failed to sign cookie: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(c.maxAge.Seconds()),
		Expires:  now.Add(c.maxAge),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// read returns the session ID from a valid cookie. Missing, tampered and
// expired cookies all read as "".
func (c *sessionCookies) read(r *http.Request) string {
	cookie, err := r.Cookie(c.name)
	if err != nil || cookie.Value == "" {
		return ""
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims, func(*jwt.Token) (interface{}, error) {
		return c.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(c.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return ""
	}
	return claims.ID
}

func (c *sessionCookies) clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
