package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jrsteele09/smart-portal/auth"
	"github.com/jrsteele09/smart-portal/internal/config"
	"github.com/jrsteele09/smart-portal/sessions"
	"github.com/rs/zerolog/log"
)

// FHIRClient is the subset of fhir.Client the handlers use.
type FHIRClient interface {
	Patient(ctx context.Context, accessToken, patientID string) (json.RawMessage, error)
	Observations(ctx context.Context, accessToken, patientID, category string) (json.RawMessage, error)
	Conditions(ctx context.Context, accessToken, patientID string) (json.RawMessage, error)
	Medications(ctx context.Context, accessToken, patientID string) (json.RawMessage, error)
	Allergies(ctx context.Context, accessToken, patientID string) (json.RawMessage, error)
	Appointments(ctx context.Context, accessToken, patientID string) (json.RawMessage, error)
	CreateAppointment(ctx context.Context, accessToken, patientID string, resource []byte) (json.RawMessage, error)
}

type Server struct {
	env         string // Environment (e.g., "DEV", "PROD")
	mux         *http.ServeMux
	handler     http.HandlerFunc
	routes      []string
	config      config.Config
	auth        *auth.AuthorizationService
	fhir        FHIRClient
	cookies     *sessionCookies
	rateLimiter *ipRateLimiter
	nowTime     func() time.Time
	healthCheck func(ctx context.Context) error
}

// ServerOption defines a function type to modify the Server instance.
type ServerOption func(*Server)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ServerOption {
	return func(s *Server) {
		s.nowTime = nowFunc
	}
}

// WithHealthCheck makes /health report degraded when check fails
func WithHealthCheck(check func(ctx context.Context) error) ServerOption {
	return func(s *Server) {
		s.healthCheck = check
	}
}

func New(config config.Config, authService *auth.AuthorizationService, fhirClient FHIRClient, options ...ServerOption) (*Server, error) {
	if authService == nil {
		return nil, fmt.Errorf("[Server New] authorization service is required")
	}
	if fhirClient == nil {
		return nil, fmt.Errorf("[Server New] fhir client is required")
	}

	s := &Server{
		env:     config.GetEnv(),
		mux:     http.NewServeMux(),
		config:  config,
		auth:    authService,
		fhir:    fhirClient,
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(s)
	}

	cookies, err := newSessionCookies(config, func() time.Time { return s.nowTime() })
	if err != nil {
		return nil, fmt.Errorf("[Server New] failed to create session cookies: %w", err)
	}
	s.cookies = cookies

	rps, burst := config.GetLoginRateLimit()
	s.rateLimiter = newIPRateLimiter(rps, burst)

	s.initRoutes()
	s.handler = ChainMiddleware(s.mux.ServeHTTP, s.RecoverMiddleware, s.LoggingMiddleware, s.CorsMiddleware)
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler(w, r)
}

// StartSessionSweeper evicts expired sessions every interval until ctx is done.
func (s *Server) StartSessionSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.auth.Store().Sweep(ctx)
				if err != nil {
					log.Err(err).Msg("session sweep failed")
					continue
				}
				if removed > 0 {
					log.Debug().Int("removed", removed).Msg("expired sessions evicted")
				}
			}
		}
	}()
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			logRoute(parts[0], parts[1])
		} else {
			logRoute("", parts[0])
		}
	}
}

func logRoute(method, path string) {
	log.Info().Msgf("[ %s ] %s", colourMethod(method), path)
}

// sessionID returns the session ID carried by a valid cookie, or "".
func (s *Server) sessionID(r *http.Request) string {
	return s.cookies.read(r)
}

type credentialsKey struct{}

func credentialsFromContext(ctx context.Context) *sessions.CredentialSet {
	creds, _ := ctx.Value(credentialsKey{}).(*sessions.CredentialSet)
	return creds
}
