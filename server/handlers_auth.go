package server

import (
	"context"
	"net/http"
	"time"

	"github.com/jrsteele09/smart-portal/auth"
	errs "github.com/jrsteele09/smart-portal/internal/errors"
	"github.com/rs/zerolog/log"
)

const healthCheckTimeout = 2 * time.Second

type messageResponse struct {
	Message string `json:"message"`
}

type refreshResponse struct {
	Message   string `json:"message"`
	ExpiresIn int64  `json:"expiresIn"` // seconds
	ExpiresAt int64  `json:"expiresAt"` // unix milliseconds
}

type statusResponse struct {
	Authenticated bool    `json:"authenticated"`
	PatientID     *string `json:"patientId"`
	ExpiresAt     *int64  `json:"expiresAt"`
	Expired       bool    `json:"expired"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Environment string `json:"environment"`
}

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if s.healthCheck != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			err := s.healthCheck(ctx)
			cancel()
			if err != nil {
				log.Err(err).Msg("health check failed")
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, healthResponse{
			Status:      status,
			Timestamp:   s.nowTime().UTC().Format(time.RFC3339),
			Environment: s.env,
		})
	}
}

// LoginHandler starts the authorization code flow and redirects the browser
// to the provider.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		current := s.sessionID(r)

		sessionID, err := s.auth.EnsureSession(ctx, current)
		if err != nil {
			log.Err(err).Msg("failed to open session")
			writeAPIError(w, http.StatusInternalServerError, codeLoginError, "Failed to initiate login")
			return
		}
		if sessionID != current {
			if err := s.cookies.issue(w, sessionID); err != nil {
				log.Err(err).Msg("failed to issue session cookie")
				writeAPIError(w, http.StatusInternalServerError, codeLoginError, "Failed to initiate login")
				return
			}
		}

		authURL, err := s.auth.Login(ctx, sessionID)
		if err != nil {
			log.Err(err).Str("session", sessionID).Msg("failed to begin authorization")
			writeAPIError(w, http.StatusInternalServerError, codeLoginError, "Failed to initiate login")
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// CallbackHandler receives the provider redirect. Request-shaped failures get
// a 400 JSON body; everything else sends the browser back to the portal with
// an error marker.
func (s *Server) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		params := auth.CallbackParams{
			State: q.Get("state"),
			Code:  q.Get("code"),
			Error: q.Get("error"),
		}

		_, err := s.auth.Callback(r.Context(), s.sessionID(r), params)
		switch {
		case err == nil:
			http.Redirect(w, r, s.config.GetFrontendURL()+frontendDashboardPath, http.StatusFound)
		case errs.Is(err, errs.ErrInvalidState), errs.Is(err, errs.ErrMissingCode), errs.Is(err, errs.ErrMissingVerifier):
			status, code, message := errorResponse(err)
			writeAPIError(w, status, code, message)
		default:
			http.Redirect(w, r, s.config.GetFrontendURL()+frontendAuthFailed, http.StatusFound)
		}
	}
}

func (s *Server) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds, err := s.auth.Refresh(r.Context(), s.sessionID(r))
		if err != nil {
			if errs.Is(err, errs.ErrTokenRefresh) {
				s.cookies.clear(w)
			}
			status, code, message := errorResponse(err)
			writeAPIError(w, status, code, message)
			return
		}

		expiresIn := creds.ExpiresAt.Sub(s.nowTime())
		if expiresIn < 0 {
			expiresIn = 0
		}
		writeJSON(w, http.StatusOK, refreshResponse{
			Message:   "Token refreshed successfully",
			ExpiresIn: int64(expiresIn / time.Second),
			ExpiresAt: creds.ExpiresAt.UnixMilli(),
		})
	}
}

func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.auth.Logout(r.Context(), s.sessionID(r))
		s.cookies.clear(w)
		writeJSON(w, http.StatusOK, messageResponse{Message: "Logged out successfully"})
	}
}

func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := s.auth.Status(r.Context(), s.sessionID(r))

		resp := statusResponse{
			Authenticated: status.Authenticated,
			Expired:       status.Expired,
		}
		if status.Authenticated {
			patientID := status.PatientID
			resp.PatientID = &patientID
			if status.ExpiresAt != nil {
				ms := status.ExpiresAt.UnixMilli()
				resp.ExpiresAt = &ms
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
