package server

import (
	"context"
	"net/http"

	errs "github.com/jrsteele09/smart-portal/internal/errors"
)

// RequireAuth guards the FHIR routes. It resolves the session's access token,
// refreshing it once if expired, and places the credential in the request
// context.
func (s *Server) RequireAuth() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			creds, err := s.auth.AccessToken(r.Context(), s.sessionID(r))
			if err != nil {
				if errs.Is(err, errs.ErrExpired) {
					s.cookies.clear(w)
				}
				status, code, message := errorResponse(err)
				writeAPIError(w, status, code, message)
				return
			}

			ctx := context.WithValue(r.Context(), credentialsKey{}, creds)
			next(w, r.WithContext(ctx))
		}
	}
}
