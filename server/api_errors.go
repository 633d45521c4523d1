package server

import (
	"encoding/json"
	"net/http"

	errs "github.com/jrsteele09/smart-portal/internal/errors"
	"github.com/rs/zerolog/log"
)

// Stable error codes returned to the frontend
const (
	codeInvalidState    = "INVALID_STATE"
	codeMissingCode     = "MISSING_CODE"
	codeMissingVerifier = "MISSING_VERIFIER"
	codeUnauthorized    = "UNAUTHORIZED"
	codeTokenExpired    = "TOKEN_EXPIRED"
	codeNoRefreshToken  = "NO_REFRESH_TOKEN"
	codeRefreshFailed   = "REFRESH_FAILED"
	codeLoginError      = "LOGIN_ERROR"
	codeFetchError      = "FETCH_ERROR"
	codeCreateError     = "CREATE_ERROR"
	codeInvalidRequest  = "INVALID_REQUEST"
	codeRateLimited     = "RATE_LIMITED"
	codeNotFound        = "NOT_FOUND"
	codeInternal        = "INTERNAL_ERROR"

	messageInternal = "Internal server error"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorBody struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Err(err).Msg("failed to write response")
	}
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorBody{Error: apiError{Code: code, Message: message}})
}

// errorResponse maps the error taxonomy onto HTTP. Messages are fixed strings
// so provider and token details never reach the browser. ErrExpired is
// checked first because it may wrap a refresh failure.
func errorResponse(err error) (status int, code, message string) {
	switch {
	case errs.Is(err, errs.ErrExpired):
		return http.StatusUnauthorized, codeTokenExpired, "Session expired, please log in again"
	case errs.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized, codeUnauthorized, "Not authenticated"
	case errs.Is(err, errs.ErrNoRefreshToken):
		return http.StatusUnauthorized, codeNoRefreshToken, "No refresh token available"
	case errs.Is(err, errs.ErrTokenRefresh):
		return http.StatusInternalServerError, codeRefreshFailed, "Failed to refresh token"
	case errs.Is(err, errs.ErrInvalidState):
		return http.StatusBadRequest, codeInvalidState, "Invalid state parameter"
	case errs.Is(err, errs.ErrMissingCode):
		return http.StatusBadRequest, codeMissingCode, "Missing authorization code"
	case errs.Is(err, errs.ErrMissingVerifier):
		return http.StatusBadRequest, codeMissingVerifier, "Missing code verifier"
	case errs.Is(err, errs.ErrInvalidRequest):
		return http.StatusBadRequest, codeInvalidRequest, "Invalid request"
	default:
		return http.StatusInternalServerError, codeInternal, messageInternal
	}
}
