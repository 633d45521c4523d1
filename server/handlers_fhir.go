package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	errs "github.com/jrsteele09/smart-portal/internal/errors"
	"github.com/rs/zerolog/log"
)

const maxAppointmentBytes = 64 << 10

type fhirRead func(ctx context.Context, accessToken, patientID string) (json.RawMessage, error)

// proxyRead serves a patient-scoped FHIR read with the guarded credential.
func (s *Server) proxyRead(read fhirRead, failure string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds := credentialsFromContext(r.Context())
		if creds == nil {
			writeAPIError(w, http.StatusUnauthorized, codeUnauthorized, "Not authenticated")
			return
		}

		body, err := read(r.Context(), creds.AccessToken, creds.PatientID)
		if err != nil {
			log.Err(err).Str("path", r.URL.Path).Msg("fhir read failed")
			writeAPIError(w, http.StatusInternalServerError, codeFetchError, failure)
			return
		}
		writeRaw(w, http.StatusOK, body)
	}
}

func (s *Server) PatientHandler() http.HandlerFunc {
	return s.proxyRead(s.fhir.Patient, "Failed to fetch patient data")
}

func (s *Server) ObservationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		category := r.URL.Query().Get("category")
		read := func(ctx context.Context, accessToken, patientID string) (json.RawMessage, error) {
			return s.fhir.Observations(ctx, accessToken, patientID, category)
		}
		s.proxyRead(read, "Failed to fetch observations")(w, r)
	}
}

func (s *Server) ConditionsHandler() http.HandlerFunc {
	return s.proxyRead(s.fhir.Conditions, "Failed to fetch conditions")
}

func (s *Server) MedicationsHandler() http.HandlerFunc {
	return s.proxyRead(s.fhir.Medications, "Failed to fetch medications")
}

func (s *Server) AllergiesHandler() http.HandlerFunc {
	return s.proxyRead(s.fhir.Allergies, "Failed to fetch allergies")
}

func (s *Server) AppointmentsHandler() http.HandlerFunc {
	return s.proxyRead(s.fhir.Appointments, "Failed to fetch appointments")
}

func (s *Server) CreateAppointmentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds := credentialsFromContext(r.Context())
		if creds == nil {
			writeAPIError(w, http.StatusUnauthorized, codeUnauthorized, "Not authenticated")
			return
		}

		resource, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAppointmentBytes))
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid appointment body")
			return
		}

		created, err := s.fhir.CreateAppointment(r.Context(), creds.AccessToken, creds.PatientID, resource)
		if err != nil {
			if errs.Is(err, errs.ErrInvalidRequest) {
				writeAPIError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid appointment body")
				return
			}
			log.Err(err).Msg("appointment create failed")
			writeAPIError(w, http.StatusInternalServerError, codeCreateError, "Failed to create appointment")
			return
		}
		writeRaw(w, http.StatusCreated, created)
	}
}

func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		log.Err(err).Msg("failed to write response")
	}
}
