// Package fhir is a thin client for the patient-scoped FHIR R4 reads the
// portal proxies, authenticated with the session's bearer token.
package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	errs "github.com/jrsteele09/smart-portal/internal/errors"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	contentType      = "application/fhir+json"
	observationCount = "100"
	maxResponseBytes = 10 << 20
	defaultTimeout   = 30 * time.Second
)

var errMissingPatient = errs.Wrapf(errs.ErrInvalidRequest, "patient id is required")

// Client performs FHIR requests against a single base URL
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client. A zero timeout selects a default.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Patient reads Patient/{id}
func (c *Client) Patient(ctx context.Context, accessToken, patientID string) (json.RawMessage, error) {
	if patientID == "" {
		return nil, errMissingPatient
	}
	return c.do(ctx, http.MethodGet, accessToken, "Patient/"+url.PathEscape(patientID), nil, nil)
}

// Observations searches the patient's observations, optionally by category
func (c *Client) Observations(ctx context.Context, accessToken, patientID, category string) (json.RawMessage, error) {
	if patientID == "" {
		return nil, errMissingPatient
	}
	q := url.Values{"patient": {patientID}, "_count": {observationCount}}
	if category != "" {
		q.Set("category", category)
	}
	return c.do(ctx, http.MethodGet, accessToken, "Observation", q, nil)
}

func (c *Client) Conditions(ctx context.Context, accessToken, patientID string) (json.RawMessage, error) {
	return c.search(ctx, accessToken, "Condition", patientID)
}

func (c *Client) Medications(ctx context.Context, accessToken, patientID string) (json.RawMessage, error) {
	return c.search(ctx, accessToken, "MedicationRequest", patientID)
}

func (c *Client) Allergies(ctx context.Context, accessToken, patientID string) (json.RawMessage, error) {
	return c.search(ctx, accessToken, "AllergyIntolerance", patientID)
}

func (c *Client) Appointments(ctx context.Context, accessToken, patientID string) (json.RawMessage, error) {
	return c.search(ctx, accessToken, "Appointment", patientID)
}

// CreateAppointment posts an Appointment on behalf of patientID. The resource
// may only reference that patient; if it references none, the patient is
// added as an accepted participant.
func (c *Client) CreateAppointment(ctx context.Context, accessToken, patientID string, resource []byte) (json.RawMessage, error) {
	if patientID == "" {
		return nil, errMissingPatient
	}
	body, err := scopeAppointment(resource, patientID)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, accessToken, "Appointment", nil, body)
}

func scopeAppointment(resource []byte, patientID string) ([]byte, error) {
	if !gjson.ValidBytes(resource) || !gjson.ParseBytes(resource).IsObject() {
		return nil, errs.Wrapf(errs.ErrInvalidRequest, "appointment body is not a JSON object")
	}
	if rt := gjson.GetBytes(resource, "resourceType").String(); rt != "Appointment" {
		return nil, errs.Wrapf(errs.ErrInvalidRequest, "unexpected resourceType %q", rt)
	}

	self := "Patient/" + patientID
	found := false
	foreign := false
	gjson.GetBytes(resource, "participant.#.actor.reference").ForEach(func(_, ref gjson.Result) bool {
		id, ok := patientReference(ref.String())
		switch {
		case !ok:
		case id == patientID:
			found = true
		default:
			foreign = true
			return false
		}
		return true
	})
	if foreign {
		return nil, errs.Wrapf(errs.ErrInvalidRequest, "appointment references another patient")
	}
	if found {
		return resource, nil
	}

	participant := map[string]any{
		"actor":  map[string]string{"reference": self},
		"status": "accepted",
	}
	var out []byte
	var err error
	if gjson.GetBytes(resource, "participant").IsArray() {
		out, err = sjson.SetBytes(resource, "participant.-1", participant)
	} else {
		out, err = sjson.SetBytes(resource, "participant", []any{participant})
	}
	if err != nil {
		return nil, errs.Tag(errs.ErrInvalidRequest, err)
	}
	return out, nil
}

// patientReference extracts the patient ID from a relative, absolute or
// versioned Patient reference.
func patientReference(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	segments := strings.Split(strings.TrimRight(ref, "/"), "/")
	if len(segments) < 2 || segments[len(segments)-2] != "Patient" {
		return "", false
	}
	id, err := url.PathUnescape(segments[len(segments)-1])
	if err != nil {
		id = segments[len(segments)-1]
	}
	return id, true
}

func (c *Client) search(ctx context.Context, accessToken, resourceType, patientID string) (json.RawMessage, error) {
	if patientID == "" {
		return nil, errMissingPatient
	}
	return c.do(ctx, http.MethodGet, accessToken, resourceType, url.Values{"patient": {patientID}}, nil)
}

func (c *Client) do(ctx context.Context, method, accessToken, path string, query url.Values, body []byte) (json.RawMessage, error) {
	target := c.baseURL + "/" + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, errs.Tag(errs.ErrUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", contentType)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("method", method).Str("path", path).Msg("fhir request failed")
		return nil, errs.Tag(errs.ErrUpstream, fmt.Errorf("%s %s: transport error", method, path))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errs.Tag(errs.ErrUpstream, fmt.Errorf("%s %s: read body: %w", method, path, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Debug().
			Int("status", resp.StatusCode).
			Str("path", path).
			Str("issue", gjson.GetBytes(data, "issue.0.diagnostics").String()).
			Msg("fhir server returned an error")
		return nil, errs.Tag(errs.ErrUpstream, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
	}
	if !gjson.ValidBytes(data) {
		return nil, errs.Tag(errs.ErrUpstream, fmt.Errorf("%s %s: response is not JSON", method, path))
	}

	log.Debug().
		Str("path", path).
		Str("resourceType", gjson.GetBytes(data, "resourceType").String()).
		Int64("total", gjson.GetBytes(data, "total").Int()).
		Msg("fhir response")
	return json.RawMessage(data), nil
}
