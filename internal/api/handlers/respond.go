// Package handlers provides the HTTP handlers of the nurse API.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/epis/medadmin/internal/domain/dosing"
	fhir "github.com/epis/medadmin/internal/fhir/r5"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch dosing.Kind(err) {
	case "invalid_input":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "conflicting_write":
		return http.StatusConflict
	case "data_unavailable":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message, kind string, code int) {
	writeJSON(w, code, ErrorResponse{Error: message, Kind: kind})
}

// writeError replies with the mapped status. Server-side failures are
// logged and their detail is not exposed.
func writeError(w http.ResponseWriter, logger *zap.Logger, requestID string, err error) {
	code := StatusFor(err)
	kind := dosing.Kind(err)
	msg := err.Error()

	switch {
	case code == http.StatusServiceUnavailable:
		logger.Warn("store unavailable", zap.String("request_id", requestID), zap.Error(err))
		msg = "data temporarily unavailable, retry later"
	case code >= http.StatusInternalServerError:
		logger.Error("request failed", zap.String("request_id", requestID), zap.Error(err))
		msg = "internal server error"
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	jsonError(w, msg, kind, code)
}

func writeFHIR(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// outcomeCodes maps error kinds to FHIR issue-type codes.
var outcomeCodes = map[string]string{
	"invalid_input":     "invalid",
	"not_found":         "not-found",
	"conflicting_write": "conflict",
	"data_unavailable":  "transient",
}

// writeOutcome is writeError for FHIR routes; the body is an
// OperationOutcome.
func writeOutcome(w http.ResponseWriter, logger *zap.Logger, requestID string, err error) {
	code := StatusFor(err)
	msg := err.Error()
	issue, ok := outcomeCodes[dosing.Kind(err)]
	if !ok {
		issue = "exception"
	}
	switch {
	case code == http.StatusServiceUnavailable:
		logger.Warn("store unavailable", zap.String("request_id", requestID), zap.Error(err))
		msg = "data temporarily unavailable, retry later"
		w.Header().Set("Retry-After", "5")
	case code >= http.StatusInternalServerError:
		logger.Error("request failed", zap.String("request_id", requestID), zap.Error(err))
		msg = "internal server error"
	}
	writeFHIR(w, code, fhir.NewErrorOutcome(issue, msg))
}

// parseDay reads the day query parameter. A missing day means today in loc.
func parseDay(r *http.Request, now time.Time, loc *time.Location) (dosing.Day, error) {
	v := strings.TrimSpace(r.URL.Query().Get("day"))
	if v == "" {
		return dosing.DayOf(now, loc), nil
	}
	return dosing.ParseDay(v)
}
