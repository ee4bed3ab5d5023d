// Package api provides the JSON envelope shared by the agent API, the
// development backend and the remote client.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Deterministic reason codes. Clients match on these, so they stay stable.
const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonSessionExpired  = "session_expired"
	ReasonForbidden       = "forbidden"
	ReasonRateLimited     = "rate_limited"
	ReasonBadRequest      = "bad_request"
	ReasonValidation      = "validation_failed"
	ReasonNotFound        = "not_found"
	ReasonConflict        = "conflict"
	ReasonUnavailable     = "unavailable"
	ReasonInternalError   = "internal_error"
)

// MaxRequestBytes bounds decoded request bodies.
const MaxRequestBytes = 1 << 20

// ErrorEnvelope is the standard error response format.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code       string   `json:"code"`        // HTTP status text
	ReasonCode string   `json:"reason_code"` // deterministic reason code
	Message    string   `json:"message"`
	Details    []string `json:"details,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes a standardized JSON error response.
func WriteError(w http.ResponseWriter, statusCode int, reasonCode, message string, details ...string) {
	WriteJSON(w, statusCode, ErrorEnvelope{
		Error: ErrorDetail{
			Code:       http.StatusText(statusCode),
			ReasonCode: reasonCode,
			Message:    message,
			Details:    details,
		},
	})
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, ReasonNotFound, message)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, ReasonBadRequest, message)
}

func WriteUnauthorized(w http.ResponseWriter, reasonCode, message string) {
	WriteError(w, http.StatusUnauthorized, reasonCode, message)
}

// WriteInternalError writes a 500. Do not put internal details in message.
func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, ReasonInternalError, message)
}

// DecodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// ParseError decodes an error envelope. ok is false when body is not one.
func ParseError(body []byte) (ErrorDetail, bool) {
	var env ErrorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error.ReasonCode == "" {
		return ErrorDetail{}, false
	}
	return env.Error, true
}
