package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/moodrop/moodrop-core/internal/inventory"
	"github.com/moodrop/moodrop-core/internal/orchestrator"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeNotFound      = "not_found"
	ErrCodeUnauthorized  = "unauthorised"
	ErrCodeConflict      = "conflict"
	ErrCodeBusy          = "operation_in_flight"
	ErrCodeDeviceTimeout = "device_timeout"
	ErrCodePublishFailed = "publish_failed"
	ErrCodeInternal      = "internal_error"
	ErrCodeValidation    = "validation_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeCommandError maps orchestration errors to HTTP status codes.
//
// Validation failures are the caller's fault (400). Admission and stock
// conflicts are 409 so clients can retry. A device that never answered is
// 504 and a broker that refused the publish is 502, since in both cases
// the request itself was well formed.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, orchestrator.ErrNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, orchestrator.ErrOperationInFlight):
		writeError(w, http.StatusConflict, ErrCodeBusy, err.Error())
	case errors.Is(err, orchestrator.ErrConflict), errors.Is(err, inventory.ErrInsufficientStock):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, orchestrator.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeDeviceTimeout, err.Error())
	case errors.Is(err, orchestrator.ErrPublishFailed):
		writeError(w, http.StatusBadGateway, ErrCodePublishFailed, err.Error())
	default:
		writeInternalError(w, "internal server error")
	}
}
