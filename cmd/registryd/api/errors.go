package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hangarproj/hangar/lib/image"
	"github.com/hangarproj/hangar/lib/logger"
	"github.com/hangarproj/hangar/lib/registry"
	"github.com/hangarproj/hangar/lib/store"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps domain error kinds onto status codes. Every failure is a
// distinguishable kind plus a human-readable message; partial successes are
// never reported as success.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	var code string

	switch {
	case errors.Is(err, image.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, image.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, image.ErrInvalidTransition):
		status, code = http.StatusBadRequest, "invalid_state_transition"
	case errors.Is(err, image.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case image.IsValidation(err):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, registry.ErrPayloadTooLarge):
		status, code = http.StatusRequestEntityTooLarge, "payload_too_large"
	case errors.Is(err, store.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, "backend_unavailable"
	case errors.Is(err, store.ErrBlobNotFound),
		errors.Is(err, store.ErrUnknownScheme),
		errors.Is(err, store.ErrReadOnly):
		status, code = http.StatusBadGateway, "backend_error"
	default:
		status, code = http.StatusInternalServerError, "internal_error"
		logger.FromContext(r.Context()).ErrorContext(r.Context(), "request failed", "error", err)
	}

	writeJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
