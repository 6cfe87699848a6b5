package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/secureflow/secureflow-ids/internal/feed"
	"github.com/secureflow/secureflow-ids/internal/model"
	"github.com/secureflow/secureflow-ids/internal/rules"
)

// ErrorResponse is the body of every non-2xx JSON response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// errorStatus maps domain errors to HTTP status and a stable code
func errorStatus(err error) (int, string) {
	var sigErr *rules.ValidationError
	switch {
	case errors.Is(err, model.ErrInvalidEvent):
		return http.StatusBadRequest, "invalid_event"
	case errors.Is(err, model.ErrInvalidSettings):
		return http.StatusBadRequest, "invalid_settings"
	case errors.Is(err, model.ErrInvalidAddress):
		return http.StatusBadRequest, "invalid_address"
	case errors.Is(err, errInvalidQuery):
		return http.StatusBadRequest, "invalid_query"
	case errors.As(err, &sigErr):
		return http.StatusBadRequest, "invalid_override"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, model.ErrVersionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.Is(err, model.ErrShuttingDown), errors.Is(err, feed.ErrClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, model.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, name := errorStatus(err)
	resp := ErrorResponse{Error: err.Error(), Code: name}

	var vErr *model.ValidationError
	var sigErr *rules.ValidationError
	if errors.As(err, &vErr) {
		resp.Field = vErr.Field
	} else if errors.As(err, &sigErr) {
		resp.Field = sigErr.Field
	}
	writeJSON(w, resp, code)
}

func badRequest(w http.ResponseWriter, code, msg string) {
	writeJSON(w, ErrorResponse{Error: msg, Code: code}, http.StatusBadRequest)
}

// degraded reports a command that was applied in memory but not persisted
func degraded(err error) bool {
	return errors.Is(err, model.ErrStoreUnavailable)
}

func addWarning(resp map[string]any, err error) {
	if err != nil {
		resp["warning"] = err.Error()
		resp["persisted"] = false
	}
}
