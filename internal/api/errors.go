package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"will-go/internal/will"
)

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, will.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, will.ErrNotAuthorized),
		errors.Is(err, will.ErrNotOwner),
		errors.Is(err, will.ErrNotExecutor):
		return http.StatusForbidden
	case errors.Is(err, will.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, will.ErrAlreadyExecuted),
		errors.Is(err, will.ErrExecutionInProgress):
		return http.StatusConflict
	case errors.Is(err, will.ErrInsufficientBalance),
		errors.Is(err, will.ErrTransferFailed),
		errors.Is(err, will.ErrNotInitialized):
		return http.StatusUnprocessableEntity
	case errors.Is(err, will.ErrEmergencyNotReady):
		return http.StatusTooEarly
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeFailure reports a domain error. Internal errors are logged and
// their detail is withheld from the client.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	resp := errorResponse{Error: err.Error(), Retryable: will.IsRetryable(err)}
	if kind := will.FailureKind(err); kind != nil {
		resp.Kind = kind.Error()
	}
	writeJSON(w, status, resp)
}
