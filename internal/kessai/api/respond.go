package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Treynis/ejbca/internal/kessai/approvals"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to encode JSON response", "err", err)
	}
}

func writeError(w http.ResponseWriter, code int, reason, msg string) {
	writeJSON(w, code, errorResponse{Error: reason, Message: msg})
}

// statusFor maps engine outcomes to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, approvals.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, approvals.ErrRequestExpired):
		return http.StatusGone
	case errors.Is(err, approvals.ErrAuthorizationDenied), errors.Is(err, approvals.ErrSelfApproval):
		return http.StatusForbidden
	case errors.Is(err, approvals.ErrWrongState), errors.Is(err, approvals.ErrAlreadyApproved),
		errors.Is(err, approvals.ErrAlreadyPending), errors.Is(err, approvals.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, approvals.ErrExecutionFailed):
		return http.StatusFailedDependency
	case approvals.IsInvalidAction(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeEngineError reports err without leaking infrastructure details.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	reason := approvals.Reason(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		slog.Error("api: request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeError(w, code, reason, msg)
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
