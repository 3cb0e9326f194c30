package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"mailcast/internal/domain"
)

const (
	ErrInvalidJSON      = "invalid json"
	ErrInvalidID        = "invalid id"
	ErrInvalidPayload   = "invalid payload"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrNotDraft         = "campaign is not a draft"
	ErrInvalidSignature = "invalid signature"
	ErrStreaming        = "streaming unsupported"
)

// writeError maps service errors onto status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidID):
		http.Error(w, ErrInvalidID, http.StatusBadRequest)
	case errors.Is(err, domain.ErrMissingFields):
		http.Error(w, ErrInvalidPayload, http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
	case errors.Is(err, domain.ErrNotDraft), errors.Is(err, domain.ErrInvalidTransition):
		http.Error(w, ErrNotDraft, http.StatusConflict)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", RequestID(r.Context()), "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
	}
}
