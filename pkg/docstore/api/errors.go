package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/tendant/simple-docstore/pkg/docstore"
)

var (
	errForbidden       = errors.New("permission denied")
	errUnauthenticated = errors.New("missing subject claim")
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, docstore.ErrNotFound), errors.Is(err, errNotReadable):
		return http.StatusNotFound
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, docstore.ErrInvalidName),
		errors.Is(err, docstore.ErrInvalidValue),
		errors.Is(err, docstore.ErrInvalidLanguage),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, docstore.ErrInconsistentState):
		return http.StatusConflict
	case errors.Is(err, docstore.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var (
	errBadRequest  = errors.New("bad request")
	errNotReadable = errors.New("not found")
)

func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = http.StatusText(status)
	} else {
		logger.DebugContext(r.Context(), "request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: msg})
}
