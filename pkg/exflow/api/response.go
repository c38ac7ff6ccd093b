package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/randalmurphal/exflow/pkg/exflow/broker"
	"github.com/randalmurphal/exflow/pkg/exflow/deadletter"
	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
	"github.com/randalmurphal/exflow/pkg/exflow/eventstore"
	"github.com/randalmurphal/exflow/pkg/exflow/pack"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category"`
	Field    string `json:"field,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, ErrorResponse) {
	body := ErrorResponse{Error: err.Error(), Category: exerrors.Categorize(err).String()}

	var verr *exerrors.ValidationError
	var perr *exerrors.PreconditionError
	switch {
	case errors.As(err, &verr):
		body.Field = verr.Field
		return http.StatusBadRequest, body
	case errors.As(err, &perr):
		body.Error = perr.Reason
		body.Expected = perr.Expected
		body.Actual = perr.Actual
		return http.StatusConflict, body
	case errors.Is(err, eventstore.ErrNotFound),
		errors.Is(err, deadletter.ErrNotFound),
		errors.Is(err, pack.ErrPackNotFound),
		errors.Is(err, broker.ErrUnknownStage):
		body.Category = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, deadletter.ErrInvalidTransition):
		return http.StatusConflict, body
	case exerrors.IsRetryable(err):
		return http.StatusServiceUnavailable, body
	default:
		return http.StatusInternalServerError, body
	}
}

func badRequest(field, format string, args ...any) error {
	return exerrors.Invalid(field, format, args...)
}
