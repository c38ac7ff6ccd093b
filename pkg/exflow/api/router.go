// Package api exposes Service over HTTP with chi.
//
// Commands that only record an event answer 202 Accepted once the event is
// durable. Step completion is synchronous and answers with the resulting
// playbook status, 409 on a precondition failure or 404 for an unknown
// exception. Authentication is left to the gateway in front of the API.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/randalmurphal/exflow/pkg/exflow"
)

// Handler serves the HTTP API.
type Handler struct {
	svc    *exflow.Service
	logger *slog.Logger
}

// NewHandler returns the API router for svc.
func NewHandler(svc *exflow.Service, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Post("/packs/{version}/activate", h.activatePack)
			r.Get("/packs/active", h.activePack)

			r.Post("/exceptions", h.submitException)
			r.Route("/exceptions/{exception}", func(r chi.Router) {
				r.Get("/", h.getException)
				r.Get("/events", h.listEvents)
				r.Get("/playbook", h.playbookStatus)
				r.Post("/playbook/recalculate", h.recalculate)
				r.Post("/playbook/steps/{order}/complete", h.completeStep)
			})
		})

		r.Get("/deadletters", h.listDeadLetters)
		r.Post("/deadletters/{event}/redrive", h.redriveDeadLetter)
		r.Post("/deadletters/{event}/discard", h.discardDeadLetter)
	})
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		)
	})
}
