package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/randalmurphal/exflow/pkg/exflow"
	"github.com/randalmurphal/exflow/pkg/exflow/deadletter"
	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/eventstore"
	"github.com/randalmurphal/exflow/pkg/exflow/playbook"
)

const maxBody = 1 << 20

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("body", "invalid JSON: %v", err)
	}
	return nil
}

func exceptionKey(r *http.Request) event.Key {
	return event.NewKey(chi.URLParam(r, "tenant"), chi.URLParam(r, "exception"))
}

func (h *Handler) submitException(w http.ResponseWriter, r *http.Request) {
	var req exflow.SubmitRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.TenantID = chi.URLParam(r, "tenant")
	acc, err := h.svc.SubmitException(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acc)
}

type recalculateRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) recalculate(w http.ResponseWriter, r *http.Request) {
	var req recalculateRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	acc, err := h.svc.RecalculatePlaybook(r.Context(), exceptionKey(r), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acc)
}

type completeStepRequest struct {
	ActorType event.ActorType `json:"actor_type"`
	ActorID   string          `json:"actor_id"`
	Notes     string          `json:"notes"`
}

func (h *Handler) completeStep(w http.ResponseWriter, r *http.Request) {
	order, err := strconv.Atoi(chi.URLParam(r, "order"))
	if err != nil {
		h.writeError(w, r, badRequest("step_order", "must be an integer"))
		return
	}
	var req completeStepRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.ActorType == "" {
		req.ActorType = event.ActorUser
	}
	st, err := h.svc.CompleteStep(r.Context(), playbook.CompleteStepRequest{
		Key:       exceptionKey(r),
		StepOrder: order,
		Actor:     event.Actor{Type: req.ActorType, ID: req.ActorID},
		Notes:     req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) getException(w http.ResponseWriter, r *http.Request) {
	exc, err := h.svc.GetException(r.Context(), exceptionKey(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exc)
}

// EventPage is one page of an exception's events.
type EventPage struct {
	Events []event.Envelope `json:"events"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	events, err := h.svc.ListEvents(r.Context(), exceptionKey(r), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []event.Envelope{}
	}
	writeJSON(w, http.StatusOK, EventPage{Events: events, Limit: filter.Limit, Offset: filter.Offset})
}

func eventFilter(r *http.Request) (eventstore.Filter, error) {
	q := r.URL.Query()
	f := eventstore.Filter{Limit: 100}
	for _, raw := range q["type"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, event.Type(t))
			}
		}
	}
	var err error
	if f.Since, err = timeParam(q.Get("since"), "since"); err != nil {
		return f, err
	}
	if f.Until, err = timeParam(q.Get("until"), "until"); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(q.Get("limit"), "limit", f.Limit); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(q.Get("offset"), "offset", 0); err != nil {
		return f, err
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
	return f, nil
}

func timeParam(v, name string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, badRequest(name, "must be RFC 3339, got %q", v)
	}
	return t, nil
}

func intParam(v, name string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest(name, "must be a non-negative integer, got %q", v)
	}
	return n, nil
}

func (h *Handler) playbookStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.PlaybookStatus(r.Context(), exceptionKey(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) activatePack(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		h.writeError(w, r, badRequest("version", "must be a positive integer"))
		return
	}
	if err := h.svc.ActivatePack(r.Context(), tenant, version); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenant, "version": version})
}

func (h *Handler) activePack(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	version, ok := h.svc.ActivePackVersion(tenant)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no active pack for tenant", Category: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenant, "version": version})
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := deadletter.ListFilter{
		ConsumerGroup: q.Get("group"),
		TenantID:      q.Get("tenant"),
		Status:        deadletter.Status(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		h.writeError(w, r, badRequest("status", "unknown status %q", filter.Status))
		return
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), "limit", 100); err != nil {
		h.writeError(w, r, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), "offset", 0); err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.svc.ListDeadLetters(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*deadletter.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// deadLetterGroup returns the consumer group named by the query, or the
// only group holding the event when the query names none.
func (h *Handler) deadLetterGroup(r *http.Request, eventID string) (string, error) {
	if g := r.URL.Query().Get("group"); g != "" {
		return g, nil
	}
	entries, err := h.svc.ListDeadLetters(r.Context(), deadletter.ListFilter{})
	if err != nil {
		return "", err
	}
	var groups []string
	for _, e := range entries {
		if e.EventID == eventID {
			groups = append(groups, e.ConsumerGroup)
		}
	}
	switch len(groups) {
	case 0:
		return "", deadletter.ErrNotFound
	case 1:
		return groups[0], nil
	default:
		return "", badRequest("group", "event is dead-lettered in %d groups: %s", len(groups), strings.Join(groups, ", "))
	}
}

func (h *Handler) redriveDeadLetter(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event")
	group, err := h.deadLetterGroup(r, eventID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entry, err := h.svc.RedriveDeadLetter(r.Context(), group, eventID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) discardDeadLetter(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event")
	group, err := h.deadLetterGroup(r, eventID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entry, err := h.svc.DiscardDeadLetter(r.Context(), group, eventID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
