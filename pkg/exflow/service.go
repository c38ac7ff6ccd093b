package exflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/randalmurphal/exflow/pkg/exflow/broker"
	"github.com/randalmurphal/exflow/pkg/exflow/deadletter"
	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/eventstore"
	"github.com/randalmurphal/exflow/pkg/exflow/exception"
	"github.com/randalmurphal/exflow/pkg/exflow/pack"
	"github.com/randalmurphal/exflow/pkg/exflow/pipeline"
	"github.com/randalmurphal/exflow/pkg/exflow/playbook"
)

// Service is the command and query surface of the system.
type Service struct {
	store    eventstore.Full
	packs    *pack.Cache
	engine   *playbook.Engine
	stages   []broker.Stage
	redriver *broker.Redriver
	cfg      serviceConfig
}

// New wires a service over store and packs.
func New(store eventstore.Full, packs *pack.Cache, opts ...Option) *Service {
	cfg := defaultServiceConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	engineOpts := []playbook.Option{
		playbook.WithLogger(cfg.logger),
		playbook.WithMetrics(cfg.metrics),
		playbook.WithSpans(cfg.spans),
		playbook.WithClock(cfg.now),
	}
	if cfg.tools != nil {
		engineOpts = append(engineOpts, playbook.WithToolExecutor(cfg.tools))
	}
	if cfg.notifier != nil {
		engineOpts = append(engineOpts, playbook.WithNotifier(cfg.notifier))
	}
	engine := playbook.NewEngine(store, packs, engineOpts...)

	stages := []broker.Stage{
		pipeline.MatcherStage(engine),
		pipeline.RunnerStage(engine, cfg.logger),
	}
	for i := range stages {
		if rc, ok := cfg.retry[stages[i].Name]; ok {
			stages[i].Retry = rc
		}
		stages[i].Timeout = cfg.stageTimeout
	}

	return &Service{
		store:  store,
		packs:  packs,
		engine: engine,
		stages: stages,
		redriver: broker.NewRedriver(store, stages, cfg.redrive,
			broker.WithLogger(cfg.logger),
			broker.WithMetrics(cfg.metrics),
			broker.WithSpans(cfg.spans),
			broker.WithClock(cfg.now),
		),
		cfg: cfg,
	}
}

// Stages returns the pipeline stages to run as consumer groups.
func (s *Service) Stages() []broker.Stage {
	return s.stages
}

// Stage returns the stage with the given consumer group name.
func (s *Service) Stage(group string) (broker.Stage, bool) {
	for _, st := range s.stages {
		if st.Name == group {
			return st, true
		}
	}
	return broker.Stage{}, false
}

// Engine returns the playbook engine.
func (s *Service) Engine() *playbook.Engine {
	return s.engine
}

// Redriver returns the dead-letter redriver for the service's stages.
func (s *Service) Redriver() *broker.Redriver {
	return s.redriver
}

// SLAWatcher returns a watcher over the service's store that scans every
// tenant with an active pack.
func (s *Service) SLAWatcher(threshold, interval time.Duration) *pipeline.SLAWatcher {
	return pipeline.NewSLAWatcher(s.store, pipeline.SLAConfig{
		Threshold: threshold,
		Interval:  interval,
		Tenants:   s.packs.Tenants,
		Logger:    s.cfg.logger,
		Now:       s.cfg.now,
	})
}

// SubmitRequest reports a new exception.
type SubmitRequest struct {
	TenantID      string          `json:"tenant_id"`
	ExceptionID   string          `json:"exception_id,omitempty"`
	SourceSystem  string          `json:"source_system"`
	Domain        string          `json:"domain"`
	ExceptionType string          `json:"exception_type"`
	Severity      event.Severity  `json:"severity"`
	RawPayload    json.RawMessage `json:"raw_payload,omitempty"`
	Context       map[string]any  `json:"normalized_context,omitempty"`
	PolicyTags    []string        `json:"policy_tags,omitempty"`
	SLADeadline   *time.Time      `json:"sla_deadline,omitempty"`
	Actor         event.Actor     `json:"-"`
}

// Accepted acknowledges a durably recorded command.
type Accepted struct {
	TenantID    string `json:"tenant_id"`
	ExceptionID string `json:"exception_id"`
	EventID     string `json:"event_id"`

	// Duplicate is set when the same command was already recorded.
	Duplicate bool `json:"duplicate,omitempty"`
}

// SubmitException appends exception.ingested and returns once it is
// durable. A caller-supplied ExceptionID makes resubmission idempotent.
func (s *Service) SubmitException(ctx context.Context, req SubmitRequest) (_ Accepted, err error) {
	if req.ExceptionID == "" {
		req.ExceptionID = event.NewID()
	}
	key := event.NewKey(req.TenantID, req.ExceptionID)
	if err := key.Validate(); err != nil {
		return Accepted{}, err
	}
	ctx, span := s.cfg.spans.StartCommandSpan(ctx, "submit_exception", key.TenantID, key.ExceptionID)
	defer func() { s.cfg.spans.EndSpanWithError(span, err) }()

	actor := req.Actor
	if actor.Type == "" {
		actor = event.System
	}
	sev, err := event.ParseSeverity(string(req.Severity))
	if err != nil {
		return Accepted{}, err
	}
	env, err := event.New(key, event.TypeExceptionIngested, actor, event.ExceptionIngested{
		SourceSystem:      strings.TrimSpace(req.SourceSystem),
		Domain:            strings.TrimSpace(req.Domain),
		ExceptionType:     strings.TrimSpace(req.ExceptionType),
		Severity:          sev,
		RawPayload:        req.RawPayload,
		NormalizedContext: req.Context,
		PolicyTags:        req.PolicyTags,
		SLADeadline:       req.SLADeadline,
	},
		event.WithEventID(event.DerivedID(key.String(), string(event.TypeExceptionIngested))),
		event.WithClock(s.cfg.now),
	)
	if err != nil {
		return Accepted{}, err
	}
	return s.append(ctx, env)
}

// RecalculatePlaybook appends playbook.recalculation_requested; the
// matcher stage re-evaluates the assignment asynchronously. The request ID
// is derived from the exception's latest other event, so repeating the
// request with nothing changed in between appends nothing.
func (s *Service) RecalculatePlaybook(ctx context.Context, key event.Key, reason string) (_ Accepted, err error) {
	if err := key.Validate(); err != nil {
		return Accepted{}, err
	}
	ctx, span := s.cfg.spans.StartCommandSpan(ctx, "recalculate_playbook", key.TenantID, key.ExceptionID)
	defer func() { s.cfg.spans.EndSpanWithError(span, err) }()

	events, err := s.store.GetEvents(ctx, key, eventstore.Filter{})
	if err != nil {
		return Accepted{}, err
	}
	if len(events) == 0 {
		return Accepted{}, fmt.Errorf("%w: %s", eventstore.ErrNotFound, key)
	}
	cause := events[0].EventID
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != event.TypePlaybookRecalculationRequested {
			cause = events[i].EventID
			break
		}
	}

	at := s.cfg.now().UTC()
	if last := events[len(events)-1].CreatedAt; !at.After(last) {
		at = last.Add(time.Microsecond)
	}
	env, err := event.New(key, event.TypePlaybookRecalculationRequested, event.System,
		event.PlaybookRecalculationRequested{Reason: reason},
		event.WithEventID(event.DerivedID(cause, string(event.TypePlaybookRecalculationRequested))),
		event.WithTimestamp(at),
	)
	if err != nil {
		return Accepted{}, err
	}
	return s.append(ctx, env)
}

func (s *Service) append(ctx context.Context, env event.Envelope) (Accepted, error) {
	appended, err := s.store.AppendIfNew(ctx, env)
	if err != nil {
		s.cfg.logger.Error("append failed",
			slog.String("event_type", string(env.Type)),
			slog.String("exception", env.Key().String()),
			slog.String("error", err.Error()),
		)
		return Accepted{}, err
	}
	added := 0
	if appended {
		added = 1
	}
	s.cfg.metrics.RecordAppend(ctx, 1, added)
	return Accepted{
		TenantID:    env.TenantID,
		ExceptionID: env.ExceptionID,
		EventID:     env.EventID,
		Duplicate:   !appended,
	}, nil
}

// CompleteStep completes a step synchronously. See playbook.Engine.CompleteStep.
func (s *Service) CompleteStep(ctx context.Context, req playbook.CompleteStepRequest) (*playbook.Status, error) {
	return s.engine.CompleteStep(ctx, req)
}

// GetException returns the projection for key.
func (s *Service) GetException(ctx context.Context, key event.Key) (*exception.Exception, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return s.store.GetException(ctx, key)
}

// ListEvents returns a page of key's events. An unknown exception is
// ErrNotFound rather than an empty page.
func (s *Service) ListEvents(ctx context.Context, key event.Key, filter eventstore.Filter) ([]event.Envelope, error) {
	if _, err := s.GetException(ctx, key); err != nil {
		return nil, err
	}
	return s.store.GetEvents(ctx, key, filter)
}

// PlaybookStatus derives the playbook status of key.
func (s *Service) PlaybookStatus(ctx context.Context, key event.Key) (*playbook.Status, error) {
	return s.engine.Status(ctx, key)
}

// ListDeadLetters returns dead-letter entries oldest first.
func (s *Service) ListDeadLetters(ctx context.Context, filter deadletter.ListFilter) ([]*deadletter.Entry, error) {
	return s.store.ListDeadLetters(ctx, filter)
}

// RedriveDeadLetter re-executes one pending entry through its stage.
func (s *Service) RedriveDeadLetter(ctx context.Context, group, eventID string) (*deadletter.Entry, error) {
	return s.redriver.Redrive(ctx, group, eventID)
}

// DiscardDeadLetter resolves one entry without re-execution.
func (s *Service) DiscardDeadLetter(ctx context.Context, group, eventID string) (*deadletter.Entry, error) {
	return s.redriver.Discard(ctx, group, eventID)
}

// ActivatePack makes version the tenant's active pack. Existing
// assignments are not changed; they are re-evaluated by the next
// recalculation.
func (s *Service) ActivatePack(ctx context.Context, tenantID string, version int) error {
	if err := s.packs.Activate(ctx, tenantID, version); err != nil {
		return err
	}
	s.cfg.logger.Info("pack activated",
		slog.String("tenant_id", tenantID),
		slog.Int("version", version),
	)
	return nil
}

// ActivePackVersion returns the tenant's active pack version.
func (s *Service) ActivePackVersion(tenantID string) (int, bool) {
	return s.packs.ActiveVersion(tenantID)
}

// Rebuild re-folds key's projection from its log.
func (s *Service) Rebuild(ctx context.Context, key event.Key) (*exception.Exception, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return s.store.Rebuild(ctx, key)
}

// RebuildTenant re-folds every exception of a tenant and returns how many
// were rebuilt.
func (s *Service) RebuildTenant(ctx context.Context, tenantID string) (int, error) {
	const page = 500
	n := 0
	for offset := 0; ; offset += page {
		excs, err := s.store.ListExceptions(ctx, tenantID, eventstore.ListFilter{Limit: page, Offset: offset})
		if err != nil {
			return n, err
		}
		for _, exc := range excs {
			if _, err := s.store.Rebuild(ctx, exc.Key()); err != nil {
				return n, err
			}
			n++
		}
		if len(excs) < page {
			return n, nil
		}
	}
}
