package playbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/randalmurphal/exflow/pkg/exflow/collaborator"
	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/eventstore"
	"github.com/randalmurphal/exflow/pkg/exflow/exception"
	"github.com/randalmurphal/exflow/pkg/exflow/observability"
	"github.com/randalmurphal/exflow/pkg/exflow/pack"
	"github.com/randalmurphal/exflow/pkg/exflow/template"
)

// Store is the slice of the event store the engine reads and appends to.
type Store interface {
	GetException(ctx context.Context, key event.Key) (*exception.Exception, error)
	GetEvents(ctx context.Context, key event.Key, filter eventstore.Filter) ([]event.Envelope, error)
	AppendBatch(ctx context.Context, envs []event.Envelope) ([]bool, error)
}

// State is an exception's position in its playbook.
type State string

// Playbook states.
const (
	StateUnassigned  State = "unassigned"
	StateAssigned    State = "assigned"
	StateStepPending State = "step_pending"
	StateCompleted   State = "completed"
)

// StepState is a step's derived status.
type StepState string

// Step states.
const (
	StepPending   StepState = "pending"
	StepCompleted StepState = "completed"
)

// StepStatus is one step with its derived status.
type StepStatus struct {
	StepID      string          `json:"step_id"`
	StepOrder   int             `json:"step_order"`
	Name        string          `json:"name"`
	ActionType  pack.ActionType `json:"action_type"`
	Auto        bool            `json:"auto,omitempty"`
	Status      StepState       `json:"status"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CompletedBy *string         `json:"completed_by,omitempty"`
	ActorType   event.ActorType `json:"actor_type,omitempty"`
}

// Status is the derived playbook status of one exception.
type Status struct {
	TenantID        string       `json:"tenant_id"`
	ExceptionID     string       `json:"exception_id"`
	State           State        `json:"state"`
	PlaybookID      *int64       `json:"playbook_id"`
	PlaybookName    string       `json:"playbook_name,omitempty"`
	PlaybookVersion int          `json:"playbook_version,omitempty"`
	CurrentStep     *int         `json:"current_step"`
	Steps           []StepStatus `json:"steps"`

	// Note explains a degraded status, such as an assignment whose
	// playbook is no longer active.
	Note string `json:"note,omitempty"`
}

// Step returns the status of the step with the given order.
func (s *Status) Step(order int) (StepStatus, bool) {
	for _, st := range s.Steps {
		if st.StepOrder == order {
			return st, true
		}
	}
	return StepStatus{}, false
}

// CompleteStepRequest asks the engine to complete one step.
type CompleteStepRequest struct {
	Key       event.Key
	StepOrder int
	Actor     event.Actor
	Notes     string
}

func (r CompleteStepRequest) validate() error {
	if err := r.Key.Validate(); err != nil {
		return err
	}
	if r.StepOrder < 1 {
		return exerrors.Invalid("step_order", "must be >= 1, got %d", r.StepOrder)
	}
	if !r.Actor.Type.Valid() {
		return exerrors.Invalid("actor_type", "unknown actor type %q", string(r.Actor.Type))
	}
	return nil
}

// Engine matches playbooks and completes their steps.
type Engine struct {
	store    Store
	packs    pack.Provider
	matcher  Matcher
	resolver *template.Resolver
	tools    collaborator.ToolExecutor
	notifier collaborator.Notifier
	actions  map[pack.ActionType]ActionHandler
	locks    *keyLocks

	logger        *slog.Logger
	metrics       observability.MetricsRecorder
	spans         observability.SpanManager
	toolTimeout   time.Duration
	notifyTimeout time.Duration
	now           func() time.Time
}

// NewEngine creates an engine over store and packs.
func NewEngine(store Store, packs pack.Provider, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		packs:         packs,
		resolver:      template.NewResolver(),
		tools:         collaborator.NoopToolExecutor{},
		locks:         newKeyLocks(),
		logger:        slog.Default(),
		metrics:       observability.NoopMetrics{},
		spans:         observability.NoopSpanManager{},
		toolTimeout:   30 * time.Second,
		notifyTimeout: 10 * time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = collaborator.LogNotifier{Logger: e.logger}
	}
	e.actions = map[pack.ActionType]ActionHandler{
		pack.ActionNotify:      e.notify,
		pack.ActionAssignOwner: assignOwner,
		pack.ActionSetStatus:   setStatus,
		pack.ActionAddComment:  addComment,
		pack.ActionCallTool:    e.callTool,
	}
	return e
}

// view is everything status derivation and step completion read.
type view struct {
	exc      *exception.Exception
	snap     *pack.Snapshot
	playbook *pack.Playbook

	// assignment is the event that made the current assignment.
	assignment *event.Envelope
	completed  map[int]event.Envelope
	finished   bool
	note       string
}

func (e *Engine) load(ctx context.Context, key event.Key) (*view, error) {
	exc, err := e.store.GetException(ctx, key)
	if err != nil {
		return nil, err
	}
	v := &view{exc: exc, completed: map[int]event.Envelope{}}
	if exc.CurrentPlaybookID == nil {
		return v, nil
	}
	assigned := *exc.CurrentPlaybookID

	events, err := e.store.GetEvents(ctx, key, eventstore.Filter{Types: []event.Type{
		event.TypePlaybookMatched,
		event.TypePlaybookRecalculated,
		event.TypePlaybookStepCompleted,
		event.TypePlaybookCompleted,
	}})
	if err != nil {
		return nil, err
	}
	for _, env := range events {
		switch env.Type {
		case event.TypePlaybookMatched, event.TypePlaybookRecalculated:
			a := env
			v.assignment = &a
			v.completed = map[int]event.Envelope{}
			v.finished = false
		case event.TypePlaybookStepCompleted:
			p, err := event.Decode[event.PlaybookStepCompleted](env)
			if err != nil {
				return nil, err
			}
			if p.PlaybookID == assigned {
				if _, seen := v.completed[p.StepOrder]; !seen {
					v.completed[p.StepOrder] = env
				}
			}
		case event.TypePlaybookCompleted:
			p, err := event.Decode[event.PlaybookCompleted](env)
			if err != nil {
				return nil, err
			}
			if p.PlaybookID == assigned {
				v.finished = true
			}
		}
	}

	snap, err := e.packs.Snapshot(ctx, key.TenantID, exc.Domain)
	if errors.Is(err, pack.ErrNoActivePack) {
		v.note = "no active pack for tenant"
		return v, nil
	}
	if err != nil {
		return nil, err
	}
	v.snap = snap

	pb, ok := snap.Playbook(assigned)
	switch {
	case !ok:
		v.note = fmt.Sprintf("assigned playbook %d not found in pack v%d", assigned, snap.Version)
	case !pb.Active():
		v.note = fmt.Sprintf("assigned playbook %d is inactive", assigned)
	default:
		v.playbook = pb
	}
	return v, nil
}

func (v *view) stepCompleted(order int) bool {
	if _, ok := v.completed[order]; ok {
		return true
	}
	if v.finished || v.exc.PlaybookCompleted() {
		return true
	}
	return v.exc.CurrentStep != nil && order < *v.exc.CurrentStep
}

func (v *view) status() *Status {
	s := &Status{
		TenantID:    v.exc.TenantID,
		ExceptionID: v.exc.ExceptionID,
		State:       StateUnassigned,
		Note:        v.note,
		Steps:       []StepStatus{},
	}
	if v.playbook == nil {
		return s
	}

	pb := v.playbook
	id := pb.ID
	s.PlaybookID = &id
	s.PlaybookName = pb.Name
	s.PlaybookVersion = pb.Version

	done := 0
	for _, step := range pb.Steps {
		st := StepStatus{
			StepID:     step.StepID,
			StepOrder:  step.StepOrder,
			Name:       step.Name,
			ActionType: step.ActionType,
			Auto:       step.Auto,
			Status:     StepPending,
		}
		if v.stepCompleted(step.StepOrder) {
			st.Status = StepCompleted
			done++
			if env, ok := v.completed[step.StepOrder]; ok {
				at := env.CreatedAt
				st.CompletedAt = &at
				st.CompletedBy = env.ActorID
				st.ActorType = env.ActorType
			}
		}
		s.Steps = append(s.Steps, st)
	}

	switch {
	case v.finished || v.exc.PlaybookCompleted():
		s.State = StateCompleted
	case done == 0:
		s.State = StateAssigned
	default:
		s.State = StateStepPending
	}
	if s.State != StateCompleted && v.exc.CurrentStep != nil {
		cur := *v.exc.CurrentStep
		s.CurrentStep = &cur
	}
	return s
}

// Status derives the playbook status of key. An assignment whose playbook
// is missing or inactive reads as unassigned.
func (e *Engine) Status(ctx context.Context, key event.Key) (*Status, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	v, err := e.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.status(), nil
}

// CompleteStep completes the exception's current step and returns the
// resulting status. Completing a step that is already completed returns
// the unchanged status without running the action again.
func (e *Engine) CompleteStep(ctx context.Context, req CompleteStepRequest) (_ *Status, err error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	ctx, span := e.spans.StartCommandSpan(ctx, "complete_step", req.Key.TenantID, req.Key.ExceptionID)
	defer func() { e.spans.EndSpanWithError(span, err) }()

	unlock := e.locks.Lock(req.Key)
	defer unlock()

	plan, err := e.PlanStep(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(plan.Events) == 0 {
		return plan.Status, nil
	}

	appended, err := e.store.AppendBatch(ctx, plan.Events)
	if err != nil {
		observability.LogStoreError(e.logger, "append_batch", err)
		return nil, err
	}
	e.metrics.RecordAppend(ctx, len(plan.Events), countTrue(appended))
	e.Record(ctx, req.Key, plan)

	return e.Status(ctx, req.Key)
}

// StepPlan is the outcome of preparing a step completion.
type StepPlan struct {
	// Status is the status before the completion.
	Status *Status

	// Step is the step being completed.
	Step pack.Step

	// PlaybookID is the assigned playbook.
	PlaybookID int64

	// Events are the effect events, playbook.step_completed and, after the
	// last step, playbook.completed. Empty when the step was already
	// completed.
	Events []event.Envelope
}

// PlanStep checks the precondition, performs the step's action and returns
// the events that record it without appending them. Event IDs derive from
// the assignment and step, so appending the same plan twice is a no-op.
func (e *Engine) PlanStep(ctx context.Context, req CompleteStepRequest) (*StepPlan, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	v, err := e.load(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	plan := &StepPlan{Status: v.status()}

	if v.playbook == nil {
		reason := "no playbook assigned"
		if v.note != "" {
			reason += " (" + v.note + ")"
		}
		return nil, &exerrors.PreconditionError{Reason: reason}
	}
	plan.PlaybookID = v.playbook.ID

	step, ok := v.playbook.Step(req.StepOrder)
	if !ok {
		return nil, &exerrors.PreconditionError{
			Reason:   fmt.Sprintf("playbook %d has no step %d", v.playbook.ID, req.StepOrder),
			Expected: fmt.Sprintf("1..%d", v.playbook.LastStep()),
			Actual:   strconv.Itoa(req.StepOrder),
		}
	}
	plan.Step = step

	if v.stepCompleted(req.StepOrder) {
		return plan, nil
	}

	current := 0
	if v.exc.CurrentStep != nil {
		current = *v.exc.CurrentStep
	}
	if req.StepOrder != current {
		return nil, &exerrors.PreconditionError{
			Reason:   "step is not the current step",
			Expected: strconv.Itoa(current),
			Actual:   strconv.Itoa(req.StepOrder),
		}
	}

	vars := template.Vars{
		template.ScopeException:  v.exc.Fields(),
		template.ScopeDomainPack: v.snap.DomainPack,
		template.ScopePolicyPack: v.snap.PolicyPack,
	}
	params, err := e.resolver.ResolveMap(step.Params, vars)
	if err != nil {
		return nil, err
	}

	b := e.newBatch(v, req.StepOrder)
	call := &ActionCall{
		Key:            req.Key,
		Exception:      v.exc,
		Snapshot:       v.snap,
		Step:           step,
		Params:         params,
		Actor:          req.Actor,
		IdempotencyKey: b.id(0),
	}
	handler, ok := e.actions[step.ActionType]
	if !ok {
		return nil, exerrors.Invalid("action_type", "unknown action %q", step.ActionType)
	}
	effects, err := handler(ctx, call)
	if err != nil {
		return nil, err
	}

	for _, eff := range effects {
		if err := b.add(eff.Type, req.Actor, eff.Payload); err != nil {
			return nil, err
		}
	}
	if err := b.add(event.TypePlaybookStepCompleted, req.Actor, event.PlaybookStepCompleted{
		PlaybookID:     v.playbook.ID,
		StepID:         step.StepID,
		StepOrder:      step.StepOrder,
		Name:           step.Name,
		ActionType:     string(step.ActionType),
		ResolvedParams: params,
		Notes:          req.Notes,
	}); err != nil {
		return nil, err
	}
	if step.StepOrder >= v.playbook.LastStep() {
		if err := b.add(event.TypePlaybookCompleted, req.Actor, event.PlaybookCompleted{
			PlaybookID: v.playbook.ID,
			TotalSteps: len(v.playbook.Steps),
		}); err != nil {
			return nil, err
		}
	}
	plan.Events = b.events
	return plan, nil
}

// Record logs and counts a planned step completion.
func (e *Engine) Record(ctx context.Context, key event.Key, plan *StepPlan) {
	if len(plan.Events) == 0 {
		return
	}
	e.metrics.RecordStepCompleted(ctx, string(plan.Step.ActionType))
	observability.LogStepCompleted(e.logger, key.String(), plan.PlaybookID, plan.Step.StepOrder, string(plan.Step.ActionType))
}

// Recalculate runs matching for key and appends playbook.matched or
// playbook.recalculated when the assignment changes. An unchanged
// assignment appends nothing.
func (e *Engine) Recalculate(ctx context.Context, key event.Key) (_ Result, err error) {
	if err := key.Validate(); err != nil {
		return Result{}, err
	}
	ctx, span := e.spans.StartCommandSpan(ctx, "recalculate_playbook", key.TenantID, key.ExceptionID)
	defer func() { e.spans.EndSpanWithError(span, err) }()

	unlock := e.locks.Lock(key)
	defer unlock()

	exc, err := e.store.GetException(ctx, key)
	if err != nil {
		return Result{}, err
	}
	envs, res, err := e.PlanMatch(ctx, key, exc.LastEventID)
	if err != nil {
		return Result{}, err
	}
	if len(envs) > 0 {
		appended, err := e.store.AppendBatch(ctx, envs)
		if err != nil {
			return Result{}, err
		}
		e.metrics.RecordAppend(ctx, len(envs), countTrue(appended))
	}
	return res, nil
}

// PlanMatch evaluates matching for key and returns the assignment event to
// append, if any. The first decision for an exception is always recorded
// as playbook.matched, even when nothing matched; later decisions are
// recorded as playbook.recalculated only when the assignment changed.
// causeID seeds the event ID so re-planning for the same cause yields the
// same event.
func (e *Engine) PlanMatch(ctx context.Context, key event.Key, causeID string) ([]event.Envelope, Result, error) {
	exc, err := e.store.GetException(ctx, key)
	if err != nil {
		return nil, Result{}, err
	}

	var candidates []pack.Playbook
	snap, err := e.packs.Snapshot(ctx, key.TenantID, exc.Domain)
	switch {
	case errors.Is(err, pack.ErrNoActivePack):
	case err != nil:
		return nil, Result{}, err
	default:
		candidates = snap.Playbooks
	}
	res := e.matcher.Match(exc, candidates, e.now())

	prior, err := e.store.GetEvents(ctx, key, eventstore.Filter{Types: []event.Type{event.TypePlaybookMatched}, Limit: 1})
	if err != nil {
		return nil, Result{}, err
	}

	opts := []event.Option{
		event.WithEventID(event.DerivedID(causeID, "playbook_match")),
		event.WithTimestamp(nextTimestamp(e.now(), exc.UpdatedAt)),
	}
	var env event.Envelope
	switch {
	case len(prior) == 0:
		env, err = event.New(key, event.TypePlaybookMatched, event.System, event.PlaybookMatched{
			PlaybookID:      res.PlaybookID,
			PlaybookVersion: res.Version(),
			Reasoning:       res.Reasoning,
		}, opts...)
	case sameAssignment(exc.CurrentPlaybookID, res.PlaybookID):
		return nil, res, nil
	default:
		env, err = event.New(key, event.TypePlaybookRecalculated, event.System, event.PlaybookRecalculated{
			PreviousPlaybookID: exc.CurrentPlaybookID,
			PlaybookID:         res.PlaybookID,
			PlaybookVersion:    res.Version(),
			Reasoning:          res.Reasoning,
		}, opts...)
	}
	if err != nil {
		return nil, Result{}, err
	}
	return []event.Envelope{env}, res, nil
}

func sameAssignment(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// batch builds the events of one step completion with derived IDs and
// strictly increasing timestamps.
type batch struct {
	key    event.Key
	seed   string
	base   time.Time
	events []event.Envelope
}

func (e *Engine) newBatch(v *view, order int) *batch {
	seed := fmt.Sprintf("%s/playbook-%d", v.exc.Key(), v.playbook.ID)
	if v.assignment != nil {
		seed = v.assignment.EventID
	}
	return &batch{
		key:  v.exc.Key(),
		seed: seed + "/step-" + strconv.Itoa(order),
		base: nextTimestamp(e.now(), v.exc.UpdatedAt),
	}
}

func (b *batch) id(i int) string {
	return event.DerivedID(b.seed, strconv.Itoa(i))
}

func (b *batch) add(t event.Type, actor event.Actor, payload any) error {
	i := len(b.events)
	env, err := event.New(b.key, t, actor, payload,
		event.WithEventID(b.id(i+1)),
		event.WithTimestamp(b.base.Add(time.Duration(i)*time.Microsecond)),
	)
	if err != nil {
		return err
	}
	b.events = append(b.events, env)
	return nil
}

// nextTimestamp keeps new events after the last folded one so appends
// never force a re-fold.
func nextTimestamp(now, last time.Time) time.Time {
	if floor := last.Add(time.Microsecond); now.Before(floor) {
		return floor
	}
	return now
}

func countTrue(bs []bool) int {
	n := 0
	for _, b := range bs {
		if b {
			n++
		}
	}
	return n
}
