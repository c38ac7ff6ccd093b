package playbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/randalmurphal/exflow/pkg/exflow/collaborator"
	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/exception"
	"github.com/randalmurphal/exflow/pkg/exflow/pack"
	"github.com/randalmurphal/exflow/pkg/exflow/template"
)

// ActionCall is the input of one action execution. Params are already
// resolved.
type ActionCall struct {
	Key       event.Key
	Exception *exception.Exception
	Snapshot  *pack.Snapshot
	Step      pack.Step
	Params    map[string]any
	Actor     event.Actor

	// IdempotencyKey is stable for this step of this assignment.
	IdempotencyKey string
}

// Effect is an event an action produces.
type Effect struct {
	Type    event.Type
	Payload event.Payload
}

// ActionHandler performs one action type.
type ActionHandler func(ctx context.Context, call *ActionCall) ([]Effect, error)

func (c *ActionCall) str(name string) string {
	v, ok := c.Params[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return template.Stringify(v)
}

func (c *ActionCall) required(name string) (string, error) {
	s := c.str(name)
	if s == "" {
		return "", exerrors.Invalid("params."+name, "is required for %s", c.Step.ActionType)
	}
	return s, nil
}

// notify hands a message to the notifier. Delivery is best-effort: a
// failure is logged and recorded in the event, never returned.
func (e *Engine) notify(ctx context.Context, call *ActionCall) ([]Effect, error) {
	msg := call.str("message")
	if msg == "" {
		msg = call.Step.Name
	}
	n := collaborator.Notification{
		TenantID:    call.Key.TenantID,
		ExceptionID: call.Key.ExceptionID,
		Channel:     call.str("channel"),
		Recipient:   call.str("recipient"),
		Subject:     call.str("subject"),
		Message:     msg,
	}

	nctx, cancel := context.WithTimeout(ctx, e.notifyTimeout)
	defer cancel()
	payload := event.NotificationQueued{
		Channel:   n.Channel,
		Recipient: n.Recipient,
		Subject:   n.Subject,
		Message:   n.Message,
		Delivered: true,
	}
	if err := e.notifier.Notify(nctx, n); err != nil {
		e.logger.Warn("notification failed",
			slog.String("exception", call.Key.String()),
			slog.String("channel", n.Channel),
			slog.String("error", err.Error()),
		)
		payload.Delivered = false
		payload.Error = err.Error()
	}
	return []Effect{{Type: event.TypeNotificationQueued, Payload: payload}}, nil
}

// assignOwner accepts either owner + owner_type, or a single user or queue
// parameter.
func assignOwner(_ context.Context, call *ActionCall) ([]Effect, error) {
	ownerType := strings.ToLower(call.str("owner_type"))
	owner := call.str("owner")
	switch {
	case owner != "":
		if ownerType == "" {
			ownerType = event.OwnerUser
		}
	case call.str("queue") != "":
		owner, ownerType = call.str("queue"), event.OwnerQueue
	case call.str("user") != "":
		owner, ownerType = call.str("user"), event.OwnerUser
	default:
		return nil, exerrors.Invalid("params.owner", "is required for assign_owner")
	}
	return []Effect{{
		Type:    event.TypeOwnerAssigned,
		Payload: event.OwnerAssigned{OwnerType: ownerType, Owner: owner},
	}}, nil
}

// setStatus checks the transition against the pack's table. Moving to the
// current status produces no event.
func setStatus(_ context.Context, call *ActionCall) ([]Effect, error) {
	raw, err := call.required("status")
	if err != nil {
		return nil, err
	}
	to, err := event.ParseStatus(raw)
	if err != nil {
		return nil, err
	}
	from := call.Exception.Status
	if from == to {
		return nil, nil
	}

	transitions := exception.DefaultTransitions
	if call.Snapshot != nil && call.Snapshot.Transitions != nil {
		transitions = call.Snapshot.Transitions
	}
	if !transitions.Allowed(from, to) {
		return nil, &exerrors.PreconditionError{
			Reason:   "status transition not allowed",
			Expected: fmt.Sprintf("one of %v", transitions[from]),
			Actual:   fmt.Sprintf("%s -> %s", from, to),
		}
	}
	return []Effect{{
		Type:    event.TypeStatusChanged,
		Payload: event.StatusChanged{From: from, To: to, Reason: call.str("reason")},
	}}, nil
}

func addComment(_ context.Context, call *ActionCall) ([]Effect, error) {
	text := call.str("text")
	if text == "" {
		text = call.str("comment")
	}
	if text == "" {
		return nil, exerrors.Invalid("params.text", "is required for add_comment")
	}
	return []Effect{{Type: event.TypeCommentAdded, Payload: event.CommentAdded{Text: text}}}, nil
}

// callTool invokes an allow-listed tool and waits for its execution ID.
// The payload is the "payload" parameter when it is an object, otherwise
// every parameter except tool_id.
func (e *Engine) callTool(ctx context.Context, call *ActionCall) ([]Effect, error) {
	toolID, err := call.required("tool_id")
	if err != nil {
		return nil, err
	}
	if call.Snapshot == nil || !call.Snapshot.ToolAllowed(toolID) {
		return nil, &exerrors.PreconditionError{Reason: fmt.Sprintf("tool %q is not on the tenant allow-list", toolID)}
	}

	payload, ok := call.Params["payload"].(map[string]any)
	if !ok {
		payload = maps.Clone(call.Params)
		delete(payload, "tool_id")
	}

	tctx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()
	res, err := e.tools.Execute(tctx, collaborator.ToolRequest{
		TenantID:       call.Key.TenantID,
		ExceptionID:    call.Key.ExceptionID,
		ToolID:         toolID,
		Payload:        payload,
		IdempotencyKey: call.IdempotencyKey,
	})
	if err != nil {
		var ce *exerrors.CollaboratorError
		if !errors.As(err, &ce) {
			ce = &exerrors.CollaboratorError{Collaborator: "tool", Operation: toolID, Err: err}
		}
		ce.NonIdempotent = ce.NonIdempotent || call.Step.NonIdempotent
		return nil, ce
	}

	return []Effect{{
		Type: event.TypeToolExecuted,
		Payload: event.ToolExecuted{
			ToolID:      toolID,
			ExecutionID: res.ExecutionID,
			Status:      res.Status,
			Request:     payload,
			Output:      res.Output,
		},
	}}, nil
}
