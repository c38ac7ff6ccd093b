// Package pipeline wires the playbook engine into the broker.
//
// Two stages run as consumer groups:
//   - playbook-matcher: re-evaluates the assignment when an exception is
//     ingested, triaged, policy-evaluated, nears its SLA or a
//     recalculation is requested
//   - playbook-runner: completes pending steps marked auto with the system
//     actor whenever the assignment or step position changes
//
// SLAWatcher scans open exceptions and appends control.sla_imminent once
// per deadline.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/exflow/pkg/exflow/broker"
	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/playbook"
)

// Consumer group names.
const (
	MatcherGroup = "playbook-matcher"
	RunnerGroup  = "playbook-runner"
)

// MatchTriggers are the event types that re-run matching.
var MatchTriggers = []event.Type{
	event.TypeExceptionIngested,
	event.TypeTriageCompleted,
	event.TypePolicyEvaluated,
	event.TypePlaybookRecalculationRequested,
	event.TypeSLAImminent,
}

// RunTriggers are the event types after which the next step may be due.
var RunTriggers = []event.Type{
	event.TypePlaybookMatched,
	event.TypePlaybookRecalculated,
	event.TypePlaybookStepCompleted,
}

// MatcherStage returns the matching stage. Retry and Timeout are left at
// their defaults for the caller to set.
func MatcherStage(engine *playbook.Engine) broker.Stage {
	return broker.Stage{
		Name: MatcherGroup,
		Handler: broker.NewHandler(func(ctx context.Context, env event.Envelope) ([]event.Envelope, error) {
			envs, _, err := engine.PlanMatch(ctx, env.Key(), env.EventID)
			return envs, err
		}, MatchTriggers...),
	}
}

// RunnerStage returns the auto-step stage.
func RunnerStage(engine *playbook.Engine, logger *slog.Logger) broker.Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return broker.Stage{
		Name: RunnerGroup,
		Handler: broker.NewHandler(func(ctx context.Context, env event.Envelope) ([]event.Envelope, error) {
			return runAutoStep(ctx, engine, logger, env.Key())
		}, RunTriggers...),
	}
}

// runAutoStep plans the current step when it is pending and marked auto.
// The plan's events are committed by the worker together with the offset,
// and each committed step_completed triggers the next check.
func runAutoStep(ctx context.Context, engine *playbook.Engine, logger *slog.Logger, key event.Key) ([]event.Envelope, error) {
	st, err := engine.Status(ctx, key)
	if err != nil {
		return nil, err
	}
	if st.CurrentStep == nil {
		return nil, nil
	}
	step, ok := st.Step(*st.CurrentStep)
	if !ok || !step.Auto || step.Status == playbook.StepCompleted {
		return nil, nil
	}

	plan, err := engine.PlanStep(ctx, playbook.CompleteStepRequest{
		Key:       key,
		StepOrder: step.StepOrder,
		Actor:     event.System,
		Notes:     "auto",
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("auto step planned",
		slog.String("exception", key.String()),
		slog.Int("step_order", step.StepOrder),
		slog.Int("events", len(plan.Events)),
	)
	engine.Record(ctx, key, plan)
	return plan.Events, nil
}
