// Package playbook selects and drives remediation playbooks.
//
// Matcher picks at most one playbook for an exception from its tenant's
// pack. Engine derives step status from the event log and completes steps:
// it checks the precondition, resolves placeholders in the step
// parameters, performs the action and appends the effect events together
// with playbook.step_completed (and playbook.completed after the last step)
// in one atomic batch.
//
// Step status is never stored. A step is completed when its
// playbook.step_completed event exists for the current assignment, when the
// playbook has completed, or when its order is below the exception's
// current step.
//
// Basic usage:
//
//	engine := playbook.NewEngine(store, packs,
//	    playbook.WithToolExecutor(tools),
//	    playbook.WithNotifier(notifier),
//	)
//	status, err := engine.CompleteStep(ctx, playbook.CompleteStepRequest{
//	    Key:       key,
//	    StepOrder: 1,
//	    Actor:     event.Actor{Type: event.ActorUser, ID: "u-1"},
//	})
package playbook
