/*
Package exflow is an event-sourced substrate for resolving operational
exceptions with tenant-configured playbooks.

# Overview

Every change to an exception is an immutable event appended to a
per-tenant log; the queryable exception record is a projection updated in
the same atomic unit as each append. Pipeline stages run as consumer
groups over a partitioned view of the log, so events for one exception are
always handled in order while different exceptions proceed in parallel.

The packages are layered:
  - event: envelope, closed type catalog, payload validation
  - exception: the projection and its fold
  - eventstore: memory and SQLite stores
  - broker: partitioned workers, retries, dead letters, redrive
  - pack: tenant domain/policy packs and the active-version cache
  - playbook: matching and step execution
  - pipeline: the matcher and runner stages plus the SLA watcher
  - api: the HTTP surface over Service

# Basic Usage

	store := eventstore.NewMemoryStore()
	packs, _ := pack.NewStaticProvider(myPack)
	svc := exflow.New(store, packs)

	acc, err := svc.SubmitException(ctx, exflow.SubmitRequest{
	    TenantID:      "acme",
	    SourceSystem:  "erp",
	    Domain:        "Finance",
	    ExceptionType: "invoice_mismatch",
	    Severity:      event.SeverityHigh,
	})

	// Run the stages; the matcher assigns a playbook and the runner
	// completes its auto steps.
	for _, st := range svc.Stages() {
	    g, _ := broker.NewGroup(st, store)
	    go g.Run(ctx)
	}

	status, err := svc.CompleteStep(ctx, playbook.CompleteStepRequest{
	    Key:       event.NewKey("acme", acc.ExceptionID),
	    StepOrder: 1,
	    Actor:     event.Actor{Type: event.ActorUser, ID: "jdoe"},
	})

Submitting and recalculating return once the event is durable; the
matching they trigger happens in the stages. Completing a step is
synchronous so callers see precondition failures directly.
*/
package exflow
