// Package broker runs pipeline stages over the partitioned event log.
//
// A Stage names a consumer group and the Handler it runs. A Group claims
// partition leases for its stage and runs one Worker per owned partition.
// Each worker moves every event through a fixed sequence of states:
//
//	Consuming -> Validating -> IdempotencyCheck -> Executing -> Emitting -> Committing
//
// Events of one exception share a partition and are handled strictly in
// log order. A failing event blocks its partition while it is retried with
// exponential backoff; once the retry budget is spent it is dead-lettered
// and the offset moves past it.
//
// Emitted events must carry deterministic IDs (see Emitter) so a
// re-executed handler emits duplicates the store drops.
//
// Basic usage:
//
//	stage := broker.Stage{Name: "triage", Handler: h, Retry: exerrors.DefaultRetry}
//	g := broker.NewGroup(stage, store, broker.WithOwner("worker-1"))
//	err := g.Run(ctx)
package broker
