package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/exflow/pkg/exflow/deadletter"
	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/eventstore"
	"github.com/randalmurphal/exflow/pkg/exflow/observability"
)

// Worker processes one partition for one stage.
type Worker struct {
	stage     Stage
	handler   Handler
	log       eventstore.Log
	partition int
	opts      options
}

// NewWorker creates a worker for partition.
func NewWorker(stage Stage, log eventstore.Log, partition int, opts ...Option) (*Worker, error) {
	if err := stage.validate(); err != nil {
		return nil, err
	}
	return newWorker(stage, log, partition, applyOptions(opts)), nil
}

func newWorker(stage Stage, log eventstore.Log, partition int, o options) *Worker {
	return &Worker{
		stage:     stage,
		handler:   Chain(stage.Handler, RecoveryMiddleware()),
		log:       log,
		partition: partition,
		opts:      o,
	}
}

// Partition returns the partition this worker consumes.
func (w *Worker) Partition() int {
	return w.partition
}

// Run polls the partition until ctx is cancelled. Store failures are
// logged and the poll is retried after the poll interval; the offset only
// moves once an event is committed.
func (w *Worker) Run(ctx context.Context) error {
	var wake <-chan struct{}
	if w.opts.wakeup != nil {
		ch, unsubscribe := w.opts.wakeup.Subscribe(w.partition)
		defer unsubscribe()
		wake = ch
	}

	ticker := time.NewTicker(w.opts.pollInterval)
	defer ticker.Stop()

	for {
		n, err := w.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			observability.LogStoreError(w.opts.logger.With(
				slog.String("consumer_group", w.stage.Name),
				slog.Int("partition", w.partition),
			), "poll", err)
		} else if n == w.opts.batchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// Poll processes the next batch of events after the committed offset and
// returns how many were committed. It stops at the first event that could
// not be committed.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	offset, err := w.log.Offset(ctx, w.stage.Name, w.partition)
	if err != nil {
		return 0, err
	}
	events, err := w.log.ReadPartition(ctx, w.partition, offset, w.opts.batchSize)
	if err != nil {
		return 0, err
	}
	for i, env := range events {
		if err := w.Process(ctx, env); err != nil {
			return i, err
		}
	}
	return len(events), nil
}

// Process runs one event through the worker states. A nil return means
// the offset moved past env: it was handled, skipped or dead-lettered. An
// error means nothing was committed and env must be processed again.
func (w *Worker) Process(ctx context.Context, env event.Envelope) error {
	start := time.Now()
	logger := observability.EnrichLogger(w.opts.logger, w.stage.Name, w.partition, env.EventID)

	w.transition(StateConsuming, env)
	observability.LogEventConsumed(logger, string(env.Type), env.Seq)

	w.transition(StateValidating, env)
	if err := w.opts.registry.Check(env); err != nil {
		return w.deadLetter(ctx, logger, env, err, 0, start)
	}
	if !Accepts(w.handler, env.Type) {
		return w.skip(ctx, logger, env, "not handled by stage", start)
	}

	w.transition(StateIdempotencyCheck, env)
	done, err := w.log.IsProcessed(ctx, w.stage.Name, env.EventID)
	if err != nil {
		return err
	}
	if done {
		return w.skip(ctx, logger, env, "already processed", start)
	}

	w.transition(StateExecuting, env)
	emitted, attempts, err := w.execute(ctx, logger, env)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !exerrors.IsConflict(err) {
			return w.deadLetter(ctx, logger, env, err, attempts, start)
		}
		emitted = nil
	}

	w.transition(StateEmitting, env)
	for _, out := range emitted {
		if err := w.opts.registry.Check(out); err != nil {
			return w.deadLetter(ctx, logger, env, err, attempts, start)
		}
	}

	w.transition(StateCommitting, env)
	appended, err := w.log.CommitStage(ctx, eventstore.Commit{
		Group:         w.stage.Name,
		Source:        env,
		Emitted:       emitted,
		MarkProcessed: true,
		AdvanceOffset: true,
	})
	if err != nil {
		if exerrors.IsPermanent(err) {
			return w.deadLetter(ctx, logger, env, err, attempts, start)
		}
		return err
	}

	w.opts.metrics.RecordAppend(ctx, len(emitted), countTrue(appended))
	w.opts.metrics.RecordEvent(ctx, w.stage.Name, string(env.Type), observability.OutcomeHandled, time.Since(start))
	observability.LogEventHandled(logger, string(env.Type), len(emitted), float64(time.Since(start).Milliseconds()))
	return nil
}

// execute runs the handler under the stage retry policy. Each attempt gets
// its own span and timeout; every failed attempt that will be retried is
// recorded as a retry-scheduled control event.
func (w *Worker) execute(ctx context.Context, logger *slog.Logger, env event.Envelope) ([]event.Envelope, int, error) {
	cfg := w.stage.retry()
	userHook := cfg.OnRetry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		w.scheduleRetry(ctx, logger, env, attempt, delay, err)
		if userHook != nil {
			userHook(attempt, err, delay)
		}
	}

	attempt := 0
	res := exerrors.WithRetryContext(ctx, cfg, func(ctx context.Context) ([]event.Envelope, error) {
		attempt++
		actx, span := w.opts.spans.StartAttemptSpan(ctx, w.stage.Name, env.EventID, string(env.Type), attempt)
		if w.stage.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(actx, w.stage.Timeout)
			defer cancel()
		}
		out, err := w.handler.Handle(actx, env)
		w.opts.spans.EndSpanWithError(span, err)
		return out, err
	})
	return res.Value, res.Attempts, res.Err
}

func (w *Worker) scheduleRetry(ctx context.Context, logger *slog.Logger, env event.Envelope, attempt int, delay time.Duration, cause error) {
	category := exerrors.Categorize(cause).String()
	w.opts.metrics.RecordRetry(ctx, w.stage.Name, category)
	observability.LogRetryScheduled(logger, attempt, delay, cause)

	ctrl, err := event.NewRetryScheduled(env, w.stage.Name, attempt, delay, cause, event.WithClock(w.opts.now))
	if err != nil {
		return
	}
	if _, err := w.log.AppendIfNew(ctx, ctrl); err != nil {
		observability.LogStoreError(logger, "append retry_scheduled", err)
	}
}

// deadLetter stores env as a pending dead-letter entry, records the
// control events and moves the offset past env in one commit.
func (w *Worker) deadLetter(ctx context.Context, logger *slog.Logger, env event.Envelope, cause error, retryCount int, start time.Time) error {
	category := deadLetterCategory(cause)
	entry := deadletter.NewEntry(env, w.stage.Name, cause, category, retryCount, w.opts.now())

	var ctrl []event.Envelope
	if exerrors.IsValidation(cause) {
		if vf, err := event.NewValidationFailed(env.Key(), env.Type, env.EventID, cause, event.WithClock(w.opts.now)); err == nil {
			ctrl = append(ctrl, vf)
		}
	}
	if dl, err := event.NewDeadLettered(env, w.stage.Name, retryCount, cause, event.WithClock(w.opts.now)); err == nil {
		ctrl = append(ctrl, dl)
	}

	if _, err := w.log.CommitStage(ctx, eventstore.Commit{
		Group:         w.stage.Name,
		Source:        env,
		Emitted:       ctrl,
		DeadLetter:    &entry,
		AdvanceOffset: true,
	}); err != nil {
		return err
	}

	w.opts.metrics.RecordDeadLetter(ctx, w.stage.Name, category)
	w.opts.metrics.RecordEvent(ctx, w.stage.Name, string(env.Type), observability.OutcomeDeadLettered, time.Since(start))
	observability.LogEventDeadLettered(logger, string(env.Type), retryCount, category, cause)
	return nil
}

func (w *Worker) skip(ctx context.Context, logger *slog.Logger, env event.Envelope, reason string, start time.Time) error {
	if _, err := w.log.CommitStage(ctx, eventstore.Commit{
		Group:         w.stage.Name,
		Source:        env,
		AdvanceOffset: true,
	}); err != nil {
		return err
	}
	w.opts.metrics.RecordEvent(ctx, w.stage.Name, string(env.Type), observability.OutcomeSkipped, time.Since(start))
	observability.LogEventSkipped(logger, string(env.Type), reason)
	return nil
}

func (w *Worker) transition(s State, env event.Envelope) {
	if w.opts.onTransition != nil {
		w.opts.onTransition(s, env)
	}
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

// categoryNonIdempotent marks collaborator failures that must not be
// re-executed automatically.
const categoryNonIdempotent = "collaborator_non_idempotent"

func deadLetterCategory(err error) string {
	c := exerrors.Categorize(err)
	if c == exerrors.CategoryCollaborator && !exerrors.IsRetryable(err) {
		return categoryNonIdempotent
	}
	return c.String()
}
