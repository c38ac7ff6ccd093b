package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/exflow/pkg/exflow/deadletter"
	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
	"github.com/randalmurphal/exflow/pkg/exflow/eventstore"
)

// ErrUnknownStage is returned when redriving an entry whose consumer group
// has no registered stage.
var ErrUnknownStage = errors.New("unknown stage")

// RedriveStore is the store surface the redriver needs.
type RedriveStore interface {
	eventstore.Log
	deadletter.Store
}

// RedriverConfig configures automatic redrive.
type RedriverConfig struct {
	// BatchSize is the number of pending entries examined per poll.
	// Default: 10
	BatchSize int

	// PollInterval is how often pending entries are examined.
	// Default: 1 minute
	PollInterval time.Duration

	// MaxRetryCount stops automatic redrive once an entry has been retried
	// this many times in total. Manual Redrive ignores it.
	// Default: 8
	MaxRetryCount int

	// OnRetry is called before an entry is re-executed.
	OnRetry func(*deadletter.Entry)

	// OnSuccess is called after an entry was re-executed and committed.
	OnSuccess func(*deadletter.Entry)

	// OnFailure is called after a failed re-execution.
	OnFailure func(*deadletter.Entry, error)
}

// DefaultRedriverConfig provides reasonable defaults.
var DefaultRedriverConfig = RedriverConfig{
	BatchSize:     10,
	PollInterval:  time.Minute,
	MaxRetryCount: 8,
}

// Redriver re-executes dead-lettered events through their stage handler.
// A successful redrive appends the handler's emissions and records the
// event as processed; the partition offset already moved past it when it
// was dead-lettered.
type Redriver struct {
	store  RedriveStore
	stages map[string]Stage
	cfg    RedriverConfig
	opts   options

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// NewRedriver creates a redriver for the given stages.
func NewRedriver(store RedriveStore, stages []Stage, cfg RedriverConfig, opts ...Option) *Redriver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRedriverConfig.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRedriverConfig.PollInterval
	}
	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = DefaultRedriverConfig.MaxRetryCount
	}
	byName := make(map[string]Stage, len(stages))
	for _, s := range stages {
		byName[s.Name] = s
	}
	return &Redriver{
		store:  store,
		stages: byName,
		cfg:    cfg,
		opts:   applyOptions(opts),
		stopCh: make(chan struct{}),
	}
}

// Redrive re-executes one pending entry. On success the entry becomes
// succeeded; on failure it returns to pending with its retry count
// incremented and the handler error is returned.
func (r *Redriver) Redrive(ctx context.Context, group, eventID string) (*deadletter.Entry, error) {
	stage, ok := r.stages[group]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, group)
	}

	entry, err := r.store.UpdateDeadLetter(ctx, group, eventID, deadletter.Update{Status: deadletter.StatusRetrying})
	if err != nil {
		return nil, err
	}
	if r.cfg.OnRetry != nil {
		r.cfg.OnRetry(entry)
	}

	runErr := r.execute(ctx, stage, entry)
	if runErr != nil {
		failed, err := r.store.UpdateDeadLetter(ctx, group, eventID, deadletter.Update{
			Status:         deadletter.StatusPending,
			Error:          runErr.Error(),
			IncrementRetry: true,
		})
		if err != nil {
			return nil, errors.Join(runErr, err)
		}
		if r.cfg.OnFailure != nil {
			r.cfg.OnFailure(failed, runErr)
		}
		return failed, runErr
	}

	done, err := r.store.UpdateDeadLetter(ctx, group, eventID, deadletter.Update{Status: deadletter.StatusSucceeded})
	if err != nil {
		return nil, err
	}
	if r.cfg.OnSuccess != nil {
		r.cfg.OnSuccess(done)
	}
	r.opts.logger.Info("dead letter redriven",
		slog.String("consumer_group", group),
		slog.String("event_id", eventID),
		slog.Int("retry_count", done.RetryCount))
	return done, nil
}

func (r *Redriver) execute(ctx context.Context, stage Stage, entry *deadletter.Entry) error {
	env := entry.Envelope
	if err := r.opts.registry.Check(env); err != nil {
		return err
	}

	processed, err := r.store.IsProcessed(ctx, stage.Name, env.EventID)
	if err != nil || processed {
		return err
	}

	handler := Chain(stage.Handler, RecoveryMiddleware(), TimeoutMiddleware(stage.Timeout))
	emitted, err := handler.Handle(ctx, env)
	if err != nil && !exerrors.IsConflict(err) {
		return err
	}
	if err != nil {
		emitted = nil
	}

	_, err = r.store.CommitStage(ctx, eventstore.Commit{
		Group:         stage.Name,
		Source:        env,
		Emitted:       emitted,
		MarkProcessed: true,
	})
	return err
}

// Discard resolves an entry without re-execution.
func (r *Redriver) Discard(ctx context.Context, group, eventID string) (*deadletter.Entry, error) {
	return r.store.UpdateDeadLetter(ctx, group, eventID, deadletter.Update{Status: deadletter.StatusDiscarded})
}

// Start begins automatic redrive of retryable pending entries.
func (r *Redriver) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	go r.run(ctx, stopCh)
}

// Stop halts automatic redrive.
func (r *Redriver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	close(r.stopCh)
	r.running = false
}

func (r *Redriver) run(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			r.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch redrives up to BatchSize pending entries whose failure was
// transient and whose retry count is below MaxRetryCount. It returns the
// number of entries that succeeded.
func (r *Redriver) ProcessBatch(ctx context.Context) int {
	entries, err := r.store.ListDeadLetters(ctx, deadletter.ListFilter{
		Status: deadletter.StatusPending,
	})
	if err != nil {
		r.opts.logger.Warn("dead letter listing failed", slog.String("error", err.Error()))
		return 0
	}

	succeeded, tried := 0, 0
	for _, e := range entries {
		if tried >= r.cfg.BatchSize || ctx.Err() != nil {
			break
		}
		if !autoRedrivable(e.Category) || e.RetryCount >= r.cfg.MaxRetryCount {
			continue
		}
		if _, ok := r.stages[e.ConsumerGroup]; !ok {
			continue
		}
		tried++
		if _, err := r.Redrive(ctx, e.ConsumerGroup, e.EventID); err == nil {
			succeeded++
		}
	}
	return succeeded
}

func autoRedrivable(category string) bool {
	return category == exerrors.CategoryTransientInfra.String() ||
		category == exerrors.CategoryCollaborator.String()
}
