package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/eventstore"
	"github.com/randalmurphal/exflow/pkg/exflow/exception"
	"github.com/randalmurphal/exflow/pkg/exflow/observability"
)

// SLAStore is what the watcher reads and appends to.
type SLAStore interface {
	ListExceptions(ctx context.Context, tenantID string, filter eventstore.ListFilter) ([]*exception.Exception, error)
	AppendIfNew(ctx context.Context, env event.Envelope) (bool, error)
}

// SLAConfig configures an SLAWatcher.
type SLAConfig struct {
	// Threshold is how close the deadline must be. Default 60m.
	Threshold time.Duration

	// Interval between scans. Default 1m.
	Interval time.Duration

	// PageSize bounds each exception listing. Default 500.
	PageSize int

	// Tenants lists the tenants to scan on each pass.
	Tenants func() []string

	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultSLAConfig returns the default watcher settings.
func DefaultSLAConfig() SLAConfig {
	return SLAConfig{
		Threshold: time.Hour,
		Interval:  time.Minute,
		PageSize:  500,
	}
}

// SLAWatcher appends control.sla_imminent for open exceptions whose
// deadline is within the threshold, once per exception and deadline.
type SLAWatcher struct {
	store  SLAStore
	config SLAConfig

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewSLAWatcher creates a watcher.
func NewSLAWatcher(store SLAStore, config SLAConfig) *SLAWatcher {
	d := DefaultSLAConfig()
	if config.Threshold <= 0 {
		config.Threshold = d.Threshold
	}
	if config.Interval <= 0 {
		config.Interval = d.Interval
	}
	if config.PageSize <= 0 {
		config.PageSize = d.PageSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Tenants == nil {
		config.Tenants = func() []string { return nil }
	}
	return &SLAWatcher{store: store, config: config}
}

// Start begins periodic scanning in a goroutine.
func (w *SLAWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(ctx)
}

// Stop stops scanning and waits for the current scan to finish.
func (w *SLAWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()
	<-done
}

func (w *SLAWatcher) run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.Scan(ctx); err != nil && ctx.Err() == nil {
			observability.LogStoreError(w.config.Logger, "sla_scan", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Scan runs one pass and returns how many events it appended.
func (w *SLAWatcher) Scan(ctx context.Context) (int, error) {
	now := w.config.Now()
	appended := 0
	for _, tenant := range w.config.Tenants() {
		for offset := 0; ; offset += w.config.PageSize {
			page, err := w.store.ListExceptions(ctx, tenant, eventstore.ListFilter{
				Open:   true,
				Limit:  w.config.PageSize,
				Offset: offset,
			})
			if err != nil {
				return appended, err
			}
			for _, exc := range page {
				ok, err := w.check(ctx, exc, now)
				if err != nil {
					return appended, err
				}
				if ok {
					appended++
				}
			}
			if len(page) < w.config.PageSize {
				break
			}
		}
	}
	return appended, nil
}

func (w *SLAWatcher) check(ctx context.Context, exc *exception.Exception, now time.Time) (bool, error) {
	remaining, ok := exc.MinutesRemaining(now)
	if !ok || remaining >= w.config.Threshold.Minutes() {
		return false, nil
	}

	deadline := exc.SLADeadline.UTC()
	at := now.UTC()
	if !at.After(exc.UpdatedAt) {
		at = exc.UpdatedAt.Add(time.Microsecond)
	}
	env, err := event.New(exc.Key(), event.TypeSLAImminent, event.System, event.SLAImminent{
		SLADeadline:      deadline,
		MinutesRemaining: remaining,
	},
		event.WithEventID(event.DerivedID(exc.Key().String(), "sla_imminent", deadline.Format(time.RFC3339Nano))),
		event.WithTimestamp(at),
	)
	if err != nil {
		return false, err
	}
	added, err := w.store.AppendIfNew(ctx, env)
	if err != nil {
		return false, err
	}
	if added {
		w.config.Logger.Info("sla imminent",
			slog.String("exception", exc.Key().String()),
			slog.Float64("minutes_remaining", remaining),
		)
	}
	return added, nil
}
