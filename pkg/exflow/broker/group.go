package broker

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/exflow/pkg/exflow/eventstore"
)

// memberSuffix names the lease group members heartbeat in. Each live member
// holds one slot lease there, so LeaseOwners on it counts the group.
const memberSuffix = "/members"

// Group is one member of a consumer group. It leases partitions from the
// store and runs a Worker for each partition it owns. Members sharing a
// stage name never own the same partition at once, and each aims for an
// even share of the partitions among the members currently alive.
type Group struct {
	stage Stage
	log   eventstore.Log
	opts  options

	slot int

	mu    sync.Mutex
	owned map[int]*running
}

type running struct {
	cancel  context.CancelFunc
	done    chan struct{}
	renewed time.Time
}

// NewGroup creates a group member for stage.
func NewGroup(stage Stage, log eventstore.Log, opts ...Option) (*Group, error) {
	if err := stage.validate(); err != nil {
		return nil, err
	}
	return &Group{
		stage: stage,
		log:   log,
		opts:  applyOptions(opts),
		slot:  -1,
		owned: make(map[int]*running),
	}, nil
}

// Stage returns the stage this group runs.
func (g *Group) Stage() Stage {
	return g.stage
}

// Owner returns this member's lease identity.
func (g *Group) Owner() string {
	return g.opts.owner
}

// Owned returns the partitions this member currently runs, sorted.
func (g *Group) Owned() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	parts := make([]int, 0, len(g.owned))
	for p := range g.owned {
		parts = append(parts, p)
	}
	slices.Sort(parts)
	return parts
}

// Run claims and renews leases until ctx is cancelled, then stops its
// workers and releases every lease it holds.
func (g *Group) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)

	ticker := time.NewTicker(g.renewInterval())
	defer ticker.Stop()

	for {
		g.rebalance(egCtx, eg)

		select {
		case <-egCtx.Done():
			g.stopAll()
			err := eg.Wait()
			g.releaseAll()
			return err
		case <-ticker.C:
		}
	}
}

func (g *Group) renewInterval() time.Duration {
	if d := g.opts.leaseTTL / 3; d > 0 {
		return d
	}
	return time.Second
}

// rebalance renews owned leases, gives back partitions above this member's
// share and claims free partitions up to it. A worker whose lease could not
// be renewed is stopped before the lease can lapse.
func (g *Group) rebalance(ctx context.Context, eg *errgroup.Group) {
	logger := g.opts.logger.With(
		slog.String("consumer_group", g.stage.Name),
		slog.String("owner", g.opts.owner),
	)

	members, err := g.heartbeat(ctx)
	if err != nil && ctx.Err() == nil {
		logger.Warn("group heartbeat failed", slog.String("error", err.Error()))
	}

	for _, p := range g.Owned() {
		if ctx.Err() != nil {
			return
		}
		g.renew(ctx, logger, p)
	}

	parts := g.log.Partitions()
	target := len(g.Owned())
	if members > 0 {
		target = fairShare(parts, members)
	}
	if g.opts.maxPartitions > 0 && target > g.opts.maxPartitions {
		target = g.opts.maxPartitions
	}

	for owned := g.Owned(); len(owned) > target; owned = g.Owned() {
		if ctx.Err() != nil {
			return
		}
		p := owned[len(owned)-1]
		g.handOff(ctx, p)
		logger.Info("partition released for rebalance",
			slog.Int("partition", p),
			slog.Int("members", members),
			slog.Int("share", target))
	}

	for p := 0; p < parts && len(g.Owned()) < target; p++ {
		if ctx.Err() != nil {
			return
		}
		if g.isRunning(p) {
			continue
		}
		start := time.Now()
		ok, err := g.claim(ctx, g.stage.Name, p)
		if err != nil {
			logger.Warn("partition claim failed", slog.Int("partition", p), slog.String("error", err.Error()))
			continue
		}
		if ok {
			g.start(ctx, eg, p, start)
			logger.Debug("partition acquired", slog.Int("partition", p))
		}
	}
}

// renew extends the lease on p, stopping its worker when the lease is gone,
// the store cannot confirm it, or the last renewal is already a TTL old.
func (g *Group) renew(ctx context.Context, logger *slog.Logger, p int) {
	g.mu.Lock()
	r, ok := g.owned[p]
	var last time.Time
	if ok {
		last = r.renewed
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	start := time.Now()
	if start.Sub(last) >= g.opts.leaseTTL {
		g.stop(p)
		logger.Warn("partition lease expired before renewal", slog.Int("partition", p))
		return
	}

	held, err := g.claim(ctx, g.stage.Name, p)
	switch {
	case err != nil:
		g.stop(p)
		if ctx.Err() == nil {
			logger.Warn("partition renewal failed", slog.Int("partition", p), slog.String("error", err.Error()))
		}
	case !held:
		g.stop(p)
		logger.Warn("partition lease lost", slog.Int("partition", p))
	default:
		g.mu.Lock()
		if r, ok := g.owned[p]; ok {
			r.renewed = start
		}
		g.mu.Unlock()
	}
}

// heartbeat keeps this member's slot lease alive and returns how many
// members hold one. It returns zero when the count is unknown.
func (g *Group) heartbeat(ctx context.Context) (int, error) {
	group := g.stage.Name + memberSuffix

	if g.slot >= 0 {
		ok, err := g.claim(ctx, group, g.slot)
		if err != nil {
			return 0, err
		}
		if !ok {
			g.slot = -1
		}
	}
	for s := 0; g.slot < 0; s++ {
		ok, err := g.claim(ctx, group, s)
		if err != nil {
			return 0, err
		}
		if ok {
			g.slot = s
		}
	}

	owners, err := g.log.LeaseOwners(ctx, group)
	if err != nil {
		return 0, err
	}
	if !slices.Contains(owners, g.opts.owner) {
		return len(owners) + 1, nil
	}
	return len(owners), nil
}

// claim bounds a lease call so a stalled store cannot hold the loop past
// the next renewal.
func (g *Group) claim(ctx context.Context, group string, p int) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, g.renewInterval())
	defer cancel()
	return g.log.ClaimPartition(cctx, group, p, g.opts.owner, g.opts.leaseTTL)
}

func (g *Group) isRunning(p int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.owned[p]
	return ok
}

func (g *Group) start(ctx context.Context, eg *errgroup.Group, p int, claimed time.Time) {
	wctx, cancel := context.WithCancel(ctx)
	r := &running{cancel: cancel, done: make(chan struct{}), renewed: claimed}
	g.mu.Lock()
	g.owned[p] = r
	g.mu.Unlock()

	w := newWorker(g.stage, g.log, p, g.opts)
	eg.Go(func() error {
		defer close(r.done)
		return w.Run(wctx)
	})
}

// stop cancels p's worker and forgets it. It returns the worker's done
// channel, or nil when p was not running.
func (g *Group) stop(p int) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.owned[p]
	if !ok {
		return nil
	}
	r.cancel()
	delete(g.owned, p)
	return r.done
}

// handOff stops p's worker, waits for its in-flight batch and releases the
// lease so another member can pick the partition up.
func (g *Group) handOff(ctx context.Context, p int) {
	done := g.stop(p)
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
		return
	}
	if err := g.log.ReleasePartition(ctx, g.stage.Name, p, g.opts.owner); err != nil {
		g.opts.logger.Warn("partition release failed",
			slog.String("consumer_group", g.stage.Name),
			slog.Int("partition", p),
			slog.String("error", err.Error()))
	}
}

func (g *Group) stopAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.owned {
		r.cancel()
	}
}

func (g *Group) releaseAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g.mu.Lock()
	defer g.mu.Unlock()
	for p := range g.owned {
		if err := g.log.ReleasePartition(ctx, g.stage.Name, p, g.opts.owner); err != nil {
			g.opts.logger.Warn("partition release failed",
				slog.String("consumer_group", g.stage.Name),
				slog.Int("partition", p),
				slog.String("error", err.Error()))
		}
		delete(g.owned, p)
	}
	if g.slot >= 0 {
		_ = g.log.ReleasePartition(ctx, g.stage.Name+memberSuffix, g.slot, g.opts.owner)
		g.slot = -1
	}
}

// fairShare is ceil(partitions / members).
func fairShare(partitions, members int) int {
	return (partitions + members - 1) / members
}
