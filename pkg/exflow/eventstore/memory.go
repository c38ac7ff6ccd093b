package eventstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/exflow/pkg/exflow/deadletter"
	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/exception"
	"github.com/randalmurphal/exflow/pkg/exflow/partition"
)

type groupPartition struct {
	group     string
	partition int
}

type groupEvent struct {
	group   string
	eventID string
}

type lease struct {
	owner   string
	expires time.Time
}

// MemoryStore keeps the log and projections in memory.
// It is safe for concurrent use and suitable for testing.
type MemoryStore struct {
	mu     sync.RWMutex
	opts   options
	parts  partition.Partitioner
	closed bool

	log         []event.Envelope // index = seq-1
	ids         map[string]int64
	byKey       map[event.Key][]int64
	byPartition map[int][]int64
	exceptions  map[event.Key]*exception.Exception

	processed   map[groupEvent]time.Time
	offsets     map[groupPartition]int64
	leases      map[groupPartition]lease
	deadLetters map[groupEvent]*deadletter.Entry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		opts:        o,
		parts:       partition.New(o.partitions),
		ids:         make(map[string]int64),
		byKey:       make(map[event.Key][]int64),
		byPartition: make(map[int][]int64),
		exceptions:  make(map[event.Key]*exception.Exception),
		processed:   make(map[groupEvent]time.Time),
		offsets:     make(map[groupPartition]int64),
		leases:      make(map[groupPartition]lease),
		deadLetters: make(map[groupEvent]*deadletter.Entry),
	}
}

// memTx stages appends so a batch is applied all-or-nothing.
type memTx struct {
	s           *MemoryStore
	appended    []event.Envelope
	projections map[event.Key]*exception.Exception
	touched     map[event.Key]bool
}

func (s *MemoryStore) begin() *memTx {
	return &memTx{
		s:           s,
		projections: make(map[event.Key]*exception.Exception),
		touched:     make(map[event.Key]bool),
	}
}

func (tx *memTx) exists(id string) bool {
	if _, ok := tx.s.ids[id]; ok {
		return true
	}
	for _, e := range tx.appended {
		if e.EventID == id {
			return true
		}
	}
	return false
}

func (tx *memTx) projection(key event.Key) *exception.Exception {
	if tx.touched[key] {
		return tx.projections[key]
	}
	return tx.s.exceptions[key]
}

func (tx *memTx) history(key event.Key) []event.Envelope {
	var out []event.Envelope
	for _, seq := range tx.s.byKey[key] {
		out = append(out, tx.s.log[seq-1])
	}
	for _, e := range tx.appended {
		if e.Key() == key {
			out = append(out, e)
		}
	}
	return out
}

func (tx *memTx) append(env event.Envelope) (bool, error) {
	if err := event.Check(env); err != nil {
		return false, err
	}
	if tx.exists(env.EventID) {
		return false, nil
	}

	key := env.Key()
	next, err := project(tx.projection(key), func() ([]event.Envelope, error) {
		return tx.history(key), nil
	}, env)
	if err != nil {
		return false, err
	}
	if next != nil {
		tx.projections[key] = next
		tx.touched[key] = true
	}

	env.Seq = int64(len(tx.s.log) + len(tx.appended) + 1)
	env.Partition = tx.s.parts.For(key)
	env.CreatedAt = env.CreatedAt.UTC()
	tx.appended = append(tx.appended, env)
	return true, nil
}

// commit applies staged changes and returns the partitions to notify.
func (tx *memTx) commit() []int {
	s := tx.s
	notify := map[int]bool{}
	for _, env := range tx.appended {
		s.log = append(s.log, env)
		s.ids[env.EventID] = env.Seq
		s.byKey[env.Key()] = append(s.byKey[env.Key()], env.Seq)
		s.byPartition[env.Partition] = append(s.byPartition[env.Partition], env.Seq)
		notify[env.Partition] = true
	}
	for key := range tx.touched {
		s.exceptions[key] = tx.projections[key]
	}
	parts := make([]int, 0, len(notify))
	for p := range notify {
		parts = append(parts, p)
	}
	sort.Ints(parts)
	return parts
}

func (s *MemoryStore) notify(parts []int) {
	if s.opts.notifier == nil {
		return
	}
	for _, p := range parts {
		s.opts.notifier.Notify(p)
	}
}

// AppendIfNew implements Store.
func (s *MemoryStore) AppendIfNew(ctx context.Context, env event.Envelope) (bool, error) {
	res, err := s.AppendBatch(ctx, []event.Envelope{env})
	if err != nil {
		return false, err
	}
	return res[0], nil
}

// AppendBatch implements Store.
func (s *MemoryStore) AppendBatch(ctx context.Context, envs []event.Envelope) ([]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	tx := s.begin()
	res := make([]bool, len(envs))
	for i, env := range envs {
		ok, err := tx.append(env)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		res[i] = ok
	}
	parts := tx.commit()
	s.mu.Unlock()

	s.notify(parts)
	return res, nil
}

// GetEvents implements Store.
func (s *MemoryStore) GetEvents(ctx context.Context, key event.Key, filter Filter) ([]event.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []event.Envelope
	for _, seq := range s.byKey[key] {
		env := s.log[seq-1]
		if filter.Matches(env) {
			out = append(out, env)
		}
	}
	sortEvents(out)
	return paginate(out, filter.Limit, filter.Offset), nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	_, ok := s.ids[eventID]
	return ok, nil
}

// GetException implements Store.
func (s *MemoryStore) GetException(ctx context.Context, key event.Key) (*exception.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	exc, ok := s.exceptions[key]
	if !ok {
		return nil, fmt.Errorf("exception %s: %w", key, ErrNotFound)
	}
	return exc.Clone(), nil
}

// ListExceptions implements Store.
func (s *MemoryStore) ListExceptions(ctx context.Context, tenantID string, filter ListFilter) ([]*exception.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []*exception.Exception
	for key, exc := range s.exceptions {
		if key.TenantID == tenantID && filter.Matches(exc) {
			out = append(out, exc.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *exception.Exception) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ExceptionID < b.ExceptionID {
			return -1
		}
		if a.ExceptionID > b.ExceptionID {
			return 1
		}
		return 0
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

// Rebuild implements Store.
func (s *MemoryStore) Rebuild(ctx context.Context, key event.Key) (*exception.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	var events []event.Envelope
	for _, seq := range s.byKey[key] {
		events = append(events, s.log[seq-1])
	}
	exc, err := exception.Fold(events)
	if err != nil {
		return nil, fmt.Errorf("rebuild %s: %w", key, ErrNotFound)
	}
	s.exceptions[key] = exc
	return exc.Clone(), nil
}

// Len returns the number of events in the log.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log)
}

// Partitions implements Log.
func (s *MemoryStore) Partitions() int {
	return s.parts.Count()
}

// ReadPartition implements Log.
func (s *MemoryStore) ReadPartition(ctx context.Context, part int, afterSeq int64, limit int) ([]event.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	seqs := s.byPartition[part]
	i := sort.Search(len(seqs), func(i int) bool { return seqs[i] > afterSeq })
	var out []event.Envelope
	for ; i < len(seqs); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.log[seqs[i]-1])
	}
	return out, nil
}

// Offset implements Log.
func (s *MemoryStore) Offset(ctx context.Context, group string, part int) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	return s.offsets[groupPartition{group, part}], nil
}

// IsProcessed implements Log.
func (s *MemoryStore) IsProcessed(ctx context.Context, group, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	_, ok := s.processed[groupEvent{group, eventID}]
	return ok, nil
}

// CommitStage implements Log.
func (s *MemoryStore) CommitStage(ctx context.Context, c Commit) ([]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}

	tx := s.begin()
	res := make([]bool, len(c.Emitted))
	for i, env := range c.Emitted {
		ok, err := tx.append(env)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		res[i] = ok
	}

	now := s.opts.now().UTC()
	parts := tx.commit()
	if c.MarkProcessed {
		s.processed[groupEvent{c.Group, c.Source.EventID}] = now
	}
	if c.DeadLetter != nil {
		entry := *c.DeadLetter
		s.deadLetters[groupEvent{entry.ConsumerGroup, entry.EventID}] = &entry
	}
	if c.AdvanceOffset {
		gp := groupPartition{c.Group, c.Source.Partition}
		if c.Source.Seq > s.offsets[gp] {
			s.offsets[gp] = c.Source.Seq
		}
	}
	s.mu.Unlock()

	s.notify(parts)
	return res, nil
}

// ClaimPartition implements Log.
func (s *MemoryStore) ClaimPartition(ctx context.Context, group string, part int, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	now := s.opts.now()
	gp := groupPartition{group, part}
	if cur, ok := s.leases[gp]; ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	s.leases[gp] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// ReleasePartition implements Log.
func (s *MemoryStore) ReleasePartition(ctx context.Context, group string, part int, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	gp := groupPartition{group, part}
	if cur, ok := s.leases[gp]; ok && cur.owner == owner {
		delete(s.leases, gp)
	}
	return nil
}

// LeaseOwners implements Log.
func (s *MemoryStore) LeaseOwners(ctx context.Context, group string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	now := s.opts.now()
	var owners []string
	for gp, l := range s.leases {
		if gp.group != group || !now.Before(l.expires) || slices.Contains(owners, l.owner) {
			continue
		}
		owners = append(owners, l.owner)
	}
	slices.Sort(owners)
	return owners, nil
}

// GetDeadLetter implements deadletter.Store.
func (s *MemoryStore) GetDeadLetter(ctx context.Context, group, eventID string) (*deadletter.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	e, ok := s.deadLetters[groupEvent{group, eventID}]
	if !ok {
		return nil, deadletter.ErrNotFound
	}
	c := *e
	return &c, nil
}

// ListDeadLetters implements deadletter.Store.
func (s *MemoryStore) ListDeadLetters(ctx context.Context, filter deadletter.ListFilter) ([]*deadletter.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*deadletter.Entry
	for _, e := range s.deadLetters {
		if filter.Matches(e) {
			c := *e
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *deadletter.Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.EventID != b.EventID {
			if a.EventID < b.EventID {
				return -1
			}
			return 1
		}
		if a.ConsumerGroup < b.ConsumerGroup {
			return -1
		}
		if a.ConsumerGroup > b.ConsumerGroup {
			return 1
		}
		return 0
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

// UpdateDeadLetter implements deadletter.Store.
func (s *MemoryStore) UpdateDeadLetter(ctx context.Context, group, eventID string, u deadletter.Update) (*deadletter.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	e, ok := s.deadLetters[groupEvent{group, eventID}]
	if !ok {
		return nil, deadletter.ErrNotFound
	}
	next := *e
	if err := next.Apply(u, s.opts.now()); err != nil {
		return nil, err
	}
	*e = next
	return &next, nil
}

// CountDeadLetters implements deadletter.Store.
func (s *MemoryStore) CountDeadLetters(ctx context.Context, group string) (map[deadletter.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	counts := make(map[deadletter.Status]int)
	for _, e := range s.deadLetters {
		if group == "" || e.ConsumerGroup == group {
			counts[e.Status]++
		}
	}
	return counts, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Compile-time interface checks.
var (
	_ Full = (*MemoryStore)(nil)
)
