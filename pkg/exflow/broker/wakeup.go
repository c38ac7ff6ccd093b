package broker

import (
	"sync"
	"sync/atomic"
)

// Wakeup fans partition notifications out to idle workers. Stores call
// Notify after committing an append so workers waiting on that partition
// poll immediately instead of waiting for their poll interval.
//
// Signals are coalesced: a subscriber that has not yet consumed a signal
// gets no second one, and Notify never blocks.
type Wakeup struct {
	mu     sync.RWMutex
	subs   map[int]map[uint64]chan struct{}
	closed bool

	nextID    atomic.Uint64
	delivered atomic.Int64
}

// NewWakeup creates an empty Wakeup.
func NewWakeup() *Wakeup {
	return &Wakeup{subs: make(map[int]map[uint64]chan struct{})}
}

// Notify wakes every subscriber of partition.
func (w *Wakeup) Notify(partition int) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	for _, ch := range w.subs[partition] {
		select {
		case ch <- struct{}{}:
			w.delivered.Add(1)
		default:
		}
	}
}

// Subscribe returns a channel signalled when partition receives events and
// a function that removes the subscription.
func (w *Wakeup) Subscribe(partition int) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	id := w.nextID.Add(1)

	w.mu.Lock()
	if w.subs[partition] == nil {
		w.subs[partition] = make(map[uint64]chan struct{})
	}
	w.subs[partition][id] = ch
	w.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.subs[partition], id)
			if len(w.subs[partition]) == 0 {
				delete(w.subs, partition)
			}
		})
	}
}

// Delivered returns the number of signals delivered so far.
func (w *Wakeup) Delivered() int64 {
	return w.delivered.Load()
}

// Close drops all subscriptions. Later notifications are ignored.
func (w *Wakeup) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.subs = make(map[int]map[uint64]chan struct{})
}
