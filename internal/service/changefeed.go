package service

import (
	"log/slog"
	"sync"
)

// feedBuffer is the per-subscriber queue depth.
const feedBuffer = 1024

// feedSub is one subscriber's queue. A subscriber whose queue overflowed is
// lagged: it receives nothing but retained changes until there is room for
// the backlog plus a full resync.
type feedSub[T any] struct {
	ch      chan T
	lagged  bool
	backlog []T
}

// changeFeed delivers committed changes to subscribers in publish order.
// Each subscriber has its own queue and goroutine, so a callback may read
// from the store that published it without deadlocking.
type changeFeed[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*feedSub[T]
	closed bool
	buffer int

	// resync returns the full current state. It runs inside publish, so
	// under the publishing store's lock.
	resync func() T
	// retain picks the changes a lagged subscriber must still see one by
	// one because the resync cannot express them. Nil retains nothing.
	retain func(T) bool

	logger *slog.Logger
}

func newChangeFeed[T any](logger *slog.Logger, resync func() T, retain func(T) bool) *changeFeed[T] {
	return &changeFeed[T]{
		subs:   make(map[int]*feedSub[T]),
		buffer: feedBuffer,
		resync: resync,
		retain: retain,
		logger: logger,
	}
}

// subscribe registers fn and returns a function that removes it. The
// returned function is safe to call more than once.
func (f *changeFeed[T]) subscribe(fn func(T)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return func() {}
	}

	id := f.nextID
	f.nextID++
	sub := &feedSub[T]{ch: make(chan T, f.buffer)}
	f.subs[id] = sub

	go func() {
		for v := range sub.ch {
			fn(v)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if s, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(s.ch)
			}
		})
	}
}

// publish enqueues v for every subscriber. Callers hold their own store lock
// while publishing so that queue order equals commit order, and v must
// already be reflected in what resync returns.
func (f *changeFeed[T]) publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var state *T
	for id, sub := range f.subs {
		if !sub.lagged {
			select {
			case sub.ch <- v:
				continue
			default:
			}
			sub.lagged = true
			f.logger.Warn("change feed: subscriber queue full, will resync",
				slog.Int("subscriber", id),
			)
		}
		f.retainLocked(sub, v)

		// Only publish sends, so the free space checked here stays free.
		if cap(sub.ch)-len(sub.ch) < len(sub.backlog)+1 {
			continue
		}
		if state == nil {
			s := f.resync()
			state = &s
		}
		for _, b := range sub.backlog {
			sub.ch <- b
		}
		sub.ch <- *state
		f.logger.Info("change feed: subscriber resynced",
			slog.Int("subscriber", id),
			slog.Int("retained", len(sub.backlog)),
		)
		sub.backlog = nil
		sub.lagged = false
	}
}

func (f *changeFeed[T]) retainLocked(sub *feedSub[T], v T) {
	if f.retain == nil || !f.retain(v) {
		return
	}
	// The backlog and the resync must fit in the queue together.
	if len(sub.backlog) > 0 && len(sub.backlog) >= f.buffer-1 {
		f.logger.Warn("change feed: backlog full, dropping oldest retained change")
		sub.backlog = sub.backlog[1:]
	}
	sub.backlog = append(sub.backlog, v)
}

// close stops every subscriber goroutine once its queue drains.
func (f *changeFeed[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub.ch)
	}
}
