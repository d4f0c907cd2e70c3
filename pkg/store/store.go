// Package store keeps a bounded, newest-first window of canonical events.
package store

import (
	"sync"
	"sync/atomic"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/schema"
)

// DefaultCapacity is used when a store is created with a non-positive size.
const DefaultCapacity = 50

// Snapshot is an immutable newest-first view of the store. Callers must
// not modify the slice.
type Snapshot []schema.CanonicalEvent

// Store is a capacity-limited event buffer. Writers are serialized; readers
// load the current snapshot without locking and never observe a partial
// update.
type Store struct {
	capacity int

	mu      sync.Mutex
	current atomic.Pointer[version]
	nextSub int
	subs    map[int]func(Snapshot)
}

// version pairs a snapshot with the count of mutations that produced it.
type version struct {
	snap Snapshot
	seq  uint64
}

// New creates a store holding at most capacity events.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Store{capacity: capacity, subs: make(map[int]func(Snapshot))}
	s.current.Store(&version{snap: Snapshot{}})
	return s
}

// Capacity returns the maximum number of retained events.
func (s *Store) Capacity() int {
	return s.capacity
}

// Push prepends ev and evicts the oldest events beyond capacity.
func (s *Store) Push(ev schema.CanonicalEvent) {
	s.PushBatch([]schema.CanonicalEvent{ev})
}

// PushBatch pushes events in order, so the last element ends up first.
func (s *Store) PushBatch(events []schema.CanonicalEvent) {
	if len(events) == 0 {
		return
	}
	s.mutate(func(old Snapshot) Snapshot {
		incoming := events
		if len(incoming) > s.capacity {
			incoming = incoming[len(incoming)-s.capacity:]
		}
		keep := len(old)
		if keep > s.capacity-len(incoming) {
			keep = s.capacity - len(incoming)
		}

		next := make(Snapshot, 0, len(incoming)+keep)
		for i := len(incoming) - 1; i >= 0; i-- {
			next = append(next, incoming[i])
		}
		return append(next, old[:keep]...)
	})
}

// Replace discards the current window and loads events, given newest first.
func (s *Store) Replace(events []schema.CanonicalEvent) {
	s.mutate(func(Snapshot) Snapshot {
		n := len(events)
		if n > s.capacity {
			n = s.capacity
		}
		next := make(Snapshot, n)
		copy(next, events[:n])
		return next
	})
}

// Reset discards the current window and loads events given oldest first,
// keeping the newest capacity of them.
func (s *Store) Reset(events []schema.CanonicalEvent) {
	s.mutate(func(Snapshot) Snapshot {
		incoming := events
		if len(incoming) > s.capacity {
			incoming = incoming[len(incoming)-s.capacity:]
		}
		next := make(Snapshot, 0, len(incoming))
		for i := len(incoming) - 1; i >= 0; i-- {
			next = append(next, incoming[i])
		}
		return next
	})
}

// Clear empties the store.
func (s *Store) Clear() {
	s.mutate(func(Snapshot) Snapshot {
		return Snapshot{}
	})
}

// All returns the current snapshot, newest first.
func (s *Store) All() Snapshot {
	return s.current.Load().snap
}

// Versioned returns the current snapshot with its sequence number. The
// sequence grows by one per mutation, so a larger value is a newer window.
func (s *Store) Versioned() (Snapshot, uint64) {
	v := s.current.Load()
	return v.snap, v.seq
}

// Len returns the number of retained events.
func (s *Store) Len() int {
	return len(s.All())
}

// FilterByType returns the events of type t in store order.
func (s *Store) FilterByType(t schema.EventType) []schema.CanonicalEvent {
	return s.All().FilterByType(t)
}

// FilterByType returns the events of type t in snapshot order.
func (snap Snapshot) FilterByType(t schema.EventType) []schema.CanonicalEvent {
	out := make([]schema.CanonicalEvent, 0, len(snap))
	for _, ev := range snap {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe registers fn to receive every new snapshot after a mutation.
// Callbacks run synchronously on the writer's goroutine, in mutation order,
// and may read the store but must not mutate it or subscribe. The returned
// func removes the subscription.
func (s *Store) Subscribe(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) mutate(fn func(Snapshot) Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	next := fn(old.snap)
	s.current.Store(&version{snap: next, seq: old.seq + 1})
	for _, sub := range s.subs {
		sub(next)
	}
}
