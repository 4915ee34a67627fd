package eventstore

import (
	"sync"

	"github.com/inboxtriage/webhook-relay/internal/event"
)

// DefaultCapacity is the number of events retained when no explicit capacity
// is configured.
const DefaultCapacity = 100

// Store is a process-wide bounded buffer of normalized events. The webhook
// handlers are the only writers; delivery paths only read. When the buffer
// exceeds its capacity the oldest events are evicted, so a cursor older than
// the retained range loses events.
//
// Construct one in main and pass it to whatever needs it; there is no
// package-level instance.
type Store struct {
	mu       sync.RWMutex
	capacity int
	events   []event.Event
}

// New creates a store retaining at most capacity events. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{capacity: capacity}
}

// Append adds an event to the buffer, evicting the oldest entries once the
// capacity is exceeded.
func (s *Store) Append(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Writers assign receipt timestamps before taking this lock, so two
	// overlapping appends can arrive inverted. Clamp to keep timestamps
	// non-decreasing in insertion order; otherwise the late event would be
	// invisible to every cursor at or past the newer timestamp.
	if n := len(s.events); n > 0 && ev.Timestamp < s.events[n-1].Timestamp {
		ev.Timestamp = s.events[n-1].Timestamp
	}

	s.events = append(s.events, ev)
	if len(s.events) > s.capacity {
		overflow := len(s.events) - s.capacity
		// Copy so the evicted prefix can be collected.
		retained := make([]event.Event, s.capacity)
		copy(retained, s.events[overflow:])
		s.events = retained
	}
}

// Since returns all retained events with a timestamp strictly greater than
// cursor, in insertion order. A cursor of 0 returns the full retained buffer.
func (s *Store) Since(cursor int64) []event.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]event.Event, 0)
	for _, ev := range s.events {
		if ev.Timestamp > cursor {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of retained events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Latest returns the timestamp of the most recent retained event, or 0 when
// the buffer is empty.
func (s *Store) Latest() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return 0
	}
	return s.events[len(s.events)-1].Timestamp
}
