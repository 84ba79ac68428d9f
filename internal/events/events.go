// Package events carries engine notifications to external listeners.
//
// Emission is synchronous: Emit returns after every listener has seen the
// event. Listeners that do I/O (e.g. the live feed) must hand off and
// return quickly.
package events

import (
	"sync"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	// QueueStateChanged fires on every sync queue transition.
	QueueStateChanged Type = "queue_state_changed"

	// ProgressUpdated fires whenever the progress record is written.
	ProgressUpdated Type = "progress_updated"

	// ConsistencyCheckCompleted fires once per checked collection.
	ConsistencyCheckCompleted Type = "consistency_check_completed"
)

// Event is one notification. Collection is empty for owner-level events.
type Event struct {
	Type       Type      `json:"type"`
	OwnerID    string    `json:"owner_id"`
	Collection string    `json:"collection,omitempty"`
	State      string    `json:"state,omitempty"`
	Value      float64   `json:"value,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Emitter receives events.
type Emitter interface {
	Emit(e Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(e Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(e Event) { f(e) }

type nop struct{}

func (nop) Emit(Event) {}

// Nop discards every event.
var Nop Emitter = nop{}

// Bus fans events out to subscribers in subscription order.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs []subscription
}

type subscription struct {
	id int
	e  Emitter
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe adds e and returns a function that removes it.
func (b *Bus) Subscribe(e Emitter) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	id := b.next
	b.subs = append(b.subs, subscription{id: id, e: e})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers e to every subscriber.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.e.Emit(e)
	}
}

// Recorder keeps every event it receives. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Emitter.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
