// Package telemetry defines the events the engine emits and a prometheus
// backed observer for them. The engine only emits; exporting is left to the
// caller that owns the registry.
package telemetry

import (
	"sync"
	"time"
)

// EventKind identifies what an Event describes.
type EventKind string

const (
	OpStart        EventKind = "op_start"
	OpStop         EventKind = "op_stop"
	OpException    EventKind = "op_exception"
	EntropySample  EventKind = "entropy_sample"
	MigrationStart EventKind = "migration_start"
	MigrationStop  EventKind = "migration_stop"
	WALDegraded    EventKind = "wal_degraded"
	WALRestored    EventKind = "wal_restored"
	WALFlush       EventKind = "wal_flush"
	Recovery       EventKind = "recovery"
)

// Operation names carried in Event.Op.
const (
	OpPut    = "put"
	OpGet    = "get"
	OpDelete = "delete"
	OpFlush  = "flush"
)

// Event is a single telemetry record. Fields that do not apply to a kind are
// left at their zero value.
type Event struct {
	Time     time.Time
	Kind     EventKind
	Op       string
	ShardID  int
	Duration time.Duration
	Err      error

	Entropy float64

	MigrationID string
	Source      int
	Destination int
	Keys        int

	Entries int
	Skipped int
}

// Observer receives telemetry events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Nop discards all events.
type Nop struct{}

func (Nop) Observe(Event) {}

// Multi fans an event out to several observers.
type Multi []Observer

func (m Multi) Observe(e Event) {
	for _, o := range m {
		o.Observe(e)
	}
}

// Recorder keeps every event in memory. It is meant for tests and tooling.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events, optionally filtered by kind.
func (r *Recorder) Events(kinds ...EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(kinds) == 0 {
		return append([]Event(nil), r.events...)
	}
	var out []Event
	for _, e := range r.events {
		for _, k := range kinds {
			if e.Kind == k {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
