package telemetry

import (
	"sync"
	"time"
)

// EventKind identifies a device lifecycle event
type EventKind string

const (
	EventWorkerStarted  EventKind = "worker_started"
	EventProbe          EventKind = "probe"
	EventCommand        EventKind = "command"
	EventUnreachable    EventKind = "unreachable"
	EventRoundStarted   EventKind = "round_started"
	EventRoundFinished  EventKind = "round_finished"
	EventTaskSelected   EventKind = "task_selected"
	EventReading        EventKind = "reading"
	EventWorkerFinished EventKind = "worker_finished"
)

// Event is a single observation emitted by a worker. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind       EventKind     `json:"kind"`
	Time       time.Time     `json:"time"`
	Device     string        `json:"device"`
	Alias      string        `json:"alias,omitempty"`
	Color      string        `json:"color,omitempty"`
	Round      int           `json:"round,omitempty"`
	Rounds     int           `json:"rounds,omitempty"`
	Pass       int           `json:"pass,omitempty"`
	Task       string        `json:"task,omitempty"`
	Query      string        `json:"query,omitempty"`
	Command    string        `json:"command,omitempty"`
	OK         bool          `json:"ok"`
	Diagnostic string        `json:"diagnostic,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Status     string        `json:"status,omitempty"`
	Searches   int           `json:"searches,omitempty"`
}

// Observer receives events. Implementations must be safe for concurrent use:
// every device worker shares the same observer.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Multi fans an event out to several observers in order.
type Multi []Observer

func (m Multi) Observe(e Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(e)
		}
	}
}

// Discard drops every event.
var Discard Observer = ObserverFunc(func(Event) {})

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns the recorded events for device (all devices when empty) of the given kind.
func (r *Recorder) Filter(device string, kind EventKind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind != kind {
			continue
		}
		if device != "" && e.Device != device {
			continue
		}
		out = append(out, e)
	}
	return out
}
