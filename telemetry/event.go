package telemetry

import (
	"time"
)

// EventType names a structured engine event.
type EventType string

const (
	EventSubmitted            EventType = "evaluation.submitted"
	EventRejected             EventType = "evaluation.rejected"
	EventTransition           EventType = "evaluation.transition"
	EventTransitionIgnored    EventType = "evaluation.transition_ignored"
	EventKillRequested        EventType = "evaluation.kill_requested"
	EventTerminationSignal    EventType = "termination.signal"
	EventTerminationEscalated EventType = "termination.escalated"
	EventTerminationDone      EventType = "termination.completed"
	EventSandboxCreated       EventType = "sandbox.created"
	EventSandboxDestroyed     EventType = "sandbox.destroyed"
	EventSandboxLeaked        EventType = "sandbox.leaked"
	EventSandboxLeakCleared   EventType = "sandbox.leak_cleared"
	EventLeakEscalated        EventType = "sandbox.leak_escalated"
	EventBackendProbed        EventType = "backend.probed"
	EventResultPersisted      EventType = "result.persisted"
	EventQueueStats           EventType = "queue.stats"
)

// Event is one audit record. Fields carries event specific context.
type Event struct {
	Type   EventType
	EvalID string
	At     time.Time
	Fields map[string]any
}

// Sink receives engine events. Implementations must be safe for
// concurrent use and must not block the caller for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(e Event) { f(e) }

// Multi fans an event out to several sinks.
type Multi []Sink

// Emit forwards e to every sink.
func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Nop discards events.
var Nop Sink = SinkFunc(func(Event) {})

// New builds an event stamped with the current time.
func New(t EventType, evalID string, fields map[string]any) Event {
	return Event{Type: t, EvalID: evalID, At: time.Now(), Fields: fields}
}
