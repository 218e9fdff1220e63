package session

import (
	"context"
	"sync"
)

// Events emitted by a session.
const (
	EventJoined       = "session:joined"
	EventResynced     = "session:resynced"
	EventResyncFailed = "resync:failed"
	EventRemoteError  = "session:error"
	EventRemapped     = "element:remapped"
)

// EventEmitter receives notable session events (warnings, lifecycle). A UI
// shell or CLI forwards them to the user; tests record them.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, string, any) {}

// MockEmitter is a test-friendly EventEmitter that records all calls.
type MockEmitter struct {
	mu     sync.Mutex
	Events []EmittedEvent
}

// EmittedEvent holds a single recorded emission for test assertions.
type EmittedEvent struct {
	Event string
	Data  any
}

func (m *MockEmitter) Emit(_ context.Context, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, EmittedEvent{Event: event, Data: data})
}

// Named returns the recorded emissions of one event.
func (m *MockEmitter) Named(event string) []EmittedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EmittedEvent
	for _, e := range m.Events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
