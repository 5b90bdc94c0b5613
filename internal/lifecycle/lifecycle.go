// Package lifecycle provides event hooks for session and server startup and
// shutdown.
package lifecycle

import (
	"log/slog"
	"sync"
)

// Event types for lifecycle hooks
type Event string

const (
	// Server lifecycle events
	EventServerStarted    Event = "server_started"
	EventShutdownStarted  Event = "shutdown_started"
	EventShutdownComplete Event = "shutdown_complete"

	// Session lifecycle events
	EventSessionOpened Event = "session_opened"
	EventSessionClosed Event = "session_closed"
	EventSessionLost   Event = "session_lost"
)

// Handler is a function that handles a lifecycle event
type Handler func(event Event, data any)

// SessionEventData contains data for session lifecycle events
type SessionEventData struct {
	Name     string
	Port     int
	Launched bool
	Err      error
}

// Manager manages lifecycle event subscriptions and dispatching
type Manager struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[Event][]Handler
}

// New returns an empty manager. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "lifecycle"),
		handlers: make(map[Event][]Handler),
	}
}

// On registers a handler for a lifecycle event
func (m *Manager) On(event Event, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], handler)
}

// Emit dispatches an event to all registered handlers. A nil manager
// drops the event.
func (m *Manager) Emit(event Event, data any) {
	if m == nil {
		return
	}
	m.mu.RLock()
	handlers := m.handlers[event]
	m.mu.RUnlock()

	m.logger.Debug("emitting event", "event", event)
	for _, h := range handlers {
		// Run handlers synchronously (they can spawn goroutines if needed)
		h(event, data)
	}
}

// OnShutdown is a convenience function to register a shutdown handler
func (m *Manager) OnShutdown(handler func()) {
	m.On(EventShutdownStarted, func(e Event, data any) {
		handler()
	})
}

// OnSession registers handler for every session event.
func (m *Manager) OnSession(handler func(event Event, data SessionEventData)) {
	for _, ev := range []Event{EventSessionOpened, EventSessionClosed, EventSessionLost} {
		m.On(ev, func(e Event, data any) {
			if d, ok := data.(SessionEventData); ok {
				handler(e, d)
			}
		})
	}
}
