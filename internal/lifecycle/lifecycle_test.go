package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitInRegistrationOrder(t *testing.T) {
	m := New(nil)
	var got []string
	m.On(EventServerStarted, func(e Event, data any) { got = append(got, "a") })
	m.On(EventServerStarted, func(e Event, data any) { got = append(got, "b") })
	m.On(EventShutdownStarted, func(e Event, data any) { got = append(got, "x") })

	m.Emit(EventServerStarted, nil)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestOnSessionFiltersPayload(t *testing.T) {
	m := New(nil)
	var events []Event
	var last SessionEventData
	m.OnSession(func(e Event, d SessionEventData) {
		events = append(events, e)
		last = d
	})

	m.Emit(EventSessionOpened, SessionEventData{Name: "p1", Port: 9321})
	m.Emit(EventSessionLost, "not session data")
	m.Emit(EventSessionClosed, SessionEventData{Name: "p1", Err: errors.New("boom")})

	assert.Equal(t, []Event{EventSessionOpened, EventSessionClosed}, events)
	assert.Equal(t, "p1", last.Name)
	assert.EqualError(t, last.Err, "boom")
}

func TestNilManagerDropsEvents(t *testing.T) {
	var m *Manager
	assert.NotPanics(t, func() { m.Emit(EventShutdownComplete, nil) })
}

func TestOnShutdown(t *testing.T) {
	m := New(nil)
	called := 0
	m.OnShutdown(func() { called++ })
	m.Emit(EventShutdownStarted, nil)
	m.Emit(EventShutdownComplete, nil)
	assert.Equal(t, 1, called)
}
