// Package session implements the generic session manager: it correlates
// outstanding asynchronous operations to their completion handlers with
// timeouts, the building block the RPC engine's own specialised session
// table (internal/rpcengine) is built on top of.
package session

import (
	"sync"

	"github.com/pebblerpc/pebble/internal/rpcerr"
	"github.com/pebblerpc/pebble/internal/timer"
)

// Disposition is returned by OnTimeout, identical in contract to
// internal/timer.Callback's return value: < 0 removes, == 0 restarts in the
// same duration, > 0 restarts with the returned duration (ms).
type Disposition = int32

// Handler is whatever a caller wants correlated to a session id. OnTimeout
// receives the id it was registered under.
type Handler interface {
	OnTimeout(id int64) Disposition
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(id int64) Disposition

func (f HandlerFunc) OnTimeout(id int64) Disposition { return f(id) }

type entry struct {
	handler   Handler
	timerID   int64
	timeoutMs int64
}

// Manager is a session_id -> Handler correlation table with timeout-driven
// eviction. It is not safe for concurrent use from more than one goroutine;
// the main loop drives Tick and Add/Get/Remove from the same goroutine,
// matching the core's single-threaded model.
type Manager struct {
	mu      sync.Mutex
	entries map[int64]*entry
	timers  *timer.Wheel
}

// New builds an empty session manager driven by the given timer wheel.
func New(timers *timer.Wheel) *Manager {
	return &Manager{
		entries: make(map[int64]*entry),
		timers:  timers,
	}
}

// Add registers handler under session_id with a timeout. It is an error to
// re-add an id that is already registered.
func (m *Manager) Add(sessionID int64, handler Handler, timeoutMs int64) error {
	if handler == nil {
		return rpcerr.New(rpcerr.InvalidParam, "handler must not be nil")
	}
	if timeoutMs <= 0 {
		return rpcerr.New(rpcerr.InvalidParam, "timeout_ms must be > 0")
	}

	m.mu.Lock()
	if _, exists := m.entries[sessionID]; exists {
		m.mu.Unlock()
		return rpcerr.New(rpcerr.InvalidParam, "session already registered")
	}
	m.mu.Unlock()

	tid, err := m.timers.Start(timeoutMs, func() int32 {
		return m.fire(sessionID)
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.entries[sessionID] = &entry{handler: handler, timerID: tid, timeoutMs: timeoutMs}
	m.mu.Unlock()
	return nil
}

func (m *Manager) fire(sessionID int64) int32 {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	m.mu.Unlock()
	if !ok {
		return -1
	}

	disp := e.handler.OnTimeout(sessionID)
	if disp < 0 {
		m.mu.Lock()
		delete(m.entries, sessionID)
		m.mu.Unlock()
	}
	return disp
}

// Get returns the handler registered under sessionID, or nil if absent.
func (m *Manager) Get(sessionID int64) Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return nil
	}
	return e.handler
}

// Remove deletes a session and stops its timer. It is idempotent.
func (m *Manager) Remove(sessionID int64) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	if ok {
		delete(m.entries, sessionID)
	}
	m.mu.Unlock()
	if ok {
		_ = m.timers.Stop(e.timerID)
	}
}

// RestartTimer re-arms a session's timer. newTimeoutMs == 0 reuses the
// timeout the session was registered with.
func (m *Manager) RestartTimer(sessionID int64, newTimeoutMs int64) error {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	if !ok {
		m.mu.Unlock()
		return rpcerr.New(rpcerr.SessionNotFound, "")
	}
	if newTimeoutMs <= 0 {
		newTimeoutMs = e.timeoutMs
	}
	oldTimerID := e.timerID
	m.mu.Unlock()

	_ = m.timers.Stop(oldTimerID)

	tid, err := m.timers.Start(newTimeoutMs, func() int32 {
		return m.fire(sessionID)
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if e, ok := m.entries[sessionID]; ok {
		e.timerID = tid
		e.timeoutMs = newTimeoutMs
	}
	m.mu.Unlock()
	return nil
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
