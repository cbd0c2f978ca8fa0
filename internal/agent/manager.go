package agent

import (
	"sync"

	"github.com/bryanburgers/connectbot/internal/agent/sshconn"
)

// supervisor is what the manager needs from a running forward supervisor.
type supervisor interface {
	Events() <-chan sshconn.StateChange
	Disconnect()
}

// startSupervisor launches a supervisor. Package variable so tests can
// substitute one that does not exec ssh.
var startSupervisor = func(id string, settings sshconn.Settings) supervisor {
	return sshconn.Start(id, settings)
}

// Manager tracks the supervisors for every forward the server has asked
// for, and the last state each one reported. Supervisors outlive server
// sessions; a reconnect does not touch running forwards.
type Manager struct {
	events chan<- sshconn.StateChange

	mu   sync.RWMutex
	sups map[string]supervisor
	last map[string]sshconn.State
}

// NewManager builds a manager publishing every state change to events.
func NewManager(events chan<- sshconn.StateChange) *Manager {
	return &Manager{
		events: events,
		sups:   make(map[string]supervisor),
		last:   make(map[string]sshconn.State),
	}
}

// Enable starts a supervisor for the forward unless one is already
// running. Reports whether a new supervisor was started.
func (m *Manager) Enable(id string, settings sshconn.Settings) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sups[id]; ok {
		return false
	}
	sup := startSupervisor(id, settings)
	m.sups[id] = sup
	m.last[id] = sshconn.StateRequested
	go m.forward(id, sup)
	return true
}

// forward relays one supervisor's state changes into the shared stream and
// drops the supervisor from the registry once it terminates.
func (m *Manager) forward(id string, sup supervisor) {
	for ev := range sup.Events() {
		m.mu.Lock()
		m.last[id] = ev.State
		m.mu.Unlock()
		m.events <- ev
	}
	m.mu.Lock()
	delete(m.sups, id)
	delete(m.last, id)
	m.mu.Unlock()
}

// Disable asks the forward's supervisor to tear down. Reports whether the
// forward was known.
func (m *Manager) Disable(id string) bool {
	m.mu.RLock()
	sup, ok := m.sups[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	sup.Disconnect()
	return true
}

// LastState reports the most recent state for a forward.
func (m *Manager) LastState(id string) (sshconn.State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.last[id]
	return st, ok
}

// States snapshots the last known state of every running forward.
func (m *Manager) States() map[string]sshconn.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]sshconn.State, len(m.last))
	for id, st := range m.last {
		out[id] = st
	}
	return out
}

// DisconnectAll asks every supervisor to tear down.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sup := range m.sups {
		sup.Disconnect()
	}
}
