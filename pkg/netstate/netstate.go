// Package netstate tracks the single online/offline connectivity state
// that drives both gateway routing and sync flush triggering.
package netstate

import (
	"log/slog"
	"sync"
)

// Monitor holds the connectivity flag and notifies subscribers on
// transitions. It is an owned instance: multiple independent monitors can
// coexist (one per gateway under test).
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   []func(online bool)
}

// NewMonitor creates a monitor with the given initial state. The initial
// state does not fire subscribers.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online}
}

// Online returns the current connectivity assumption.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set updates the state. Subscribers fire only on an actual transition,
// synchronously and outside the monitor lock.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	slog.Info("connectivity changed", "online", online)
	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers a callback for state transitions.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}
