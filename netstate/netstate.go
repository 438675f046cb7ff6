// Package netstate exposes the environment connectivity signal as an
// injectable dependency so components (and tests) observe online and
// offline transitions without reading ambient globals.
package netstate

import "sync"

// Monitor reports current connectivity and notifies subscribers of
// transitions.
type Monitor interface {
	Online() bool
	// Subscribe registers fn for state changes and returns a cancel
	// function that removes the subscription.
	Subscribe(fn func(online bool)) (cancel func())
}

// Manual is a Monitor driven explicitly via SetOnline. Embedding
// applications wire it to whatever connectivity signal their platform
// provides; tests flip it directly.
type Manual struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

func NewManual(online bool) *Manual {
	return &Manual{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates the state and notifies subscribers on change.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

func (m *Manual) Subscribe(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool                       { return true }
func (alwaysOnline) Subscribe(func(online bool)) func() { return func() {} }

// AlwaysOnline returns a Monitor that never reports offline. It is the
// default when no connectivity signal is available.
func AlwaysOnline() Monitor { return alwaysOnline{} }
