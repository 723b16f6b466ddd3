// Package txn provides all-or-nothing execution over in-memory components.
// Each registered component can copy and reinstate its state; Atomic takes a
// copy of every component before running a unit and reinstates all of them
// when the unit fails.
package txn

import "fmt"

// Snapshotter is implemented by every stateful component taking part in an
// atomic unit. Restore must not retain the value passed to it.
type Snapshotter interface {
	Snapshot() any
	Restore(any)
}

// Runner executes fn as one atomic unit.
type Runner interface {
	Atomic(fn func() error) error
}

// Manager runs atomic units over a fixed set of components. Units may nest;
// a failing inner unit restores only its own changes.
type Manager struct {
	parts []Snapshotter
	depth int
}

// NewManager creates a manager over parts.
func NewManager(parts ...Snapshotter) *Manager {
	return &Manager{parts: parts}
}

// Add registers more components. Must not be called inside a unit.
func (m *Manager) Add(parts ...Snapshotter) {
	m.parts = append(m.parts, parts...)
}

// Depth reports the current nesting level; zero outside any unit.
func (m *Manager) Depth() int {
	return m.depth
}

// Atomic runs fn. If fn returns an error or panics, every component is put
// back to the state it had when Atomic was entered.
func (m *Manager) Atomic(fn func() error) (err error) {
	snaps := make([]any, len(m.parts))
	for i, p := range m.parts {
		snaps[i] = p.Snapshot()
	}
	m.depth++

	defer func() {
		m.depth--
		if r := recover(); r != nil {
			m.restore(snaps)
			err = fmt.Errorf("txn: unit panicked: %v", r)
			return
		}
		if err != nil {
			m.restore(snaps)
		}
	}()

	return fn()
}

func (m *Manager) restore(snaps []any) {
	for i, p := range m.parts {
		p.Restore(snaps[i])
	}
}
