package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/parley/internal/bus"
)

// State represents a client session runtime state.
type State string

const (
	Booting      State = "BOOTING"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Degraded     State = "DEGRADED"     // stale snapshot shown after a failed refresh
	Reconnecting State = "RECONNECTING" // live channel down, pull channel may still work
	AuthExpired  State = "AUTH_EXPIRED" // terminal: session teardown is the only way out
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {Syncing, Error},
	Syncing:      {Ready, Degraded, Reconnecting, AuthExpired, Error},
	Ready:        {Syncing, Reconnecting, Degraded, AuthExpired, Error},
	Degraded:     {Syncing, Ready, Reconnecting, AuthExpired, Error},
	Reconnecting: {Syncing, Ready, Degraded, AuthExpired, Error},
	AuthExpired:  {},
	Error:        {Booting},
}

// Machine tracks and enforces session runtime state transitions, publishing
// every change on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid; transitioning to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "session.status_changed",
			Timestamp: time.Now(),
			Payload:   StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
