package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/dmelo/chirp/internal/bus"
)

// State represents the socket connection state. Send affordances are gated
// on Connected: while anything else, sends are refused rather than queued.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Closed},
	Connecting:   {Connected, Reconnecting, Disconnected, Closed},
	Connected:    {Reconnecting, Disconnected, Closed},
	Reconnecting: {Connecting, Connected, Disconnected, Closed},
	Closed:       {},
}

// Machine tracks and enforces connection state transitions, announcing each
// change on the bus as "session.status_changed".
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}

// NewMachine creates a machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Disconnected, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Online reports whether sends may be attempted right now.
func (m *Machine) Online() bool {
	return m.Current() == Connected
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Emit("session.status_changed", StatusChange{From: from, To: to})
	}
	return nil
}
