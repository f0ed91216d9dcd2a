package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State represents a realtime connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	// Failed is terminal: reconnect attempts are exhausted and nothing retries
	// until an explicit reconnect is requested.
	Failed State = "FAILED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected, Reconnecting, Failed},
	Connected:    {Disconnected, Reconnecting},
	Reconnecting: {Connecting, Disconnected, Failed},
	Failed:       {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Is reports whether the current state is one of states.
func (m *Machine) Is(states ...State) bool {
	return slices.Contains(states, m.Current())
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) (StatusChange, error) {
	return m.TransitionWithReason(to, "")
}

// TransitionWithReason is Transition with a human-readable cause attached to
// the published change, e.g. the dial error behind a Failed state.
func (m *Machine) TransitionWithReason(to State, reason string) (StatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return StatusChange{}, fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	change := StatusChange{From: m.current, To: to, Reason: reason}
	m.current = to
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindRealtimeState,
			Timestamp: m.since,
			Payload:   change,
		})
	}
	return change, nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}
