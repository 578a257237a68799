package transport

import (
	"fmt"
	"sync"
)

// State is the connection state of a persistent transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// States lists every state in declaration order.
var States = []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting}

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// allowed lists the legal transitions. Connected is only reachable from
// Connecting; link loss goes through Reconnecting.
var allowed = map[State][]State{
	StateDisconnected: {StateConnecting, StateReconnecting},
	StateConnecting:   {StateConnected, StateDisconnected, StateReconnecting},
	StateConnected:    {StateReconnecting, StateDisconnected},
	StateReconnecting: {StateConnecting, StateDisconnected},
}

// StateMachine guards a transport's state. Observers run outside the lock.
type StateMachine struct {
	mu       sync.Mutex
	kind     Kind
	state    State
	observer StateObserver
}

// NewStateMachine starts in StateDisconnected.
func NewStateMachine(kind Kind, observer StateObserver) *StateMachine {
	return &StateMachine{kind: kind, state: StateDisconnected, observer: observer}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Is reports whether the current state is s.
func (m *StateMachine) Is(s State) bool {
	return m.State() == s
}

// Transition moves to next if the move is legal. Moving to the current
// state is a no-op that returns nil.
func (m *StateMachine) Transition(next State) error {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return nil
	}
	if !legal(prev, next) {
		m.mu.Unlock()
		return fmt.Errorf("%s transport: illegal transition %s -> %s", m.kind, prev, next)
	}
	m.state = next
	m.mu.Unlock()

	m.notify(prev, next)
	return nil
}

// CompareAndTransition moves to next only when the current state is from.
func (m *StateMachine) CompareAndTransition(from, next State) bool {
	m.mu.Lock()
	if m.state != from || !legal(from, next) {
		m.mu.Unlock()
		return false
	}
	m.state = next
	m.mu.Unlock()

	m.notify(from, next)
	return true
}

func (m *StateMachine) notify(prev, next State) {
	if m.observer != nil {
		m.observer(m.kind, prev, next)
	}
}

func legal(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
