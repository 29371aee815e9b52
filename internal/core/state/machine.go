// Package state holds the explicit lifecycle machines for publishers and
// subscribers.
package state

import (
	"fmt"
	"sync"
)

// Transition describes one accepted state change.
type Transition[S ~string] struct {
	From S
	To   S
}

// InvalidTransitionError is reported when Set is asked for a change that the
// adjacency map does not allow.
type InvalidTransitionError[S ~string] struct {
	From S
	To   S
}

func (e *InvalidTransitionError[S]) Error() string {
	return fmt.Sprintf("invalid state transition from %q to %q", e.From, e.To)
}

// Machine is a small finite state machine over the string-like type S.
// Set never panics: an illegal transition leaves the state untouched and is
// reported through the error callback.
type Machine[S ~string] struct {
	mu          sync.RWMutex
	current     S
	previous    S
	valid       map[S]struct{}
	transitions map[S]map[S]struct{}

	onChange func(Transition[S])
	onError  func(error)
}

// NewMachine builds a machine. Every state named in transitions must be part
// of states, and initial must be a state.
func NewMachine[S ~string](initial S, states []S, transitions map[S][]S) *Machine[S] {
	m := &Machine[S]{
		current:     initial,
		valid:       make(map[S]struct{}, len(states)),
		transitions: make(map[S]map[S]struct{}, len(transitions)),
	}
	for _, s := range states {
		m.valid[s] = struct{}{}
	}
	if _, ok := m.valid[initial]; !ok {
		panic(fmt.Sprintf("state: initial state %q is not a valid state", initial))
	}
	for from, tos := range transitions {
		if _, ok := m.valid[from]; !ok {
			panic(fmt.Sprintf("state: transition source %q is not a valid state", from))
		}
		set := make(map[S]struct{}, len(tos))
		for _, to := range tos {
			if _, ok := m.valid[to]; !ok {
				panic(fmt.Sprintf("state: transition target %q is not a valid state", to))
			}
			set[to] = struct{}{}
		}
		m.transitions[from] = set
	}
	return m
}

// OnChange registers the callback run after every accepted transition.
func (m *Machine[S]) OnChange(fn func(Transition[S])) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// OnError registers the callback run for rejected transitions.
func (m *Machine[S]) OnError(fn func(error)) {
	m.mu.Lock()
	m.onError = fn
	m.mu.Unlock()
}

// Current returns the current state.
func (m *Machine[S]) Current() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Previous returns the state before the last accepted transition.
func (m *Machine[S]) Previous() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.previous
}

// Is reports whether the machine is in any of the given states.
func (m *Machine[S]) Is(states ...S) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range states {
		if m.current == s {
			return true
		}
	}
	return false
}

// IsNot is the negation of Is.
func (m *Machine[S]) IsNot(states ...S) bool {
	return !m.Is(states...)
}

// CanTransition reports whether Set(to) would be accepted right now.
func (m *Machine[S]) CanTransition(to S) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allowed(m.current, to)
}

// Set moves the machine to next. It returns false, without changing state,
// when the transition is not allowed.
func (m *Machine[S]) Set(next S) bool {
	m.mu.Lock()
	from := m.current
	if !m.allowed(from, next) {
		onError := m.onError
		m.mu.Unlock()
		if onError != nil {
			onError(&InvalidTransitionError[S]{From: from, To: next})
		}
		return false
	}
	m.previous = from
	m.current = next
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil {
		onChange(Transition[S]{From: from, To: next})
	}
	return true
}

func (m *Machine[S]) allowed(from, to S) bool {
	if _, ok := m.valid[to]; !ok {
		return false
	}
	_, ok := m.transitions[from][to]
	return ok
}
