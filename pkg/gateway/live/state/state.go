// Package state implements the live-session lifecycle state machine.
//
// The legal transitions form a small fixed graph:
//
//	Idle -> Connecting -> Listening -> Processing -> Completed
//	Connecting, Listening, Processing -> Error
//	any -> Idle (explicit new-session reset)
//
// Machine makes every transition explicit and single-shot: a second attempt
// to leave Listening while already Processing is rejected instead of being
// guarded by a side-channel flag.
package state

import "sync"

type State string

const (
	Idle       State = "idle"
	Connecting State = "connecting"
	Listening  State = "listening"
	Processing State = "processing"
	Completed  State = "completed"
	Errored    State = "error"
)

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case Idle, Connecting, Listening, Processing, Completed, Errored:
		return true
	}
	return false
}

// Terminal reports whether the session reached an end state. Terminal states
// are only left via an explicit new-session reset.
func (s State) Terminal() bool {
	return s == Completed || s == Errored
}

// Interrupted reports whether a checkpoint recorded in this state describes a
// session that never reached a terminal state. Such checkpoints are offered
// for recovery.
func (s State) Interrupted() bool {
	return s == Connecting || s == Listening || s == Processing
}

var transitions = map[State][]State{
	Idle:       {Connecting},
	Connecting: {Listening, Errored},
	Listening:  {Processing, Errored},
	Processing: {Completed, Errored},
	Completed:  {},
	Errored:    {},
}

// Machine is a mutex-guarded lifecycle holder. Transition checks and updates
// happen under one lock so concurrent callbacks (user end-session racing the
// stream-close callback) observe exactly one winner.
type Machine struct {
	mu  sync.Mutex
	cur State
}

func NewMachine() *Machine {
	return &Machine{cur: Idle}
}

// Current returns the current state.
func (m *Machine) Current() State {
	if m == nil {
		return Idle
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// TryTransition atomically moves to target if the edge exists. It returns
// false, leaving the state unchanged, when the transition is not legal from
// the current state; duplicate attempts therefore become no-ops.
func (m *Machine) TryTransition(target State) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, next := range transitions[m.cur] {
		if next == target {
			m.cur = target
			return true
		}
	}
	return false
}

// Reset forces the machine back to Idle. Used by the explicit new-session
// request and by checkpoint restore, both valid from any settled state.
func (m *Machine) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.cur = Idle
	m.mu.Unlock()
}
