package batch

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrInvalidTransition is returned when an operation is called in the wrong
// lifecycle state.
var ErrInvalidTransition = errors.New("framekit/batch: invalid state transition")

// State is a lifecycle state shared by batches and frames.
type State int32

const (
	StateNotPrepared State = iota
	StatePreparing
	StatePrepared
	StateIssuing
	StateIssued
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNotPrepared:
		return "NotPrepared"
	case StatePreparing:
		return "Preparing"
	case StatePrepared:
		return "Prepared"
	case StateIssuing:
		return "Issuing"
	case StateIssued:
		return "Issued"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// TransitionError describes a rejected state transition.
type TransitionError struct {
	Object string
	Op     string
	From   State
	To     State
	Actual State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("framekit/batch: %s: %s requires %s -> %s, but state is %s",
		e.Object, e.Op, e.From, e.To, e.Actual)
}

// Unwrap returns ErrInvalidTransition.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// StateMachine is an atomic lifecycle state. The zero value is
// StateNotPrepared.
type StateMachine struct {
	v atomic.Int32
}

// Load returns the current state.
func (m *StateMachine) Load() State { return State(m.v.Load()) }

// Transition moves from one state to another, or fails without side effects.
func (m *StateMachine) Transition(object, op string, from, to State) error {
	if m.v.CompareAndSwap(int32(from), int32(to)) {
		return nil
	}
	return &TransitionError{Object: object, Op: op, From: from, To: to, Actual: m.Load()}
}

// Store sets the state unconditionally.
func (m *StateMachine) Store(s State) { m.v.Store(int32(s)) }
