package job

import (
	"errors"
	"fmt"
)

// State is a job state machine state. The string values are the ones the UI
// renders.
type State string

// Known states. Teaching is part of the vocabulary but has no transitions.
const (
	StateIdle        State = "Idle"
	StateReady       State = "Ready"
	StateProcessing  State = "Processing"
	StateWaitConfirm State = "WAIT_CONFIRM"
	StateResultReady State = "ResultReady"
	StateError       State = "Error"
	StateTeaching    State = "TEACHING"
)

// ErrInvalidTransition is returned when an action is not allowed in the
// current state.
var ErrInvalidTransition = errors.New("invalid job transition")

var allowedTransitions = map[State]map[State]struct{}{
	StateIdle: {
		StateReady: {},
	},
	StateReady: {
		StateProcessing: {},
	},
	StateProcessing: {
		StateProcessing:  {},
		StateWaitConfirm: {},
		StateResultReady: {},
		StateError:       {},
	},
	StateWaitConfirm: {
		StateProcessing: {},
		StateError:      {},
	},
	StateResultReady: {
		StateProcessing: {},
	},
	StateError: {
		StateProcessing: {},
		StateReady:      {},
	},
	StateTeaching: {},
}

// Valid reports whether s is part of the state vocabulary.
func (s State) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanCapture reports whether a new capture may start from s.
func (s State) CanCapture() bool {
	return s == StateReady || s == StateResultReady || s == StateError
}

// Active reports whether a job is in flight in s.
func (s State) Active() bool {
	return s == StateProcessing || s == StateWaitConfirm
}

// ValidateTransition returns an error wrapping ErrInvalidTransition when from
// cannot move to to.
func ValidateTransition(from, to State) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: unknown state %q -> %q", ErrInvalidTransition, from, to)
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
