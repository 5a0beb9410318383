package processor

import (
	"errors"
	"fmt"
)

// CognitiveState is the occurrence-wide operating mode. Only the
// WAKEUP → WORK → SHUTDOWN path is live; the reserved states exist in the
// model and are refused at transition time.
type CognitiveState string

const (
	StateWakeup   CognitiveState = "WAKEUP"
	StateWork     CognitiveState = "WORK"
	StateShutdown CognitiveState = "SHUTDOWN"

	// Reserved states, declared but disabled.
	StatePlay     CognitiveState = "PLAY"
	StateSolitude CognitiveState = "SOLITUDE"
	StateDream    CognitiveState = "DREAM"
)

// ErrStateDisabled is returned for transitions into a reserved state.
var ErrStateDisabled = errors.New("cognitive state is disabled")

// ErrInvalidTransition is returned for transitions outside the live path.
var ErrInvalidTransition = errors.New("invalid cognitive state transition")

// transitions is the live FSM: SHUTDOWN is reachable from anywhere on the
// live path, WORK only from WAKEUP.
var transitions = map[CognitiveState][]CognitiveState{
	StateWakeup: {StateWork, StateShutdown},
	StateWork:   {StateShutdown},
}

func (s CognitiveState) disabled() bool {
	switch s {
	case StatePlay, StateSolitude, StateDream:
		return true
	}
	return false
}

// Terminal reports whether the state accepts no further transitions.
func (s CognitiveState) Terminal() bool { return s == StateShutdown }

// validateTransition checks one from→to edge against the live FSM.
func validateTransition(from, to CognitiveState) error {
	if to.disabled() {
		return fmt.Errorf("%w: %s", ErrStateDisabled, to)
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}
