package upload

import (
	"errors"
	"fmt"
)

// State is a step of the upload state machine.
type State int

// States in the order an upload goes through them. Failed is terminal and reachable from any non-final state.
const (
	StateIdle State = iota
	StateSessionStarted
	StateChunksInFlight
	StateAllChunksDone
	StateFinalized
	StateFailed
)

// ErrInvalidTransition is returned when an upload is driven out of order, e.g. an Orchestrator is reused.
var ErrInvalidTransition = errors.New("invalid state transition")

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSessionStarted:
		return "session-started"
	case StateChunksInFlight:
		return "chunks-in-flight"
	case StateAllChunksDone:
		return "all-chunks-done"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) canTransitionTo(to State) bool {
	switch to {
	case StateFailed:
		return s != StateFinalized && s != StateFailed
	default:
		return to == s+1 && to <= StateFinalized
	}
}
