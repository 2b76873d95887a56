package pipeline

import "fmt"

// State is the orchestrator's pipeline state.
type State int

const (
	Idle State = iota
	AwaitingPermission
	Ready
	Capturing
	Uploading
	Done
	Failed
)

var stateNames = [...]string{
	Idle:               "idle",
	AwaitingPermission: "awaiting_permission",
	Ready:              "ready",
	Capturing:          "capturing",
	Uploading:          "uploading",
	Done:               "done",
	Failed:             "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name (used for JSON).
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Busy reports whether a run is in flight. A capture trigger received in
// a busy state is rejected.
func (s State) Busy() bool {
	switch s {
	case AwaitingPermission, Capturing, Uploading:
		return true
	default:
		return false
	}
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// isAllowedTransition encodes the pipeline state machine. Failed is
// reachable from every state.
func isAllowedTransition(from, to State) bool {
	if to == Failed {
		return from != Failed
	}
	switch from {
	case Idle:
		return to == AwaitingPermission || to == Ready || to == Capturing
	case AwaitingPermission:
		return to == Ready
	case Ready:
		return to == AwaitingPermission || to == Capturing
	case Capturing:
		return to == Uploading
	case Uploading:
		return to == Done
	case Done:
		return to == Ready || to == Idle
	case Failed:
		return to == Ready || to == AwaitingPermission || to == Capturing
	default:
		return false
	}
}
