package coordinator

import "fmt"

// State is a lookup's position in the resolution state machine.
type State int

const (
	StateProbe State = iota
	StateResolving
	StateClusterProbe
	StatePendingWait
	StateCommitting
	StateRetry
	StateDone
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateProbe:
		return "probe"
	case StateResolving:
		return "resolving"
	case StateClusterProbe:
		return "cluster_probe"
	case StatePendingWait:
		return "pending_wait"
	case StateCommitting:
		return "committing"
	case StateRetry:
		return "retry"
	case StateDone:
		return "done"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
