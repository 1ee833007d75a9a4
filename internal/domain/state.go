package domain

import "fmt"

// State is the lifecycle state of a container.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateExited  State = "exited"
	StateRemoved State = "removed"
)

// validTransitions encodes the lifecycle state machine:
// created -> running <-> paused; running -> exited; {created, exited} -> removed.
var validTransitions = map[State][]State{
	StateCreated: {StateRunning, StateRemoved},
	StateRunning: {StatePaused, StateExited},
	StatePaused:  {StateRunning, StateExited},
	StateExited:  {StateRunning, StateRemoved},
	StateRemoved: {},
}

// CanTransition reports whether a transition from s to target is legal.
func (s State) CanTransition(target State) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

func (s State) String() string { return string(s) }

// ExitReason classifies why a container reached the exited state.
type ExitReason string

const (
	ExitNormal      ExitReason = "normal"
	ExitSignaled    ExitReason = "signaled"
	ExitOOMKilled   ExitReason = "oom-killed"
	ExitEngineError ExitReason = "engine-error"
	// ExitRestartLost is recorded during boot reconciliation for containers
	// whose process vanished while the engine was down.
	ExitRestartLost ExitReason = "engine-restart-lost"
	// ExitRemoved is delivered to waiters when a container is removed
	// without ever having run.
	ExitRemoved ExitReason = "removed"
)

// ExitOutcome is the terminal result of a container's process, delivered
// exactly once per Wait subscriber.
type ExitOutcome struct {
	Code     int        `json:"code"`
	Reason   ExitReason `json:"reason"`
	Signal   string     `json:"signal,omitempty"`
	ExitedAt int64      `json:"exited_at,omitempty"`
}

func (o ExitOutcome) String() string {
	return fmt.Sprintf("code=%d reason=%s", o.Code, o.Reason)
}
