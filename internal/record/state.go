package record

import "fmt"

// State is the lifecycle position of one stage within a run.
type State int

const (
	Pending State = iota
	Ready
	Running
	Succeeded
	Failed
	TimedOut
	Skipped
)

var stateNames = [...]string{
	Pending:   "Pending",
	Ready:     "Ready",
	Running:   "Running",
	Succeeded: "Succeeded",
	Failed:    "Failed",
	TimedOut:  "TimedOut",
	Skipped:   "Skipped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case Succeeded, Failed, TimedOut, Skipped:
		return true
	}
	return false
}

// Failure reports whether the state is a terminal failure.
func (s State) Failure() bool { return s == Failed || s == TimedOut }

// allowed lists the legal transitions. Running goes back to Ready only when
// a failed attempt is re-queued for retry. Ready goes straight to Failed when
// a stage cannot be dispatched at all.
var allowed = map[State][]State{
	Pending: {Ready, Skipped},
	Ready:   {Running, Failed, Skipped},
	Running: {Ready, Succeeded, Failed, TimedOut, Skipped},
}

func canTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RunStatus is the overall status of a run.
type RunStatus int

const (
	RunRunning RunStatus = iota
	RunCompleted
	RunFailed
	RunCancelled
)

func (s RunStatus) String() string {
	switch s {
	case RunRunning:
		return "Running"
	case RunCompleted:
		return "Completed"
	case RunFailed:
		return "Failed"
	case RunCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("RunStatus(%d)", int(s))
	}
}

// MarshalText renders the status name.
func (s RunStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool { return s != RunRunning }

// SkipReason explains why a stage was skipped.
type SkipReason string

const (
	SkipCondition  SkipReason = "condition"
	SkipDependency SkipReason = "dependency"
	SkipCancelled  SkipReason = "cancelled"
)
