package sandbox

import (
	"fmt"
	"time"
)

// State is a step of one execution. Completed, Trapped, TimedOut and
// LoadFailed are terminal.
type State string

const (
	StateLoading      State = "loading"
	StateInstantiated State = "instantiated"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateTrapped      State = "trapped"
	StateTimedOut     State = "timed_out"
	StateLoadFailed   State = "load_failed"
)

// Terminal reports whether s ends an execution.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateTrapped, StateTimedOut, StateLoadFailed:
		return true
	}
	return false
}

// Outcome is the single terminal result of one execution.
type Outcome struct {
	ExecutionID string
	State       State

	// ExitCode is the guest exit status. Only meaningful when Completed.
	ExitCode uint32

	// Description explains a non-Completed state.
	Description string

	Stdout          []byte
	Stderr          []byte
	OutputTruncated bool

	StartedAt time.Time
	EndedAt   time.Time
}

// Duration returns the wall time of the execution.
func (o Outcome) Duration() time.Duration {
	return o.EndedAt.Sub(o.StartedAt)
}

// Success reports whether the guest completed with exit status zero.
func (o Outcome) Success() bool {
	return o.State == StateCompleted && o.ExitCode == 0
}

// Cause returns a human-readable failure cause, or "" on success.
func (o Outcome) Cause() string {
	switch {
	case o.Success():
		return ""
	case o.State == StateCompleted:
		return fmt.Sprintf("exited with status %d", o.ExitCode)
	case o.State == StateTimedOut:
		if o.Description != "" {
			return "timed out: " + o.Description
		}
		return "timed out"
	case o.State == StateTrapped:
		return "trapped: " + o.Description
	case o.State == StateLoadFailed:
		return "load failed: " + o.Description
	default:
		return string(o.State)
	}
}
