package engine

import (
	"errors"
	"fmt"
)

var (
	ErrTimedOut    = errors.New("timed out")
	ErrRunNotFound = errors.New("run not found")
	ErrUnknownJob  = errors.New("unknown job")

	// the job is not at an approval gate
	ErrNotWaitingApproval = errors.New("job is not waiting for approval")

	// the approver is not in the environment's approver list; the job
	// stays at the gate
	ErrUnauthorizedApprover = errors.New("approver not authorized for this environment")

	ErrUnknownEnvironment = errors.New("job references an unknown environment")

	// the engine rejected a new run because the event queue is full
	ErrQueueFull = errors.New("event queue is full")
)

// StepExecutionError records a step that finished with a non-success
// result. It stays local to the job: it is written into the step
// result and, unless the step continues on error, fails the job.
type StepExecutionError struct {
	Step     string
	ExitCode int
	Cause    error
}

func (e *StepExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("step %q: %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("step %q exited with code %d", e.Step, e.ExitCode)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Cause
}
