package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is matched by every InvalidStateError.
	ErrInvalidState = errors.New("invalid lifecycle state")

	// ErrTransitionInProgress is returned when a transition is requested while
	// another transition on the same component is still running.
	ErrTransitionInProgress = errors.New("lifecycle transition already in progress")
)

// InvalidStateError is returned when a transition is not allowed from the
// component's current state. The component's state is left unchanged.
type InvalidStateError struct {
	Component string
	Phase     Phase
	State     State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s component %s in state %s", e.Phase, e.Component, e.State)
}

// Is makes errors.Is(err, ErrInvalidState) match.
func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// StepError reports the failure of a required entry of a composite step.
type StepError struct {
	Step      string
	Component string
	Phase     Phase
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: failed to %s %s: %v", e.Step, e.Phase, e.Component, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// StepFailure records a tolerated failure of a composite step entry.
type StepFailure struct {
	Component string
	Phase     Phase
	Err       error
}

func (f StepFailure) String() string {
	return fmt.Sprintf("%s %s: %v", f.Phase, f.Component, f.Err)
}
