package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/haricheung/qaml/internal/types"
)

// ErrUnknownAction is returned by Execute when the service names an action
// this client cannot perform.
var ErrUnknownAction = errors.New("unknown action")

// ErrInvalidArguments is wrapped when arguments decode but are out of range.
var ErrInvalidArguments = errors.New("invalid arguments")

// ActionError reports an action that could not be applied, either because its
// arguments did not decode or because the device rejected it.
type ActionError struct {
	Step   int
	Action types.Action
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("agent: step %d: action %q: %v", e.Step, e.Action.Name, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// StepLimitError is returned when a task ran out of steps before the service
// reported it complete. Progress holds everything reported along the way.
type StepLimitError struct {
	MaxSteps int
	Progress []string
}

func (e *StepLimitError) Error() string {
	if len(e.Progress) == 0 {
		return fmt.Sprintf("task did not complete within %d steps", e.MaxSteps)
	}
	return fmt.Sprintf("task did not complete within %d steps; progress: %s", e.MaxSteps, strings.Join(e.Progress, "; "))
}
