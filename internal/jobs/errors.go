package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the job id is unknown to the store.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyExists means a submission collided with an existing id.
	ErrAlreadyExists = errors.New("job already exists")
	// ErrJobActive rejects deletion of an in-flight job; callers must
	// cancel first.
	ErrJobActive = errors.New("job is active, cancel it first")
)

// InvalidTransitionError reports an operation that is not valid for the
// job's current state, naming both so the caller can explain the rejection.
type InvalidTransitionError struct {
	Action string
	State  State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s job in %s state", e.Action, e.State)
}

func invalidTransition(action string, state State) error {
	return &InvalidTransitionError{Action: action, State: state}
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
