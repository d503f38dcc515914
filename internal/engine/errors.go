package engine

import (
	"errors"
	"fmt"

	"github.com/rahul/clarity/internal/plan"
)

// ErrInvalidTransition is wrapped by every InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid transition")

// InvalidTransitionError reports a phase move the state machine does not allow.
// It always indicates a logic bug in the caller.
type InvalidTransitionError struct {
	PhaseID string
	From    plan.PhaseStatus
	To      plan.PhaseStatus
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition for phase %s: %s -> %s: %s", e.PhaseID, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid transition for phase %s: %s -> %s", e.PhaseID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// IsInvalidTransition checks if an error is an invalid transition error.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
