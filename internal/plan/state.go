package plan

import "fmt"

var allowedTransitions = map[PhaseStatus]map[PhaseStatus]struct{}{
	PhasePending: {
		PhaseInProgress: {},
	},
	PhaseInProgress: {
		PhaseComplete: {},
		PhaseFailed:   {},
	},
	PhaseFailed: {
		PhasePending: {},
		PhaseSkipped: {},
	},
	PhaseComplete: {},
	PhaseSkipped:  {},
}

// ValidateStatus rejects statuses outside the phase lifecycle.
func ValidateStatus(s PhaseStatus) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid phase status: %q", s)
	}
	return nil
}

// ValidateTransition checks a single phase move against the lifecycle table.
func ValidateTransition(from, to PhaseStatus) error {
	if err := ValidateStatus(from); err != nil {
		return err
	}
	if err := ValidateStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid phase transition: %s -> %s", from, to)
	}
	return nil
}

// Terminal reports whether no further transition is possible from s.
func (s PhaseStatus) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}
