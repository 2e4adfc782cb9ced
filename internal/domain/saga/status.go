package saga

import (
	"errors"
	"fmt"
)

// Status represents the lifecycle state of a multi-step operation. It enables
// coarse tracking of saga progress and terminal outcomes.
type Status string

// ErrStatusUnknown is returned when a saga status is unknown.
var ErrStatusUnknown = errors.New("saga status unknown")

const (
	// StatusCreated indicates a saga is registered but no step has completed.
	StatusCreated Status = "CREATED"

	// StatusInProgress indicates at least one step has completed.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusCommitted indicates the saga finished successfully. Terminal.
	StatusCommitted Status = "COMMITTED"

	// StatusRolledBack indicates the saga was aborted and its failure point
	// recorded. Terminal.
	StatusRolledBack Status = "ROLLED_BACK"

	// StatusUnspecified is used when a saga status is unknown.
	StatusUnspecified Status = "UNSPECIFIED"
)

// String returns the string representation of the Status.
func (s Status) String() string { return string(s) }

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) Status {
	switch s {
	case "CREATED":
		return StatusCreated
	case "IN_PROGRESS":
		return StatusInProgress
	case "COMMITTED":
		return StatusCommitted
	case "ROLLED_BACK":
		return StatusRolledBack
	default:
		return StatusUnspecified
	}
}

// validateTransition checks if a status transition is valid and returns an
// error if not.
func (s Status) validateTransition(target Status) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid saga status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition enforces the saga lifecycle rules.
func (s Status) isValidTransition(target Status) bool {
	switch s {
	case StatusCreated:
		return target == StatusInProgress || target == StatusCommitted || target == StatusRolledBack
	case StatusInProgress:
		return target == StatusCommitted || target == StatusRolledBack
	case StatusCommitted, StatusRolledBack:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}
