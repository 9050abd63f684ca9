package model

import (
	"errors"
	"fmt"
)

// ErrValidation is the sentinel matched by every ValidationError.
//
// Validation failures are raised before any side effect: no file is written,
// no row is inserted, and no commit is attempted.
var ErrValidation = errors.New("validation failed")

// ValidationError reports a constraint violation: a bad enum value, a missing
// required field, an illegal FSM transition, or a broken reference. It carries
// the entity kind and identifier for logging and safe retry.
type ValidationError struct {
	// Kind is the entity kind, e.g. "story" or "action_item".
	Kind string

	// ID is the entity identifier, e.g. "story-7.1".
	ID string

	// Reason describes the violated constraint.
	Reason string
}

func (e *ValidationError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s: %s", e.Kind, e.ID, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Is makes every ValidationError match ErrValidation via errors.Is.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// validationf builds a ValidationError with a formatted reason.
func validationf(kind, id, format string, args ...any) error {
	return &ValidationError{Kind: kind, ID: id, Reason: fmt.Sprintf(format, args...)}
}
