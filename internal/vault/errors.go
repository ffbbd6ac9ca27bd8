package vault

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every operation returns one of these sentinels (wrapped with
// detail) or a plain storage error. Callers match with errors.Is.
var (
	// ErrValidation marks malformed or out-of-range input. Never retried.
	ErrValidation = errors.New("vault: validation failed")
	// ErrNotFound marks a missing entity or one outside the caller's scope.
	ErrNotFound = errors.New("vault: not found")
	// ErrConflict marks a uniqueness or capacity violation.
	ErrConflict = errors.New("vault: conflict")
	// ErrState marks an action invalid in the entity's current lifecycle state.
	ErrState = errors.New("vault: invalid state")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func statef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrState, fmt.Sprintf(format, args...))
}
