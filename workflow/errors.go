package workflow

import (
	"errors"
	"fmt"
)

// Standard error definitions
var (
	// ErrValidation marks input rejected before any state changed.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks a decision or gate run that lost to another writer or
	// arrived after the task or instance was resolved. Callers may retry after
	// re-reading.
	ErrConflict           = errors.New("conflict")
	ErrNotAssignee        = errors.New("actor is not the task assignee")
	ErrDefinitionInactive = errors.New("workflow definition is inactive")
	ErrDefinitionInUse    = errors.New("workflow definition is referenced by active instances")
)

// ValidationError describes the field that was rejected. It matches ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func conflict(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether the operation may succeed if repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
