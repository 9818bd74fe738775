package orchestrator

import (
	"errors"
	"fmt"
)

// ErrCapacityExceeded is returned when no slot frees up within the queue timeout
var ErrCapacityExceeded = errors.New("capacity exceeded")

// ValidationError reports a submission rejected before any slot was taken
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
