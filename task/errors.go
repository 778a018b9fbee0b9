package task

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("job not found")
	ErrDuplicateID        = errors.New("job id already exists")
	ErrJobActive          = errors.New("job is still active")
	ErrJobFinished        = errors.New("job already finished")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInvalidUpdate      = errors.New("invalid job update")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// ValidationError rejects a request before any job is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
