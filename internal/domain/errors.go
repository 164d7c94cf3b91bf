package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or unknown client input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a reference to a release or package that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIllegalTransition marks a lifecycle operation invalid for the current state.
	ErrIllegalTransition = errors.New("illegal transition")
)

// ValidationError describes a rejected input field.
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

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError for field.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// TransitionError reports an operation attempted from the wrong state.
type TransitionError struct {
	Entity string
	ID     string
	Op     string
	From   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s %s %s: %s", e.Op, e.Entity, e.ID, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }
