package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrTaskTerminal is returned when mutating a task that already reached a
	// terminal status. Tasks terminate exactly once.
	ErrTaskTerminal = errors.New("task already terminal")

	// ErrInsufficientCredit is returned when a debit would take a balance
	// below zero.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrManagedAttribute is returned when a graph write carries a
	// system-managed attribute key.
	ErrManagedAttribute = errors.New("attribute is system-managed")

	// ErrInvalidCredentials is returned when authentication fails. The caller
	// gets the same error for unknown users and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
