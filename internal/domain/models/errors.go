package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when a unique key (idempotency key) is already taken.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInsufficientStock is returned when a guarded decrement would take a counter below zero.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrValidation marks malformed input or unresolved references.
	ErrValidation = errors.New("validation failed")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
