// Package core defines the error taxonomy shared by every capture component.
package core

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers distinguish failure kinds with errors.Is.
var (
	// Input errors
	ErrValidation        = errors.New("labcap: invalid input")
	ErrInvalidCaptureKey = errors.New("labcap: capture key does not match node id")
	ErrDecodeTooDeep     = errors.New("labcap: decoded field tree too deep")

	// Session state errors
	ErrAlreadyRunning  = errors.New("labcap: capture already running")
	ErrSessionNotFound = errors.New("labcap: capture session not found")
	ErrSessionExists   = errors.New("labcap: capture session already exists")
	ErrPacketNotFound  = errors.New("labcap: packet not found")

	// Engine boundary errors
	ErrEngineUnavailable = errors.New("labcap: capture engine unavailable")
	ErrFilterRejected    = errors.New("labcap: packet filter rejected by engine")
)

// ValidationError describes one rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
