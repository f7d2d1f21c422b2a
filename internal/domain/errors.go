package domain

import (
	"errors"
	"fmt"
	"time"
)

// IntakeError represents a standardized error surfaced to the user
type IntakeError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	cause     error
}

// Error implements the error interface
func (e *IntakeError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any
func (e *IntakeError) Unwrap() error {
	return e.cause
}

// Error codes for different failure scenarios
const (
	ErrInvalidInput      = "INVALID_INPUT"
	ErrValidation        = "VALIDATION_ERROR"
	ErrExtractionFailed  = "EXTRACTION_FAILED"
	ErrPredictionFailed  = "PREDICTION_FAILED"
	ErrInvalidState      = "INVALID_STATE"
	ErrOperationInFlight = "OPERATION_IN_FLIGHT"
	ErrExternalAPI       = "EXTERNAL_API_ERROR"
	ErrDatabaseError     = "DATABASE_ERROR"
	ErrNotFound          = "NOT_FOUND"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrInternalServer    = "INTERNAL_SERVER_ERROR"
)

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewIntakeError creates a new IntakeError with timestamp
func NewIntakeError(code, message, details string) *IntakeError {
	return &IntakeError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// WrapIntakeError creates an IntakeError that keeps cause reachable through errors.Is/As
func WrapIntakeError(code, message string, cause error) *IntakeError {
	e := NewIntakeError(code, message, "")
	if cause != nil {
		e.Details = cause.Error()
		e.cause = cause
	}
	return e
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// CodeOf returns the error code carried by err, or ErrInternalServer when
// err does not wrap an IntakeError. ValidationErrors map to ErrValidation.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ie *IntakeError
	if errors.As(err, &ie) {
		return ie.Code
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ErrValidation
	}
	return ErrInternalServer
}

// IsCode reports whether err carries the given code
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
