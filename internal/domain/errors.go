package domain

import (
	"errors"
	"fmt"
	"time"
)

// Engine error taxonomy. Callers match these with errors.Is; every one is
// recoverable by the caller.
var (
	ErrInvalidMeasurement = errors.New("invalid measurement")
	ErrSequenceViolation  = errors.New("sequence violation")
	ErrInsufficientData   = errors.New("insufficient data")
	ErrHistoryOrdering    = errors.New("history ordering error")
	ErrNotFound           = errors.New("not found")
)

// ServiceError represents a standardized error response
type ServiceError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for different failure scenarios
const (
	ErrCodeInvalidMeasurement = "INVALID_MEASUREMENT"
	ErrCodeSequenceViolation  = "SEQUENCE_VIOLATION"
	ErrCodeInsufficientData   = "INSUFFICIENT_DATA"
	ErrCodeHistoryOrdering    = "HISTORY_ORDERING"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeDatabase           = "DATABASE_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeRateLimit          = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
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

// NewServiceError creates a new ServiceError with timestamp
func NewServiceError(code, message, details, requestID string) *ServiceError {
	return &ServiceError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// ErrorCode maps an error chain onto its stable code.
func ErrorCode(err error) string {
	var validationErr *ValidationError
	var serviceErr *ServiceError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &serviceErr):
		return serviceErr.Code
	case errors.Is(err, ErrInvalidMeasurement):
		return ErrCodeInvalidMeasurement
	case errors.Is(err, ErrSequenceViolation):
		return ErrCodeSequenceViolation
	case errors.Is(err, ErrInsufficientData):
		return ErrCodeInsufficientData
	case errors.Is(err, ErrHistoryOrdering):
		return ErrCodeHistoryOrdering
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.As(err, &validationErr):
		return ErrCodeValidation
	default:
		return ErrCodeInternalServer
	}
}
