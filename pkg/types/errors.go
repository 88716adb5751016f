package types

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeExternal   ErrorType = "external"
	ErrorTypeTimeout    ErrorType = "timeout"
)

// LabError represents a structured error in the lab analysis service
type LabError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *LabError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *LabError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeNoAnalyzerAvailable = "NO_ANALYZER_AVAILABLE"
	ErrCodeDispatchFailed      = "DISPATCH_FAILED"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeResultNotFound      = "RESULT_NOT_FOUND"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
)

// NewValidationError creates a new validation error
func NewValidationError(message string, details map[string]interface{}) *LabError {
	return &LabError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeInvalidInput,
		Message: message,
		Details: details,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *LabError {
	return &LabError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeNotFound,
		Message: message,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *LabError {
	return &LabError{
		Type:    ErrorTypeInternal,
		Code:    ErrCodeInternalError,
		Message: message,
		Cause:   cause,
	}
}

// NewNoAnalyzerAvailableError reports that every candidate analyzer is busy or unknown
func NewNoAnalyzerAvailableError(analyzerID int) *LabError {
	return &LabError{
		Type:    ErrorTypeConflict,
		Code:    ErrCodeNoAnalyzerAvailable,
		Message: "no analyzer available",
		Details: map[string]interface{}{"analyzer_id": analyzerID},
	}
}

// NewDispatchError wraps a transport or non-2xx failure talking to an analyzer
func NewDispatchError(analyzer string, cause error) *LabError {
	return &LabError{
		Type:    ErrorTypeExternal,
		Code:    ErrCodeDispatchFailed,
		Message: fmt.Sprintf("analyzer %s request failed", analyzer),
		Details: map[string]interface{}{"analyzer": analyzer},
		Cause:   cause,
	}
}

// NewTimeoutError reports an analyzer call that exceeded its deadline
func NewTimeoutError(analyzer string, cause error) *LabError {
	return &LabError{
		Type:    ErrorTypeTimeout,
		Code:    ErrCodeTimeout,
		Message: fmt.Sprintf("analyzer %s did not answer in time", analyzer),
		Details: map[string]interface{}{"analyzer": analyzer},
		Cause:   cause,
	}
}

// NewResultNotFoundError reports a missing or unusable analyzer result
func NewResultNotFoundError(message string, details map[string]interface{}) *LabError {
	return &LabError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeResultNotFound,
		Message: message,
		Details: details,
	}
}

// NewInvalidTransitionError reports a state machine precondition violation
func NewInvalidTransitionError(orderServiceID string, from OrderServiceStatus, action string) *LabError {
	return &LabError{
		Type:    ErrorTypeConflict,
		Code:    ErrCodeInvalidTransition,
		Message: fmt.Sprintf("cannot %s order service %s in status %q", action, orderServiceID, from),
		Details: map[string]interface{}{
			"order_service_id": orderServiceID,
			"status":           string(from),
			"action":           action,
		},
	}
}

// HasCode reports whether err carries a LabError with the given code
func HasCode(err error, code string) bool {
	var labErr *LabError
	if errors.As(err, &labErr) {
		return labErr.Code == code
	}
	return false
}

// AsLabError extracts the LabError from an error chain
func AsLabError(err error) (*LabError, bool) {
	var labErr *LabError
	ok := errors.As(err, &labErr)
	return labErr, ok
}
