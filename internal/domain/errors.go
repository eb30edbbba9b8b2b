package domain

import (
	"errors"
	"fmt"
)

// ErrorCode represents a machine-readable error code
type ErrorCode string

const (
	// Handshake protocol errors (PROTOCOL_*)
	ErrorCodeUnexpectedStep   ErrorCode = "PROTOCOL_UNEXPECTED_STEP"
	ErrorCodeMalformedMessage ErrorCode = "PROTOCOL_MALFORMED_MESSAGE"
	ErrorCodeOriginRejected   ErrorCode = "PROTOCOL_ORIGIN_REJECTED"
	ErrorCodeMissingAmount    ErrorCode = "PROTOCOL_MISSING_AMOUNT"
	ErrorCodeInvalidState     ErrorCode = "PROTOCOL_INVALID_STATE"

	// Terminal gateway errors (TERMINAL_*)
	ErrorCodeTerminalNetwork ErrorCode = "TERMINAL_NETWORK"
	ErrorCodeUnhandledStatus ErrorCode = "TERMINAL_UNHANDLED_STATUS"
	ErrorCodeTerminalCircuit ErrorCode = "TERMINAL_CIRCUIT_OPEN"

	// Validation errors (VALIDATION_*)
	ErrorCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// Session errors (SESSION_*)
	ErrorCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
)

// DomainError represents a structured domain error with error code and context
type DomainError struct {
	Err     error
	Details map[string]interface{}
	Code    ErrorCode
	Message string
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches on error code so sentinel values work with errors.Is
// even after WithDetail or WrapError produced a new instance
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// WithDetail returns a copy of the error with a detail field added.
// Sentinels are shared, so they are never modified in place.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &DomainError{
		Err:     e.Err,
		Details: details,
		Code:    e.Code,
		Message: e.Message,
	}
}

// NewDomainError creates a new domain error
func NewDomainError(code ErrorCode, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with a domain error code
func WrapError(code ErrorCode, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Err:     err,
	}
}

// IsDomainError checks if an error is a DomainError with the given code
func IsDomainError(err error, code ErrorCode) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error, returns empty string if not a DomainError
func GetErrorCode(err error) ErrorCode {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// IsProtocolError reports whether the host broke the handshake: an
// unexpected step, an unparseable message or a DATA reply without an amount.
// These all surface as a blocking alert.
func IsProtocolError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeUnexpectedStep ||
		code == ErrorCodeMalformedMessage ||
		code == ErrorCodeMissingAmount
}

// IsTerminalError checks if an error came from the terminal gateway call
func IsTerminalError(err error) bool {
	code := GetErrorCode(err)
	return code == ErrorCodeTerminalNetwork ||
		code == ErrorCodeTerminalCircuit
}

var (
	ErrUnexpectedStep   = NewDomainError(ErrorCodeUnexpectedStep, "unexpected handshake step")
	ErrMalformedMessage = NewDomainError(ErrorCodeMalformedMessage, "malformed channel message")
	ErrOriginRejected   = NewDomainError(ErrorCodeOriginRejected, "message origin not allowed")
	ErrMissingAmount    = NewDomainError(ErrorCodeMissingAmount, "sale amount missing")
	ErrInvalidState     = NewDomainError(ErrorCodeInvalidState, "operation not valid in current state")

	ErrTerminalNetwork = NewDomainError(ErrorCodeTerminalNetwork, "terminal gateway request failed")
	ErrUnhandledStatus = NewDomainError(ErrorCodeUnhandledStatus, "terminal status has no closing step")
	ErrTerminalCircuit = NewDomainError(ErrorCodeTerminalCircuit, "terminal gateway circuit open")

	ErrValidation      = NewDomainError(ErrorCodeValidationFailed, "validation failed")
	ErrSessionNotFound = NewDomainError(ErrorCodeSessionNotFound, "session not found")
)
