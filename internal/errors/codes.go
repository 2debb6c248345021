package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for sync operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001
	ErrCodeAlreadyExists   ErrorCode = 1002
	ErrCodeNotAMember      ErrorCode = 1003

	// Server errors (5xx equivalent)
	ErrCodeInternal  ErrorCode = 2000
	ErrCodeStorage   ErrorCode = 2001
	ErrCodeTransport ErrorCode = 2002
)

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// ToHTTPStatus maps internal error codes to HTTP status codes
func (e *SyncError) ToHTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeAlreadyExists, ErrCodeNotAMember:
		return http.StatusConflict
	case ErrCodeTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewSyncError creates a new SyncError
func NewSyncError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInvalidArgument, message, cause)
}

func EntityNotFound(entityID string) *SyncError {
	return NewSyncError(ErrCodeNotFound, fmt.Sprintf("entity not found: %s", entityID), nil).
		WithDetail("entity_id", entityID)
}

func EntityAlreadyExists(entityID string) *SyncError {
	return NewSyncError(ErrCodeAlreadyExists, fmt.Sprintf("entity already exists: %s", entityID), nil).
		WithDetail("entity_id", entityID)
}

func NotAMember(element string) *SyncError {
	return NewSyncError(ErrCodeNotAMember, fmt.Sprintf("element is not a member: %s", element), nil).
		WithDetail("element", element)
}

func StorageFailed(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeStorage, message, cause)
}

func TransportFailed(remoteNodeID, message string, cause error) *SyncError {
	return NewSyncError(ErrCodeTransport, message, cause).
		WithDetail("remote_node_id", remoteNodeID)
}

func InternalError(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInternal, message, cause)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given error code
func IsCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
