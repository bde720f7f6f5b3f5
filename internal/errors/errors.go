// Package errors provides the consolidated error definitions for labfeed.
//
// This package provides:
// - Wire protocol error codes
// - Sentinel errors for all error conditions
// - Error category checking functions
// - ErrorToCode and CodeToError mapping
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Wire protocol error codes - used in wire Error envelopes
// ============================================================================

const (
	CodeUnknown            int32 = 1
	CodeAuthFailed         int32 = 2
	CodeNotAuthenticated   int32 = 3
	CodeInvalidRequest     int32 = 4
	CodeNotFound           int32 = 5
	CodeAlreadyExists      int32 = 6
	CodeInternal           int32 = 7
	CodePermissionDenied   int32 = 8
	CodeMalformedMessage   int32 = 9
	CodeTransientStorage   int32 = 10
	CodeSubscriptionClosed int32 = 11
	CodeTimeout            int32 = 12
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeAuthFailed:
		return "AuthFailed"
	case CodeNotAuthenticated:
		return "NotAuthenticated"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeNotFound:
		return "NotFound"
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodeInternal:
		return "Internal"
	case CodePermissionDenied:
		return "PermissionDenied"
	case CodeMalformedMessage:
		return "MalformedMessage"
	case CodeTransientStorage:
		return "TransientStorage"
	case CodeSubscriptionClosed:
		return "SubscriptionClosed"
	case CodeTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Not found errors. A missing feed is reported distinctly from a
	// permission failure so clients can tell "ask for access" from
	// "this feed does not exist".
	ErrNotFound           = errors.New("not found")
	ErrWorkspaceNotFound  = errors.New("workspace not found")
	ErrExperimentNotFound = errors.New("experiment not found")
	ErrFeedNotFound       = errors.New("feed not found")
	ErrSessionNotFound    = errors.New("session not found")

	// Already exists errors
	ErrAlreadyExists      = errors.New("already exists")
	ErrWorkspaceExists    = errors.New("workspace already exists")
	ErrExperimentExists   = errors.New("experiment already exists")
	ErrFeedExists         = errors.New("feed already exists")

	// Validation errors
	ErrInvalidName    = errors.New("invalid name")
	ErrInvalidFeedID  = errors.New("invalid feed id")
	ErrInvalidPattern = errors.New("invalid permission pattern")
	ErrInvalidRange   = errors.New("invalid time range")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMissingField   = errors.New("missing required field")

	// Permission errors. Absence of a grant is denial (default-deny).
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrInvalidToken     = errors.New("invalid token")

	// Transport errors
	ErrMalformedMessage = errors.New("malformed message")
	ErrConnectionFailed = errors.New("connection failed")
	ErrTimeout          = errors.New("timeout")

	// Storage errors. ErrTransientStorage marks failures worth retrying;
	// ErrStoreDegraded means the retry window for a feed is exhausted and
	// writes are buffering in cache only.
	ErrTransientStorage = errors.New("transient storage error")
	ErrStoreDegraded    = errors.New("durable storage degraded")
	ErrCacheFull        = errors.New("cache full")

	// Subscription errors
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrSlowConsumer       = errors.New("subscriber too slow")

	// State errors
	ErrClosed            = errors.New("closed")
	ErrNotRunning        = errors.New("not running")
	ErrAlreadyRunning    = errors.New("already running")
	ErrExperimentRetired = errors.New("experiment is archived")

	// Internal errors
	ErrInternal = errors.New("internal error")
	ErrDatabase = errors.New("database error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrWorkspaceNotFound) ||
		errors.Is(err, ErrExperimentNotFound) ||
		errors.Is(err, ErrFeedNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}

// IsAlreadyExists returns true if err is an already-exists error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrWorkspaceExists) ||
		errors.Is(err, ErrExperimentExists) ||
		errors.Is(err, ErrFeedExists)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidFeedID) ||
		errors.Is(err, ErrInvalidPattern) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// IsPermission returns true if err is a permission/authentication error.
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrInvalidToken)
}

// IsRetriable returns true if the error is potentially retriable.
// Degraded-state errors are included: the condition clears once the
// durable backend recovers.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTransientStorage) ||
		errors.Is(err, ErrStoreDegraded) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed)
}

// ============================================================================
// Error to wire code mapping
// ============================================================================

// ErrorToCode maps a sentinel error to its wire protocol code.
func ErrorToCode(err error) int32 {
	if err == nil {
		return CodeUnknown
	}

	switch {
	case Is(err, ErrInvalidToken):
		return CodeAuthFailed
	case Is(err, ErrNotAuthenticated):
		return CodeNotAuthenticated
	case Is(err, ErrPermissionDenied):
		return CodePermissionDenied

	case Is(err, ErrMalformedMessage):
		return CodeMalformedMessage

	case IsNotFound(err):
		return CodeNotFound

	case IsAlreadyExists(err):
		return CodeAlreadyExists

	case IsValidation(err):
		return CodeInvalidRequest

	case Is(err, ErrTransientStorage), Is(err, ErrStoreDegraded):
		return CodeTransientStorage

	case Is(err, ErrSubscriptionClosed), Is(err, ErrSlowConsumer):
		return CodeSubscriptionClosed

	case Is(err, ErrTimeout):
		return CodeTimeout

	default:
		return CodeInternal
	}
}

// CodeToError maps a wire code to a sentinel error (for clients).
func CodeToError(code int32) error {
	switch code {
	case CodeAuthFailed:
		return ErrInvalidToken
	case CodeNotAuthenticated:
		return ErrNotAuthenticated
	case CodeInvalidRequest:
		return ErrInvalidConfig
	case CodeNotFound:
		return ErrNotFound
	case CodeAlreadyExists:
		return ErrAlreadyExists
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodeMalformedMessage:
		return ErrMalformedMessage
	case CodeTransientStorage:
		return ErrTransientStorage
	case CodeSubscriptionClosed:
		return ErrSubscriptionClosed
	case CodeTimeout:
		return ErrTimeout
	default:
		return ErrInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewAlreadyExists creates an already-exists error with context.
func NewAlreadyExists(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrAlreadyExists)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}
