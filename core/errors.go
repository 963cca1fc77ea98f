package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Request classification errors
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")

	// Concurrency errors
	ErrVersionConflict = errors.New("version conflict")
	ErrSeqConflict     = errors.New("event sequence conflict")
	ErrLockConflict    = errors.New("resource lock conflict")

	// Transient operation errors
	ErrTimeout         = errors.New("operation timeout")
	ErrExternalFailure = errors.New("external dependency failure")

	// Approval-path terminal outcomes. Not errors at the protocol level,
	// but the engine routes on them like error classes.
	ErrRiskRejected = errors.New("approval rejected")
	ErrRiskExpired  = errors.New("approval expired")

	// Workflow state errors
	ErrNotSuspended      = errors.New("workflow not suspended")
	ErrWorkflowTerminal  = errors.New("workflow in terminal state")
	ErrReplayIntegrity   = errors.New("event chain integrity violation")
	ErrUnknownAction     = errors.New("unknown event action")
	ErrSubscriberClosed  = errors.New("subscriber closed")
	ErrAgentUnavailable  = errors.New("no agent available for capability")
	ErrStoreUnavailable  = errors.New("persistent store unavailable")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrDuplicateDelivery = errors.New("duplicate delivery")
)

// Error provides structured error information with context.
// It implements the error interface and supports error wrapping.
type Error struct {
	Op      string // Operation that failed (e.g., "eventlog.Append")
	Kind    string // Error kind (e.g., "workflow", "approval", "lock")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

func (e *Error) Error() string {
	if e.Op != "" && e.Err != nil {
		head := e.Op
		if e.ID != "" {
			head = fmt.Sprintf("%s [%s]", e.Op, e.ID)
		}
		if e.Message != "" {
			return fmt.Sprintf("%s: %s: %v", head, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", head, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a structured error wrapping err.
func NewError(op, kind string, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// IsRetryable reports whether an error belongs to a transient class the
// engine may recover locally: timeouts, external 5xx-equivalents, lock and
// version conflicts. Authorization and validation never retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrExternalFailure) ||
		errors.Is(err, ErrLockConflict) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrSeqConflict)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTerminalApproval reports whether an error is an approval-path terminal
// outcome (rejected or expired). These surface as workflow status, not as
// protocol errors, and are never retried.
func IsTerminalApproval(err error) bool {
	return errors.Is(err, ErrRiskRejected) || errors.Is(err, ErrRiskExpired)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrMissingConfig)
}
