package service

import (
	"errors"
	"fmt"
)

// Sentinel errors returned while turning a request into a job.
// Callers use errors.Is to tell a rejected request from a failed generation.
var (
	// ErrInvalidRequest indicates the request failed validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnknownModel indicates no function is mapped to the requested style model.
	ErrUnknownModel = errors.New("no function configured for model")

	// ErrFunctionNotConfigured indicates the job kind has no function id configured.
	ErrFunctionNotConfigured = errors.New("function not configured")

	// ErrUnknownJobKind indicates a dispatched job names a kind this service does not run.
	ErrUnknownJobKind = errors.New("unknown job kind")

	// ErrNilDependency is returned by constructors given a nil collaborator.
	ErrNilDependency = errors.New("nil dependency")
)

// ServiceError wraps failures of a service operation with context.
type ServiceError struct {
	// Operation is the operation that failed (e.g., "persist_output", "decode_profile")
	Operation string
	// TaskID identifies the task the operation ran for
	TaskID string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for ServiceError.
func (e *ServiceError) Error() string {
	return fmt.Sprintf("generation service %s failed for task %s: %v", e.Operation, e.TaskID, e.Err)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ServiceError) Unwrap() error {
	return e.Err
}
