package task

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the Service. The API layer maps them to
// status codes with errors.Is.
var (
	// ErrQueueFull is returned when a task could neither run nor wait.
	// Callers may retry later.
	ErrQueueFull = errors.New("queue full")

	// ErrTaskNotFound is returned for unknown tasks and for tasks owned by
	// another requester.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidRequest wraps validation failures of caller input.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnavailable indicates a backing store could not serve the call.
	ErrUnavailable = errors.New("service temporarily unavailable")

	// ErrDispatcherClosed is returned by Submit after Stop.
	ErrDispatcherClosed = errors.New("dispatcher closed")

	// ErrDispatcherBusy is returned by a LocalDispatcher whose job buffer is full.
	ErrDispatcherBusy = errors.New("dispatcher busy")
)

// Error reasons recorded on failed tasks.
const (
	ReasonQueueFull          = "queue full"
	ReasonCancelled          = "cancelled"
	ReasonInterrupted        = "interrupted by restart"
	ReasonCancelledByRestart = "cancelled by restart"
	ReasonUnknownFailure     = "generation failed"
)

// ServiceError wraps an infrastructure failure with the operation that hit it.
type ServiceError struct {
	Operation string
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("task service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError creates a ServiceError.
func NewServiceError(operation, message string, err error) *ServiceError {
	return &ServiceError{Operation: operation, Message: message, Err: err}
}
