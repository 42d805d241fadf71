// Package engine provides the core orchestration of the strata framework:
// dependency resolution, lineage hashing, and the Context facade that
// computes data products through the lineage-keyed cache.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassResolution indicates the dependency graph is misconfigured.
	// Examples: cycles, missing producers, registration conflicts.
	ErrorClassResolution ErrorClass = "resolution"

	// ErrorClassExecution indicates a producer's compute raised.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassStorage indicates the storage layer failed fatally.
	// Examples: lock timeouts, write failures. Corrupt entries are not
	// errors at this layer; they are reinterpreted as cache misses.
	ErrorClassStorage ErrorClass = "storage"
)

// FrameworkError represents a classified error with producer and run context.
type FrameworkError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Producer is the provides name of the producer involved, if any.
	Producer string `json:"producer,omitempty"`

	// RunID is the run being processed when the error occurred.
	RunID string `json:"run_id,omitempty"`

	// Path is the dependency path leading to the failure, if applicable.
	Path []string `json:"path,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *FrameworkError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Producer != "" {
		msg += fmt.Sprintf(" (producer=%s", e.Producer)
		if e.RunID != "" {
			msg += fmt.Sprintf(", run=%s", e.RunID)
		}
		msg += ")"
	} else if e.RunID != "" {
		msg += fmt.Sprintf(" (run=%s)", e.RunID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *FrameworkError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *FrameworkError) Is(target error) bool {
	t, ok := target.(*FrameworkError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewResolutionError creates a new resolution error.
func NewResolutionError(message string, err error) *FrameworkError {
	return &FrameworkError{
		Class:   ErrorClassResolution,
		Message: message,
		Err:     err,
	}
}

// NewExecutionError creates a new execution error.
func NewExecutionError(message string, err error) *FrameworkError {
	return &FrameworkError{
		Class:   ErrorClassExecution,
		Message: message,
		Err:     err,
	}
}

// NewStorageError creates a new storage error.
func NewStorageError(message string, err error) *FrameworkError {
	return &FrameworkError{
		Class:   ErrorClassStorage,
		Message: message,
		Err:     err,
	}
}

// WithCode adds an error code.
func (e *FrameworkError) WithCode(code string) *FrameworkError {
	e.Code = code
	return e
}

// WithProducer adds producer context.
func (e *FrameworkError) WithProducer(provides string) *FrameworkError {
	e.Producer = provides
	return e
}

// WithRun adds run context.
func (e *FrameworkError) WithRun(runID string) *FrameworkError {
	e.RunID = runID
	return e
}

// WithPath adds the dependency path leading to the failure.
func (e *FrameworkError) WithPath(path []string) *FrameworkError {
	e.Path = path
	return e
}

// Common error codes.
const (
	ErrCodeCircularDependency   = "CIRCULAR_DEPENDENCY"
	ErrCodeMissingDependency    = "MISSING_DEPENDENCY"
	ErrCodeRegistrationConflict = "REGISTRATION_CONFLICT"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeProducerFailed       = "PRODUCER_FAILED"
	ErrCodeLockTimeout          = "LOCK_TIMEOUT"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// hasCode reports whether err carries the given framework error code.
func hasCode(err error, code string) bool {
	var e *FrameworkError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsCircularDependency reports whether err is a cycle detection failure.
func IsCircularDependency(err error) bool {
	return hasCode(err, ErrCodeCircularDependency)
}

// IsMissingDependency reports whether err is a missing dependency failure.
func IsMissingDependency(err error) bool {
	return hasCode(err, ErrCodeMissingDependency)
}

// IsRegistrationConflict reports whether err is a duplicate registration.
func IsRegistrationConflict(err error) bool {
	return hasCode(err, ErrCodeRegistrationConflict)
}

// IsProducerFailure reports whether err wraps a producer compute failure.
func IsProducerFailure(err error) bool {
	return hasCode(err, ErrCodeProducerFailed)
}

// IsLockTimeout reports whether err is a storage lock acquisition timeout.
func IsLockTimeout(err error) bool {
	return hasCode(err, ErrCodeLockTimeout)
}
