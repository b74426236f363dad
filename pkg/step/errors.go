package step

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// ErrUnsupported is returned by steps that do not implement an optional
// part of the contract (resume or cancel of a process step).
var ErrUnsupported = errors.New("operation not supported by step")

// ErrUnknownState is returned when a step's outcome cannot be determined
// and an operator has to resolve it.
var ErrUnknownState = errors.New("step execution state unknown")

// ErrAlreadyComputed is returned when needed resources are set twice.
var ErrAlreadyComputed = errors.New("needed resources already computed")

// ValidationError reports a step that can never run. It is not retryable.
type ValidationError struct {
	StepID string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("step %s is invalid: %s", e.StepID, e.Reason)
}

// IsValidation reports whether err is a step validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CancelError aggregates the failures of a best-effort cancellation.
// Operations listed in Pending are still tracked by the step.
type CancelError struct {
	StepID  string
	Pending []string
	Err     error
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("cancel step %s: %d operation(s) may still be running [%s]: %v",
		e.StepID, len(e.Pending), strings.Join(e.Pending, ","), e.Err)
}

func (e *CancelError) Unwrap() error { return e.Err }

// Errors returns the individual cancellation failures.
func (e *CancelError) Errors() []error { return multierr.Errors(e.Err) }

// ExecutionError is a failure reported by the backend for one step,
// carrying the backend error code (SQLSTATE for database steps).
type ExecutionError struct {
	StepID  string
	Code    string
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("step %s failed [%s]: %s", e.StepID, e.Code, e.Message)
	}
	return fmt.Sprintf("step %s failed: %s", e.StepID, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// SQLState exposes the backend error code to classifiers.
func (e *ExecutionError) SQLState() string { return e.Code }
