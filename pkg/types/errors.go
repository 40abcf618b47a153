package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the ledgers, the registry and the executor.
var (
	ErrInsufficientFunds  = errors.New("insufficient credits")
	ErrInvalidWorkflow    = errors.New("invalid workflow")
	ErrNotFound           = errors.New("not found")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrConflict           = errors.New("conflict")
)

// StepInvocationError wraps a failure returned by the step invoker.
// Error returns the invoker's message verbatim.
type StepInvocationError struct {
	StepIndex int
	Operation string
	Err       error
}

func (e *StepInvocationError) Error() string {
	return e.Err.Error()
}

func (e *StepInvocationError) Unwrap() error {
	return e.Err
}

// NotFoundf returns an error wrapping ErrNotFound
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// IsNotFound returns true if the error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInsufficientFunds returns true if the error is a failed debit
func IsInsufficientFunds(err error) bool {
	return errors.Is(err, ErrInsufficientFunds)
}

// WorkflowValidationError lists every problem found in a step list.
// errors.Is(err, ErrInvalidWorkflow) holds for it.
type WorkflowValidationError struct {
	Problems error
}

func (e *WorkflowValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidWorkflow, e.Problems)
}

func (e *WorkflowValidationError) Is(target error) bool {
	return target == ErrInvalidWorkflow
}

func (e *WorkflowValidationError) Unwrap() error {
	return e.Problems
}
