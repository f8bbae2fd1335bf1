package will

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match them with errors.Is; the wrapped message
// carries the will id or offending field.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("will not found")
	ErrNotAuthorized       = errors.New("not authorized")
	ErrNotOwner            = errors.New("caller is not the owner")
	ErrNotExecutor         = errors.New("caller is not the executor")
	ErrAlreadyExecuted     = errors.New("will already executed")
	ErrEmergencyNotReady   = errors.New("emergency delay has not elapsed")
	ErrExecutionInProgress = errors.New("execution already in progress")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTransferFailed      = errors.New("transfer failed")
	ErrNotInitialized      = errors.New("engine not initialized")
)

// InputError describes a rejected parameter. It matches ErrInvalidInput.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InputError) Is(target error) bool {
	return target == ErrInvalidInput
}

func invalid(field, reason string) error {
	return &InputError{Field: field, Reason: reason}
}

// IsRetryable reports whether err describes a condition that may clear
// later (timing, funding, a concurrent attempt) as opposed to a permanent
// rejection such as ErrAlreadyExecuted or ErrNotAuthorized.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrEmergencyNotReady) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrExecutionInProgress) ||
		errors.Is(err, ErrTransferFailed)
}

// FailureKind returns the sentinel matched by err, or nil.
func FailureKind(err error) error {
	for _, k := range []error{
		ErrInvalidInput, ErrNotFound, ErrNotAuthorized, ErrNotOwner, ErrNotExecutor,
		ErrAlreadyExecuted, ErrEmergencyNotReady, ErrExecutionInProgress,
		ErrInsufficientBalance, ErrTransferFailed, ErrNotInitialized,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
