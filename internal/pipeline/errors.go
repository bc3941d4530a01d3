package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared across stages.
var (
	// ErrAuthentication rejects an intake payload whose signature cannot be verified.
	ErrAuthentication = errors.New("authentication failed")

	// ErrContextUnavailable means the failure log could not be fetched.
	ErrContextUnavailable = errors.New("context unavailable")

	// ErrUnfixable is returned by a proposer that has given up.
	ErrUnfixable = errors.New("unfixable")

	// ErrPublishConflict means the pull request already exists. Publishers
	// resolve it to the existing handle.
	ErrPublishConflict = errors.New("publish conflict")

	// ErrNoCheck means the validator cannot find a command that reproduces
	// the failure.
	ErrNoCheck = errors.New("no check command resolvable")

	// ErrInvariant marks an internal inconsistency. It is the only error
	// allowed to stop the process.
	ErrInvariant = errors.New("invariant violation")
)

// Reason explains a terminal FAILED state.
type Reason string

const (
	ReasonContextUnavailable  Reason = "context_unavailable"
	ReasonUnfixable           Reason = "unfixable"
	ReasonProposerFailed      Reason = "proposer_failed"
	ReasonValidationExhausted Reason = "validation_exhausted"
	ReasonPublishFailed       Reason = "publish_failed"
	ReasonNoCheck             Reason = "no_check"
	ReasonTransientExhausted  Reason = "transient_exhausted"
	ReasonCancelled           Reason = "cancelled"
)

// ValidationFailed carries the feedback of a rejected candidate.
type ValidationFailed struct {
	Feedback Feedback
}

func (e *ValidationFailed) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Feedback.Kind, e.Feedback.Message)
}

// TransientError wraps a timeout or unavailability of a collaborator.
// It is retried at the call site within a bounded budget.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err returns nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying. A per-call deadline
// counts as transient; cancellation of the caller's context does not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Invariant wraps a description as ErrInvariant.
func Invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}
