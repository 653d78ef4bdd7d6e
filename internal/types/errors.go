package types

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy. Every failure surfaced to the crew or flow layer is
// classified into one of these kinds; routing and retry decisions key off
// the kind, never off error strings.

// ErrKind classifies a failure.
type ErrKind string

const (
	// KindConfiguration is a missing model, workspace root, or role.
	// Fatal, surfaced at startup or first use.
	KindConfiguration ErrKind = "configuration"

	// KindTransient is an LLM timeout, 5xx, rate limit, or brief tool
	// unavailability. Retried with backoff.
	KindTransient ErrKind = "transient"

	// KindShape is LLM output that does not parse as the declared
	// artifact. Recoverable; the parse diagnostic feeds the next attempt.
	KindShape ErrKind = "shape"

	// KindGuardrailSoft is a guardrail fail with retry allowed.
	KindGuardrailSoft ErrKind = "guardrail_soft"

	// KindGuardrailHard is a guardrail fail with retry forbidden or
	// critical severity. Fatal for the phase.
	KindGuardrailHard ErrKind = "guardrail_hard"

	// KindBudgetExhausted means retries exceeded. Escalates to a human
	// for phases that support it, else ERROR.
	KindBudgetExhausted ErrKind = "budget_exhausted"

	// KindInvariant is an illegal transition, duplicate path, or similar
	// programmer error. Immediate ERROR with a bug flag.
	KindInvariant ErrKind = "invariant"

	// KindCancelled is run-wide cancellation.
	KindCancelled ErrKind = "cancelled"
)

// Error is a classified failure with an optional wrapped cause.
type Error struct {
	Kind ErrKind
	Op   string // operation that failed, e.g. "llm.complete", "task:write_backend"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind ErrKind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// WrapError classifies an underlying error with added context.
func WrapError(kind ErrKind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf extracts the classification from an error chain. Context
// cancellation maps to KindCancelled, deadline expiry to KindTransient,
// and anything unclassified defaults to KindTransient so an unknown
// failure gets retried rather than killing the run.
func KindOf(err error) ErrKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTransient
}

// Retryable reports whether the error kind is retried in place with
// backoff.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Recoverable reports whether the error re-invokes the same task with
// feedback, counting against the task retry budget.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindShape, KindGuardrailSoft:
		return true
	}
	return false
}

// Fatal reports whether the error ends the run (or escalates to a human
// where the phase supports it).
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindConfiguration, KindGuardrailHard, KindInvariant, KindCancelled:
		return true
	}
	return false
}

// Sentinel errors for the FileStore contract.
var (
	ErrNotFound = errors.New("file not found")
	ErrDenied   = errors.New("access denied")
	ErrTooLarge = errors.New("file too large")
)
