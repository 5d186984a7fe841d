// Package workflowerr defines the closed error taxonomy shared by every
// component of the workflow engine (store, dispatch, driver, policy, intake).
package workflowerr

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed error categories the core ever returns. Callers
// should branch on Kind, never on Detail text.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindConflict        Kind = "conflict"
	KindUnavailable     Kind = "unavailable"
	KindTimeout         Kind = "timeout"
	KindRateLimited     Kind = "rate_limited"
	KindContentFiltered Kind = "content_filtered"
	KindInternal        Kind = "internal"
)

// Error is the concrete error type returned across package boundaries in the
// core. Op names the failing operation (e.g. "store.UpdateBlock"), Detail is
// a human-readable message safe to surface to a user, Err is the wrapped
// cause (may be nil).
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

func NotFound(op, detail string) *Error { return New(KindNotFound, op, detail, nil) }

func InvalidTransition(op, detail string) *Error {
	return New(KindInvalidTransition, op, detail, nil)
}

func Conflict(op, detail string) *Error { return New(KindConflict, op, detail, nil) }

func Unavailable(op, detail string, err error) *Error {
	return New(KindUnavailable, op, detail, err)
}

func Timeout(op, detail string) *Error { return New(KindTimeout, op, detail, nil) }

func RateLimited(op, detail string) *Error { return New(KindRateLimited, op, detail, nil) }

func ContentFiltered(op, detail string) *Error {
	return New(KindContentFiltered, op, detail, nil)
}

func Internal(op, detail string, err error) *Error {
	return New(KindInternal, op, detail, err)
}

// KindOf extracts the Kind from err. It returns ("", false) when err is nil
// or does not wrap one of our Error values.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsRetryable reports whether err belongs to a transient Kind that the
// dispatcher's retry policy (§4.3) should re-attempt. Deterministic kinds
// (invalid_transition, not_found, content_filtered, conflict) are not
// retryable: they are surfaced to the caller and end the current attempt.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindUnavailable, KindTimeout, KindRateLimited:
		return true
	default:
		return false
	}
}
