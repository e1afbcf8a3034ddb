// Package dberr defines the error taxonomy shared by every layer of the
// debug-port runtime, following the same fmt.Errorf wrapping style used
// elsewhere in the codebase but centralizing the error kind so callers
// can type-switch on it.
package dberr

import (
	"context"
	"fmt"
)

// Kind classifies a debug-runtime error for programmatic handling.
type Kind int

const (
	// KindTransport covers lost/broken probe connections.
	KindTransport Kind = iota
	// KindProtocol covers malformed responses from the probe or target.
	KindProtocol
	// KindTargetUnresponsive covers poll loops that never observed the
	// expected condition before their deadline.
	KindTargetUnresponsive
	// KindInvariant covers a precondition violated by caller-supplied data
	// (overlapping writes, malformed target descriptions, and similar).
	KindInvariant
	// KindAlgorithmFailure covers a flash algorithm function call that
	// returned a non-zero result code.
	KindAlgorithmFailure
	// KindVerificationFailure covers a post-program read-back mismatch.
	KindVerificationFailure
	// KindPermissionDenied covers a session operation attempted without
	// having first escalated to the permission level it requires.
	KindPermissionDenied
	// KindReAttachRequired covers a device-unlock sequence that leaves the
	// probe connection in a state that must be torn down and re-opened.
	KindReAttachRequired
	// KindCancelled covers a caller-cancelled operation.
	KindCancelled
	// KindTimeout covers a poll loop that hit its deadline.
	KindTimeout
	// KindNotImplemented covers an operation the target's core family
	// has no hardware for (e.g. most vector-catch conditions on an M0).
	// Callers are expected to treat it as non-fatal.
	KindNotImplemented
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindTargetUnresponsive:
		return "target_unresponsive"
	case KindInvariant:
		return "invariant"
	case KindAlgorithmFailure:
		return "algorithm_failure"
	case KindVerificationFailure:
		return "verification_failure"
	case KindPermissionDenied:
		return "permission_denied"
	case KindReAttachRequired:
		return "reattach_required"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	case KindNotImplemented:
		return "not_implemented"
	default:
		return "unknown"
	}
}

// Error is the concrete error type produced by every package in this
// module. Wrap it with %w so callers can still reach the original cause.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "core.Halt"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an *Error around cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// FromContext wraps a context error from a poll loop, distinguishing a
// caller-requested cancellation (KindCancelled) from an expired
// deadline (KindTimeout) so callers can tell "the user hit Ctrl-C"
// apart from "the target never answered."
func FromContext(op, message string, cause error) *Error {
	kind := KindTimeout
	if cause == context.Canceled {
		kind = KindCancelled
	}
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind, unwrapping chains.
func Is(err error, kind Kind) bool {
	for err != nil {
		if de, ok := err.(*Error); ok {
			if de.Kind == kind {
				return true
			}
			err = de.Cause
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
