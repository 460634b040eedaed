// Package toolhosterr centralizes the runtime's error taxonomy so that every
// layer (registry, policy engine, RPC service) reports failures through the
// same Kind and the same external-surface mapping, keeping "internal kind
// -> external surface" decisions in one place.
package toolhosterr

import "fmt"

// Kind is the taxonomy of runtime error conditions.
type Kind string

const (
	// InvalidArgument is raised when caller input fails a precondition check.
	InvalidArgument Kind = "invalid_argument"
	// NotFound is raised for an unknown qualified id or session.
	NotFound Kind = "not_found"
	// Conflict is raised for a duplicate tool id at load time.
	Conflict Kind = "conflict"
	// IntegrityViolation is raised on a checksum mismatch at load time.
	IntegrityViolation Kind = "integrity_violation"
	// AbiMismatch is raised when a library's discovery contract is malformed.
	AbiMismatch Kind = "abi_mismatch"
	// GuardFailed is raised when a policy denies a call.
	GuardFailed Kind = "guard_failed"
	// EvaluationError is raised when a policy expression fails at runtime.
	EvaluationError Kind = "evaluation_error"
	// ToolError is raised when a tool returns its Error discriminant.
	ToolError Kind = "tool_error"
	// ToolPanic is raised when the ABI reports a trapped panic.
	ToolPanic Kind = "tool_panic"
	// Unavailable is raised when a drain is in progress.
	Unavailable Kind = "unavailable"
	// Io is raised for filesystem or transport errors.
	Io Kind = "io"
	// Internal covers everything not otherwise classified.
	Internal Kind = "internal"
)

// Error is the concrete error type carried across every runtime layer.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error that wraps an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else if err == nil {
		return false
	} else {
		return false
	}
	return e.Kind == kind
}

// KindOf returns the Kind of err if it is a *Error, or Internal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
		return e.Kind
	}
	return Internal
}
