// Package sessionerr defines the stable error kinds surfaced by the Session
// Tree and Session Controller, so callers can branch on failure mode without
// parsing message text.
package sessionerr

import (
	"errors"
	"fmt"
)

// Kind tags the failure mode of an Error.
type Kind string

const (
	NoModelsAvailable    Kind = "no_models_available"
	ConfigMissing        Kind = "config_missing"
	AuthMissing          Kind = "auth_missing"
	UnknownBranch        Kind = "unknown_branch"
	BranchAlreadyExists  Kind = "branch_already_exists"
	UnknownNode          Kind = "unknown_node"
	EmptyMergeSource     Kind = "empty_merge_source"
	SessionFileMissing   Kind = "session_file_missing"
	SessionHeaderMissing Kind = "session_header_missing"
	UnsupportedOperation Kind = "unsupported_operation"
	PersistenceIoError   Kind = "persistence_io_error"
)

// Error carries a stable Kind plus a display message. No stack traces are
// attached; internal panics must be prevented by validation up front.
type Error struct {
	kind    Kind
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's stable kind tag.
func (e *Error) Kind() Kind { return e.kind }

// New constructs an Error of the given kind with a display message.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Wrap constructs an Error of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{kind: kind, message: message, cause: cause}
}

// Is reports whether err is a sessionerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.kind == kind
	}
	return false
}
