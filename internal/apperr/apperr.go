// Package apperr defines the error taxonomy shared by every coordination
// service. Errors carry a Kind, used to pick the refusal policy, and a stable
// Code that is reported to the originating connection.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the core reacts to it.
type Kind int

const (
	KindServer Kind = iota
	KindAuthentication
	KindAuthorization
	KindValidation
	KindNotFound
	KindConflict
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindServer:
		return "server"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return fmt.Sprintf("unknown_kind_%d", int(k))
	}
}

// Stable codes reported on the wire.
const (
	CodeAuthentication = "authentication_failed"
	CodeNotAuthorized  = "not_authorized"
	CodeNotFound       = "not_found"
	CodePendingRequest = "pending_request"
	CodeNotConnected   = "not_connected"
	CodeValidation     = "validation_error"
	CodeConflict       = "conflict"
	CodeServer         = "server_error"
	CodeNothingToUndo  = "nothing_to_undo"
	CodeNothingToRedo  = "nothing_to_redo"
)

// Error is a classified error with a code and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrAuthentication = &Error{Kind: KindAuthentication, Code: CodeAuthentication}
	ErrNotAuthorized  = &Error{Kind: KindAuthorization, Code: CodeNotAuthorized}
	ErrNotFound       = &Error{Kind: KindNotFound, Code: CodeNotFound}
	ErrPendingRequest = &Error{Kind: KindAuthorization, Code: CodePendingRequest}
	ErrNotConnected   = &Error{Kind: KindAuthorization, Code: CodeNotConnected}
	ErrValidation     = &Error{Kind: KindValidation, Code: CodeValidation}
	ErrConflict       = &Error{Kind: KindConflict, Code: CodeConflict}
	ErrServer         = &Error{Kind: KindServer, Code: CodeServer}
	ErrNothingToUndo  = &Error{Kind: KindValidation, Code: CodeNothingToUndo}
	ErrNothingToRedo  = &Error{Kind: KindValidation, Code: CodeNothingToRedo}
)

func newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotAuthorized returns an authorization error.
func NotAuthorized(format string, args ...any) *Error {
	return newf(KindAuthorization, CodeNotAuthorized, format, args...)
}

// NotFound returns a not-found error.
func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, CodeNotFound, format, args...)
}

// PendingRequest returns the error for a direct chat blocked by a pending
// relationship request.
func PendingRequest(format string, args ...any) *Error {
	return newf(KindAuthorization, CodePendingRequest, format, args...)
}

// NotConnected returns the error for a direct chat with no accepted
// relationship.
func NotConnected(format string, args ...any) *Error {
	return newf(KindAuthorization, CodeNotConnected, format, args...)
}

// Validation returns a validation error.
func Validation(format string, args ...any) *Error {
	return newf(KindValidation, CodeValidation, format, args...)
}

// Conflict returns a conflict error.
func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, CodeConflict, format, args...)
}

// Authentication returns an authentication error.
func Authentication(format string, args ...any) *Error {
	return newf(KindAuthentication, CodeAuthentication, format, args...)
}

// NothingToUndo is returned by an undo on an empty history.
func NothingToUndo() *Error {
	return &Error{Kind: KindValidation, Code: CodeNothingToUndo, Message: "nothing to undo"}
}

// NothingToRedo is returned by a redo on an empty undo stack.
func NothingToRedo() *Error {
	return &Error{Kind: KindValidation, Code: CodeNothingToRedo, Message: "nothing to redo"}
}

// Server wraps a collaborator failure.
func Server(message string, err error) *Error {
	return &Error{Kind: KindServer, Code: CodeServer, Message: message, Err: err}
}

// CodeOf returns the wire code for err. Unclassified errors report as
// server errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeServer
}

// MessageOf returns the human-readable message for err. Server errors never
// leak their wrapped cause.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message == "" {
			return e.Code
		}
		return e.Message
	}
	return "internal server error"
}

// KindOf returns the Kind of err, KindServer if unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServer
}
