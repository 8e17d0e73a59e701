// Package apperr defines the error taxonomy shared by loom's storage
// and HTTP layers.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error so the HTTP layer can map it to a status code
// without string-matching messages.
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindValidation  Kind = "validation"
	KindConflict    Kind = "conflict"
	KindStorage     Kind = "storage"
	KindChildExited Kind = "child_exited"
	KindCorrupted   Kind = "corrupted"
)

// Error is a typed application error carrying a Kind plus an optional
// wrapped cause.
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

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers
// can do errors.Is(err, apperr.NotFoundKind).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a not-found error, e.g. unknown projectId or convId.
func NotFound(format string, args ...any) *Error { return newf(KindNotFound, format, args...) }

// Validation builds a bad-input error, e.g. malformed request body.
func Validation(format string, args ...any) *Error { return newf(KindValidation, format, args...) }

// Conflict builds an error for a request that cannot proceed given
// current state, e.g. sending a message to a stopped runtime.
func Conflict(format string, args ...any) *Error { return newf(KindConflict, format, args...) }

// Storage wraps a filesystem/sqlite failure.
func Storage(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindStorage, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// ChildExited marks an error caused by the child process exiting
// unexpectedly.
func ChildExited(format string, args ...any) *Error { return newf(KindChildExited, format, args...) }

// Corrupted marks an error caused by on-disk state failing to parse.
func Corrupted(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindCorrupted, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// *Kind sentinels for use with errors.Is; matching is by Kind only.
var (
	NotFoundKind    = &Error{Kind: KindNotFound}
	ValidationKind  = &Error{Kind: KindValidation}
	ConflictKind    = &Error{Kind: KindConflict}
	StorageKind     = &Error{Kind: KindStorage}
	ChildExitedKind = &Error{Kind: KindChildExited}
	CorruptedKind   = &Error{Kind: KindCorrupted}
)

// KindOf extracts the Kind from err, returning "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
