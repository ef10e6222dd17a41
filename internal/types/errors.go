package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so transports can map them consistently
type ErrorKind string

const (
	ErrorKindInvalidInput ErrorKind = "INVALID_INPUT"
	ErrorKindNotFound     ErrorKind = "NOT_FOUND"
	ErrorKindConflict     ErrorKind = "CONFLICT"
	ErrorKindExecution    ErrorKind = "EXECUTION_ERROR"
	ErrorKindIO           ErrorKind = "IO_ERROR"
	ErrorKindUnavailable  ErrorKind = "UNAVAILABLE"
	ErrorKindInternal     ErrorKind = "INTERNAL"
)

// Error is a classified error. Err keeps the underlying cause for errors.Is/As.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels below work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is checks
var (
	ErrInvalidInput = &Error{Kind: ErrorKindInvalidInput}
	ErrNotFound     = &Error{Kind: ErrorKindNotFound}
	ErrConflict     = &Error{Kind: ErrorKindConflict}
	ErrExecution    = &Error{Kind: ErrorKindExecution}
	ErrIO           = &Error{Kind: ErrorKindIO}
	ErrUnavailable  = &Error{Kind: ErrorKindUnavailable}
)

// Specific conditions named by the gateway contracts
var (
	ErrAlreadyRunning  = &Error{Kind: ErrorKindConflict, Message: "tunnel is already running"}
	ErrAlreadyTerminal = &Error{Kind: ErrorKindConflict, Message: "job already reached a terminal state"}
	ErrInterrupted     = &Error{Kind: ErrorKindExecution, Message: "execution was interrupted"}
	ErrUploadCancelled = &Error{Kind: ErrorKindConflict, Message: "upload was cancelled"}
)

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func InvalidInput(format string, args ...interface{}) error {
	return newError(ErrorKindInvalidInput, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return newError(ErrorKindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) error {
	return newError(ErrorKindConflict, format, args...)
}

func ExecutionError(format string, args ...interface{}) error {
	return newError(ErrorKindExecution, format, args...)
}

func Unavailable(format string, args ...interface{}) error {
	return newError(ErrorKindUnavailable, format, args...)
}

// WrapIO classifies a stream or filesystem failure
func WrapIO(err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrorKindIO, Message: message, Err: err}
}

// Wrap attaches a kind to an arbitrary error
func Wrap(kind ErrorKind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first classified error in the chain, or ErrorKindInternal
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrorKindInternal
}
