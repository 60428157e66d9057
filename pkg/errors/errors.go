// Package errors augments the standard errors
// with a sentinel type that can wrap a cause without
// losing its identity, so that errors.Is(err, status.ErrX)
// keeps working after Wrap.
package errors

import (
	stderr "errors"
	"fmt"
)

var _ error = New("")

// New sentinel Error
func New(msg string) *Error {
	return &Error{msg: msg}
}

// Error is a sentinel error that may carry a nested cause.
//
// Unlike github.com/pkg/errors, we wrap errors with errors: the outer
// error is a declared sentinel, the inner one is whatever went wrong.
type Error struct {
	msg    string
	err    error
	origin *Error
}

// Error message, including the nested cause if any
func (e *Error) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

// Unwrap nested error
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Wrap a nested error. The sentinel itself is left untouched: a copy is returned.
func (e *Error) Wrap(err error) *Error {
	return &Error{msg: e.msg, err: err, origin: e.root()}
}

// Wrapf wraps a formatted message as the nested error
func (e *Error) Wrapf(format string, args ...interface{}) *Error {
	return e.Wrap(fmt.Errorf(format, args...))
}

// Is this error derived from the target sentinel?
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e == t || e.root() == t.root()
}

func (e *Error) root() *Error {
	if e.origin != nil {
		return e.origin
	}
	return e
}

// As finds the first error in err's chain that matches target.
// (a shortcut to standard lib errors.As)
func As(err error, target interface{}) bool {
	return stderr.As(err, target)
}

// Is reports whether any error in err's chain matches target
// (a shortcut to standard lib errors.Is)
func Is(err, target error) bool {
	return stderr.Is(err, target)
}
