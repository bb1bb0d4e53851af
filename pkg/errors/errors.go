// Package errors classifies the failures of an export.
//
// Every error raised by Quasar packages carries a Type that decides how it
// is handled: validation errors go back to the caller of Register, not_found
// errors mark a lost job or an unknown profile, connection and timeout
// errors are worth another attempt, and everything else fails the attempt
// as is.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType classifies an Error
type ErrorType string

const (
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeTimeout    ErrorType = "timeout"
	// ErrorTypeConnection covers the source, the warehouse, the broker and
	// the metadata store
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeConfig     ErrorType = "config"
	// ErrorTypeData marks documents that cannot be encoded as rows
	ErrorTypeData ErrorType = "data"
	// ErrorTypeQuery marks failed warehouse jobs such as the merge
	ErrorTypeQuery ErrorType = "query"
)

const maxFrames = 32

// Error is a classified failure. Details are attached for logging and never
// change the message.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame is one caller recorded where the error was first raised
type StackFrame struct {
	Function string
	File     string
	Line     int
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Type) + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail records key on e and returns e for chaining
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{}, 1)
	}
	e.Details[key] = value
	return e
}

// New returns an error of type t
func New(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message, Stack: callers(3)}
}

// Newf is New with a formatted message
func Newf(t ErrorType, format string, args ...interface{}) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...), Stack: callers(3)}
}

// Wrap classifies err as t. A nil err stays nil. When err already is an
// *Error its stack is reused, so the recorded frames point at the origin.
func Wrap(err error, t ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	wrapped := &Error{Type: t, Message: message, Cause: err}
	var inner *Error
	if errors.As(err, &inner) {
		wrapped.Stack = inner.Stack
	} else {
		wrapped.Stack = callers(3)
	}
	return wrapped
}

// IsRetryable reports whether the outermost classified error in err is a
// connection or timeout failure
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == ErrorTypeTimeout || e.Type == ErrorTypeConnection
}

// IsType reports whether any classified error in err's chain has type t
func IsType(err error, t ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == t {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsValidation reports whether err is a client-correctable validation failure
func IsValidation(err error) bool {
	return IsType(err, ErrorTypeValidation)
}

// IsNotFound reports whether err signals a missing job or profile
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// callers records the stack above the exported constructor. skip counts
// runtime.Callers, callers and the constructor itself.
func callers(skip int) []StackFrame {
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]StackFrame, 0, n)
	for {
		frame, more := frames.Next()
		stack = append(stack, StackFrame{Function: frame.Function, File: frame.File, Line: frame.Line})
		if !more {
			break
		}
	}
	return stack
}
