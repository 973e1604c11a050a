// Package poolerrors provides structured error handling for reservoir with
// error categorization, structured context, and stack traces. Every failure
// that crosses a package boundary is one of these typed errors, so callers
// branch on kind instead of matching message text.
package poolerrors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents resource not found errors
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeTimeout represents operation timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConnection represents connection-class errors; a handle that
	// produced one is destroyed rather than returned to the idle set
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeOverload represents rate-limit/overload errors
	ErrorTypeOverload ErrorType = "overload"
	// ErrorTypeAcquireTimeout represents an acquisition that waited too long
	ErrorTypeAcquireTimeout ErrorType = "acquire_timeout"
	// ErrorTypeCreateFailed represents a failed connection creation
	ErrorTypeCreateFailed ErrorType = "create_failed"
	// ErrorTypeShutdown represents operations rejected because the pool is shutting down
	ErrorTypeShutdown ErrorType = "shutdown"
	// ErrorTypeCircuitOpen represents calls shed by an open circuit breaker
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the error represents a transient condition
// worth retrying against a fresh connection.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeConnection, ErrorTypeTimeout, ErrorTypeOverload, ErrorTypeAcquireTimeout:
		return true
	default:
		return false
	}
}

// IsConnectionError returns true if the error poisons the handle it was
// produced on. The pool destroys such handles instead of releasing them.
func IsConnectionError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == ErrorTypeConnection
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// connectionVocabulary is the message vocabulary used to recognize
// connection-class failures coming out of raw driver errors. Classification
// by substring happens only here, at the boundary where untyped errors enter
// the system; everything downstream branches on ErrorType.
var connectionVocabulary = []string{
	"connection closed",
	"connection terminated",
	"connection reset",
	"connection refused",
	"network error",
	"broken pipe",
	"unexpected eof",
}

var overloadVocabulary = []string{
	"too many connections",
	"too many clients",
	"rate limit",
	"overloaded",
}

// Classify maps a raw error onto a typed error. Already-typed errors pass
// through unchanged. Untyped errors are categorized by message vocabulary:
// connection-class, timeout, overload, or internal as the fallback.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	msg := strings.ToLower(err.Error())

	for _, marker := range connectionVocabulary {
		if strings.Contains(msg, marker) {
			return Wrap(err, ErrorTypeConnection, "connection failure")
		}
	}

	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return Wrap(err, ErrorTypeTimeout, "operation timed out")
	}

	for _, marker := range overloadVocabulary {
		if strings.Contains(msg, marker) {
			return Wrap(err, ErrorTypeOverload, "backend overloaded")
		}
	}

	return Wrap(err, ErrorTypeInternal, "unclassified failure")
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
