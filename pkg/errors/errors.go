// Package errors provides structured error types for webpm.
//
// Two families of errors live here:
//
//   - Coded errors ([Error]) used for input validation and user-facing CLI
//     messages. Codes are machine readable and stable.
//   - Install errors (see cdn.go) raised by the resolver, the fetcher and the
//     backend and Python installers. Each carries the exception type used on
//     the wire by the resolution server, so callers can branch on the kind
//     with [errors.As].
//
// # Error Codes
//
// Error codes follow a hierarchical naming convention:
//   - INVALID_*: Input validation failures
//   - NOT_FOUND_*: Resource not found
//   - NETWORK_*: Network-related errors
//   - INTERNAL_*: Unexpected internal errors
//
// # Usage
//
//	err := errors.New(errors.ErrCodeInvalidQuery, "invalid module query: %s", q)
//	if errors.Is(err, errors.ErrCodeInvalidQuery) {
//	    // Handle validation error
//	}
//
//	// Wrap existing errors
//	err := errors.Wrap(errors.ErrCodeNetwork, origErr, "failed to fetch %s", url)
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Code represents a machine-readable error code.
type Code string

// Error codes for different error categories.
const (
	// Input validation errors
	ErrCodeInvalidInput   Code = "INVALID_INPUT"
	ErrCodeInvalidQuery   Code = "INVALID_QUERY"
	ErrCodeInvalidPackage Code = "INVALID_PACKAGE"
	ErrCodeInvalidConfig  Code = "INVALID_CONFIG"
	ErrCodeInvalidPath    Code = "INVALID_PATH"
	ErrCodeInvalidGraph   Code = "INVALID_GRAPH"

	// Resource not found errors
	ErrCodeNotFound        Code = "NOT_FOUND"
	ErrCodePackageNotFound Code = "PACKAGE_NOT_FOUND"
	ErrCodeSessionNotFound Code = "SESSION_NOT_FOUND"

	// Network errors
	ErrCodeNetwork Code = "NETWORK_ERROR"
	ErrCodeTimeout Code = "TIMEOUT"

	// Authentication errors
	ErrCodeUnauthorized Code = "UNAUTHORIZED"

	// Internal errors
	ErrCodeInternal    Code = "INTERNAL_ERROR"
	ErrCodeUnsupported Code = "UNSUPPORTED"
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether err has the given error code.
// It unwraps the error chain looking for an *Error with a matching code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, if available.
// Install errors map onto the closest code.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var unauthorized *Unauthorized
	var notFound *URLNotFound
	var session *LocalYouwolRequired
	switch {
	case errors.As(err, &unauthorized):
		return ErrCodeUnauthorized
	case errors.As(err, &notFound):
		return ErrCodeNotFound
	case errors.As(err, &session):
		return ErrCodeSessionNotFound
	}
	return ""
}

// UserMessage renders err for the terminal: the text of err with the
// code prefixes of its coded errors removed.
func UserMessage(err error) string {
	msg := err.Error()
	for e := asCoded(err); e != nil; e = asCoded(e.Cause) {
		msg = strings.Replace(msg, string(e.Code)+": ", "", 1)
	}
	return msg
}

func asCoded(err error) *Error {
	var e *Error
	if err != nil && errors.As(err, &e) {
		return e
	}
	return nil
}
