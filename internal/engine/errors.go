package engine

import (
	"errors"
	"fmt"
)

// Code classifies a failed engine invocation.
type Code string

const (
	CodeBinaryNotFound     Code = "BINARY_NOT_FOUND"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeTimeout            Code = "TIMEOUT"
	CodeParseError         Code = "PARSE_ERROR"
	CodeEngineError        Code = "SEARCH_ENGINE_ERROR"
)

// Error is returned by the Supervisor for every failed invocation that was
// not caused by the caller's own context.
type Error struct {
	Code     Code
	Command  string
	Message  string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Command)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" (after %d attempts)", e.Attempts)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	return e.Code == CodeTimeout || e.Code == CodeEngineError
}

// CodeOf extracts the engine code from err, or "" if err is not an engine error.
func CodeOf(err error) Code {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	return ""
}

// IsRetryable reports whether err is an engine error worth retrying.
func IsRetryable(err error) bool {
	var engineErr *Error
	return errors.As(err, &engineErr) && engineErr.Retryable()
}

// ExitError reports a non-zero exit of the search binary.
type ExitError struct {
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("exit status %d", e.ExitCode)
	}
	return fmt.Sprintf("exit status %d: %s", e.ExitCode, e.Stderr)
}
