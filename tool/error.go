package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	// CodeNotFound is returned when no executor owns the requested tool name.
	CodeNotFound = "NOT_FOUND"
	// CodeNotReady is returned when a client has not finished discovery or lost its transport.
	CodeNotReady = "NOT_READY"
	// CodeArgument is returned when call arguments cannot be resolved to an object.
	CodeArgument = "ARGUMENT_ERROR"
	// CodeTimeout is returned when no response arrives within the wait bound.
	CodeTimeout = "TIMEOUT"
	// CodeTransport is returned when socket or stream I/O fails.
	CodeTransport = "TRANSPORT_FAILURE"
	// CodeRemote is returned when the source answers with an explicit error.
	CodeRemote = "REMOTE_ERROR"
	// CodeInvocationFailed is a generic fallback for invocation failures.
	CodeInvocationFailed = "INVOCATION_FAILED"
)

// ToolError is a structured invocation error that keeps a machine-readable code
// as it crosses client, executor, and manager boundaries.
type ToolError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	msg := strings.TrimSpace(e.Message)
	switch {
	case code == "" && msg == "":
		return CodeInvocationFailed
	case code == "":
		return msg
	case msg == "":
		return code
	default:
		return fmt.Sprintf("%s: %s", code, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewError builds a ToolError. Timeout and transport failures are marked retryable.
func NewError(code, message string, cause error) *ToolError {
	cleanCode := strings.TrimSpace(code)
	if cleanCode == "" {
		cleanCode = CodeInvocationFailed
	}
	cleanMsg := strings.TrimSpace(message)
	if cleanMsg == "" && cause != nil {
		cleanMsg = cause.Error()
	}
	return &ToolError{
		Code:      cleanCode,
		Message:   cleanMsg,
		Retryable: cleanCode == CodeTimeout || cleanCode == CodeTransport || cleanCode == CodeNotReady,
		Cause:     cause,
	}
}

// Errorf is NewError with a formatted message and no cause.
func Errorf(code, format string, args ...any) *ToolError {
	return NewError(code, fmt.Sprintf(format, args...), nil)
}

// WithDetails merges details into err and returns it.
func (e *ToolError) WithDetails(details map[string]any) *ToolError {
	if e == nil || len(details) == 0 {
		return e
	}
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for key, value := range details {
		e.Details[key] = value
	}
	return e
}

// AsToolError returns err as a ToolError. Errors without a code are wrapped
// using fallback, except context deadlines which always map to CodeTimeout.
func AsToolError(err error, fallback string) *ToolError {
	if err == nil {
		return nil
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) && toolErr != nil {
		return toolErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeTimeout, "", err)
	}
	return NewError(fallback, "", err)
}

// ErrorCode returns the code carried by err, or "" when err has none.
func ErrorCode(err error) string {
	var toolErr *ToolError
	if errors.As(err, &toolErr) && toolErr != nil {
		return toolErr.Code
	}
	return ""
}

// IsCode reports whether err carries code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}
