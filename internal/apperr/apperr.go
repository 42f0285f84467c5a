// Package apperr defines the typed error taxonomy shared across the
// retrieval pipeline. Every failure that crosses a package boundary carries
// one of these codes so callers can branch on fatality without string
// matching.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a short machine-readable failure class.
type Code string

const (
	CodeUnauthorized         Code = "unauthorized"
	CodeInvalidConfiguration Code = "invalid-configuration"
	CodeEmbeddingTimeout     Code = "embedding-timeout"
	CodeEmbeddingUnavailable Code = "embedding-unavailable"
	CodeInvalidDimension     Code = "invalid-dimension"
	CodeChannelTimeout       Code = "channel-timeout"
	CodeRerankerFailure      Code = "reranker-failure"
	CodeBudgetExceeded       Code = "budget-exceeded"
	CodeGuardrailBlock       Code = "guardrail-block"
	CodeOverallTimeout       Code = "overall-timeout"
)

// Error is a typed pipeline error. Message is safe to surface to callers;
// Err retains the underlying cause for logs only.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a typed error without an underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the Code from err, or empty when err is not typed.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is lets errors.Is match on code equality so sentinel comparisons work
// across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// IsFatal reports whether the code must abort the whole request. Non-fatal
// codes degrade a single stage and the pipeline continues.
func IsFatal(code Code) bool {
	switch code {
	case CodeUnauthorized, CodeEmbeddingTimeout, CodeEmbeddingUnavailable,
		CodeOverallTimeout, CodeInvalidConfiguration:
		return true
	default:
		return false
	}
}
