package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Valuation error taxonomy. Per-item failures carry one of these so the
// report can surface a classification rather than a raw error string.
var (
	ErrParse          = errors.New("input parse error")
	ErrAuthentication = errors.New("authentication failed")
	ErrRateLimit      = errors.New("rate limited by upstream")
	ErrTimeout        = errors.New("upstream call timed out")
	ErrUpstream       = errors.New("upstream returned an error or malformed response")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("resource not found")
)

// NewAppError builds an AppError wrapping a sentinel cause.
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// ParseErrorf wraps ErrParse with a row-level detail message.
func ParseErrorf(format string, args ...any) error {
	return NewAppError("PARSE_ERROR", fmt.Sprintf(format, args...), ErrParse)
}

// UpstreamErrorf wraps ErrUpstream with detail.
func UpstreamErrorf(format string, args ...any) error {
	return NewAppError("UPSTREAM_ERROR", fmt.Sprintf(format, args...), ErrUpstream)
}

// ClassifyCode maps a per-item error onto its report classification string.
func ClassifyCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return "AuthenticationError"
	case errors.Is(err, ErrRateLimit):
		return "RateLimitError"
	case errors.Is(err, ErrTimeout):
		return "TimeoutError"
	case errors.Is(err, ErrParse):
		return "ParseError"
	case errors.Is(err, ErrUpstream):
		return "UpstreamError"
	default:
		return "UpstreamError"
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
