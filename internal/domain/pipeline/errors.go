package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies why the pipeline rejected an operation before execution.
type Code string

const (
	CodeRateLimitExceeded       Code = "RATE_LIMIT_EXCEEDED"
	CodeInvalidSession          Code = "INVALID_SESSION"
	CodeSuspiciousInput         Code = "SUSPICIOUS_INPUT"
	CodeUnauthorizedStoreAccess Code = "UNAUTHORIZED_STORE_ACCESS"
	CodeAuthBlocked             Code = "AUTH_BLOCKED"
)

// Sentinel errors, one per rejection code, for use with errors.Is.
var (
	ErrRateLimitExceeded       = errors.New("rate limit exceeded")
	ErrInvalidSession          = errors.New("invalid session")
	ErrSuspiciousInput         = errors.New("suspicious input")
	ErrUnauthorizedStoreAccess = errors.New("unauthorized store access")
	ErrAuthBlocked             = errors.New("authentication temporarily blocked")
)

var sentinels = map[Code]error{
	CodeRateLimitExceeded:       ErrRateLimitExceeded,
	CodeInvalidSession:          ErrInvalidSession,
	CodeSuspiciousInput:         ErrSuspiciousInput,
	CodeUnauthorizedStoreAccess: ErrUnauthorizedStoreAccess,
	CodeAuthBlocked:             ErrAuthBlocked,
}

// GuardError is a pre-execution rejection. The operation never reached the backend.
type GuardError struct {
	Code      Code
	Operation string
	Reason    string
	// RetryAfter is set for rate-limit rejections.
	RetryAfter time.Duration
}

// Error implements error.
func (e *GuardError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Operation)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter.Round(time.Second))
	}
	return msg
}

// Unwrap returns the sentinel error for the code.
func (e *GuardError) Unwrap() error {
	return sentinels[e.Code]
}

// CodeOf returns the rejection code carried by err, if any.
func CodeOf(err error) (Code, bool) {
	var ge *GuardError
	if errors.As(err, &ge) {
		return ge.Code, true
	}
	return "", false
}
