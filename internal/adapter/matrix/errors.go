package matrix

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"promptbot/internal/domain"
)

// Standard Matrix error codes the client maps onto domain sentinels.
const (
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeMissingToken  = "M_MISSING_TOKEN"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
)

// Error is a structured error response from the homeserver.
// Unwrap yields the matching domain sentinel, so callers can use errors.Is
// with domain.ErrNotFound, domain.ErrRateLimit or domain.ErrAuthInvalid.
type Error struct {
	Code         string `json:"errcode"`
	Message      string `json:"error"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	StatusCode   int    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	switch {
	case e.Code == ErrCodeNotFound || (e.Code == "" && e.StatusCode == http.StatusNotFound):
		return domain.ErrNotFound
	case e.Code == ErrCodeLimitExceeded || e.StatusCode == http.StatusTooManyRequests:
		return domain.ErrRateLimit
	case e.Code == ErrCodeUnknownToken || e.Code == ErrCodeMissingToken || e.StatusCode == http.StatusUnauthorized:
		return domain.ErrAuthInvalid
	default:
		return domain.ErrTransport
	}
}

// RetryAfter is the server's requested backoff, zero when none was given.
func (e *Error) RetryAfter() time.Duration {
	return time.Duration(e.RetryAfterMS) * time.Millisecond
}

// serverFault reports whether the homeserver itself is failing.
// Client errors such as M_NOT_FOUND never trip the breaker.
func (e *Error) serverFault() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

// IsMatrixError checks whether err is an *Error with the given error code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *Error
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}
