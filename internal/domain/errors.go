package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the reaction protocol.
var (
	// ErrNotAnnotated means the event carries no annotation. Callers treat it as "not applicable".
	ErrNotAnnotated = fmt.Errorf("event is not annotated")
	// ErrMalformedAnnotation means the annotation key is present but its value has the wrong shape.
	ErrMalformedAnnotation = fmt.Errorf("malformed annotation")
	ErrUnknownReaction     = fmt.Errorf("reaction key not in reaction map")
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrTransport    = fmt.Errorf("transport failure")
	ErrCircuitOpen  = fmt.Errorf("circuit open")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid  = fmt.Errorf("authentication failed")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrEncryption   = fmt.Errorf("encryption operation failed")
	ErrDecryption   = fmt.Errorf("decryption failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Lifecycle.OpenPrompt")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrCircuitOpen)
}

// ErrorCode is a machine-parseable error category for logs and alerting.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeNotAnnotated        ErrorCode = "NOT_ANNOTATED"
	CodeMalformedAnnotation ErrorCode = "MALFORMED_ANNOTATION"
	CodeUnknownReaction     ErrorCode = "UNKNOWN_REACTION"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeTransport           ErrorCode = "TRANSPORT"
	CodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	CodeRateLimit           ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid         ErrorCode = "AUTH_INVALID"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeEncryption          ErrorCode = "ENCRYPTION"
	CodeDecryption          ErrorCode = "DECRYPTION"
)

// errorCodeOrder lists sentinels from most to least specific so that an error
// wrapping several sentinels resolves deterministically.
var errorCodeOrder = []struct {
	err  error
	code ErrorCode
}{
	{ErrNotAnnotated, CodeNotAnnotated},
	{ErrMalformedAnnotation, CodeMalformedAnnotation},
	{ErrUnknownReaction, CodeUnknownReaction},
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrRateLimit, CodeRateLimit},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrNotFound, CodeNotFound},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrEncryption, CodeEncryption},
	{ErrDecryption, CodeDecryption},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrTransport, CodeTransport},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, entry := range errorCodeOrder {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
