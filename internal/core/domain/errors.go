package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error kinds. Every error surfaced by the guarded access layer matches
// exactly one of these with errors.Is.
var (
	ErrConnection  = errors.New("connection error")
	ErrValidation  = errors.New("validation error")
	ErrQuery       = errors.New("query error")
	ErrTimeout     = errors.New("timeout error")
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrSecurity    = errors.New("security error")
)

// Error is a classified failure carrying the operation context it occurred in.
type Error struct {
	Kind       error
	Op         string
	Database   string
	Collection string
	// RetryAfter is set for rate-limit errors only.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.Database != "" {
		b.WriteString(" [")
		b.WriteString(e.Database)
		if e.Collection != "" {
			b.WriteString(".")
			b.WriteString(e.Collection)
		}
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Code returns the stable machine-readable code for the error kind.
func (e *Error) Code() string {
	return KindCode(e.Kind)
}

// KindCode maps an error kind sentinel to its code string.
func KindCode(kind error) string {
	switch kind {
	case ErrConnection:
		return "CONNECTION_ERROR"
	case ErrValidation:
		return "VALIDATION_ERROR"
	case ErrTimeout:
		return "TIMEOUT_ERROR"
	case ErrRateLimited:
		return "RATE_LIMIT_ERROR"
	case ErrSecurity:
		return "SECURITY_ERROR"
	default:
		return "QUERY_ERROR"
	}
}

// Validationf builds a validation error with a formatted reason.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Err: fmt.Errorf(format, args...)}
}

// Securityf builds a security error with a formatted reason.
func Securityf(format string, args ...any) *Error {
	return &Error{Kind: ErrSecurity, Err: fmt.Errorf(format, args...)}
}

// NewRateLimitError builds a rate-limit error for the named operation.
func NewRateLimitError(op string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       ErrRateLimited,
		Op:         op,
		RetryAfter: retryAfter,
		Err:        fmt.Errorf("retry after %s", retryAfter),
	}
}

// Wrap tags err with kind, keeping it as the cause.
func Wrap(kind error, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Classify maps any error into the taxonomy. Typed errors keep their kind and
// have missing context filled in; untyped errors are matched by message.
func Classify(err error, op, database, collection string) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		out := *typed
		if out.Op == "" {
			out.Op = op
		}
		if out.Database == "" {
			out.Database = database
		}
		if out.Collection == "" {
			out.Collection = collection
		}
		return &out
	}

	out := &Error{Op: op, Database: database, Collection: collection, Err: err}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = ErrTimeout
	default:
		out.Kind = kindFromMessage(err.Error())
	}
	return out
}

func kindFromMessage(msg string) error {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network"):
		return ErrConnection
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return ErrTimeout
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid"):
		return ErrValidation
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication"):
		return ErrSecurity
	default:
		return ErrQuery
	}
}

var retryablePatterns = []string{
	"connection",
	"timeout",
	"network",
	"server selection",
	"socket",
	"econnreset",
	"etimedout",
	"enotfound",
	"mongonetworkerror",
	"mongoserverselectionerror",
}

// IsRetryable reports whether err is worth another attempt. Validation,
// security and rate-limit errors never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrSecurity), errors.Is(err, ErrRateLimited):
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrConnection), errors.Is(err, ErrTimeout):
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
