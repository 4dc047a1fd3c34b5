package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies engine failures so callers can map them onto their own
// transport (HTTP status codes, CLI exit codes) without string matching.
type ErrorKind string

const (
	ErrNotFound         ErrorKind = "not_found"
	ErrConflict         ErrorKind = "conflict"
	ErrValidationFailed ErrorKind = "validation_failed"
	ErrForbidden        ErrorKind = "forbidden"
	ErrBadRequest       ErrorKind = "bad_request"
	ErrInternal         ErrorKind = "internal"
)

// Issue describes a single problem found while validating a value. A failed
// validation carries every issue found, not only the first one.
type Issue struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Path     string `json:"path,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// Error is the error type returned by every engine operation.
type Error struct {
	Kind    ErrorKind
	Message string
	// Op names the operation that failed, e.g. "list" or "delete". Forbidden
	// errors always carry it.
	Op     string
	Issues []Issue
	Cause  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	base := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Op != "" {
		base = fmt.Sprintf("%s (op=%s)", base, e.Op)
	}
	if len(e.Issues) > 0 {
		parts := make([]string, 0, len(e.Issues))
		for _, issue := range e.Issues {
			if issue.Path != "" {
				parts = append(parts, issue.Path+": "+issue.Message)
			} else {
				parts = append(parts, issue.Message)
			}
		}
		base = fmt.Sprintf("%s [%s]", base, strings.Join(parts, "; "))
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", base, e.Cause)
	}
	return base
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NotFound reports a missing collection or record.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a duplicate collection name or a unique constraint violation.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

// ValidationFailed aggregates per-field issues into one error.
func ValidationFailed(issues []Issue) *Error {
	return &Error{Kind: ErrValidationFailed, Message: "validation failed", Issues: issues}
}

// Forbidden reports a denied access rule. The message never says why the rule
// failed.
func Forbidden(op string) *Error {
	return &Error{Kind: ErrForbidden, Message: "access denied", Op: op}
}

// BadRequest reports malformed input or an operation the target does not allow.
func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: ErrBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected storage or encoding failure.
func Internal(msg string, cause error) *Error {
	return &Error{Kind: ErrInternal, Message: msg, Cause: cause}
}

// WithCause attaches an underlying error and returns the receiver.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithOp attaches the operation name and returns the receiver.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// IsKind reports whether any error in err's chain is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or ErrInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}
