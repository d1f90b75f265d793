// Package apperrors is the error taxonomy shared by the gateway and every service.
//
// Leaf packages return sentinel errors; handlers translate them into an *Error
// with a Code, which the HTTP layer renders with the matching status.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for transport and retry decisions.
type Code string

const (
	CodeAuthentication      Code = "authentication_error"
	CodeAuthorization       Code = "authorization_error"
	CodeTransientUpstream   Code = "transient_upstream_error"
	CodeTimeout             Code = "timeout"
	CodeConflict            Code = "conflict"
	CodeDuplicateEvent      Code = "duplicate_event"
	CodeNotFound            Code = "not_found"
	CodeValidation          Code = "validation_failed"
	CodeRateLimited         Code = "rate_limited"
	CodePrerequisiteMissing Code = "prerequisite_missing"
	CodeInternal            Code = "internal_error"
)

// Error is a classified application error.
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

// Is matches any *Error with the same code, so errors.Is(err, Conflict("")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// New creates an error with the given code.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap classifies err under code.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func Authentication(msg string) *Error      { return New(CodeAuthentication, msg) }
func Authorization(msg string) *Error       { return New(CodeAuthorization, msg) }
func TransientUpstream(msg string) *Error   { return New(CodeTransientUpstream, msg) }
func Timeout(msg string) *Error             { return New(CodeTimeout, msg) }
func Conflict(msg string) *Error            { return New(CodeConflict, msg) }
func NotFound(msg string) *Error            { return New(CodeNotFound, msg) }
func Validation(msg string) *Error          { return New(CodeValidation, msg) }
func RateLimited(msg string) *Error         { return New(CodeRateLimited, msg) }
func PrerequisiteMissing(msg string) *Error { return New(CodePrerequisiteMissing, msg) }
func Internal(err error) *Error             { return Wrap(CodeInternal, err, "internal error") }

// DuplicateEvent reports an event already applied by a consumer.
func DuplicateEvent(source, aggregateID string, seq uint64) *Error {
	return New(CodeDuplicateEvent, fmt.Sprintf("%s/%s sequence %d already applied", source, aggregateID, seq))
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsClassified reports whether err already carries a Code.
func IsClassified(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// HTTPStatus maps a code to its response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeAuthorization:
		return http.StatusForbidden
	case CodeTransientUpstream:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeConflict, CodeDuplicateEvent:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Title is the short human-readable label for a code.
func Title(code Code) string {
	switch code {
	case CodeAuthentication:
		return "Unauthorized"
	case CodeAuthorization:
		return "Forbidden"
	case CodeTransientUpstream:
		return "Service Unavailable"
	case CodeTimeout:
		return "Gateway Timeout"
	case CodeConflict, CodeDuplicateEvent:
		return "Conflict"
	case CodeNotFound:
		return "Resource Not Found"
	case CodeValidation:
		return "Validation Failed"
	case CodeRateLimited:
		return "Too Many Requests"
	default:
		return "Internal Server Error"
	}
}

// Retryable reports whether the caller may retry the operation that produced err.
// Conflicts, auth failures and validation errors are final.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeTransientUpstream, CodeTimeout, CodePrerequisiteMissing, CodeRateLimited:
		return true
	case CodeInternal:
		// unclassified errors from stores and brokers are treated as transient
		return true
	default:
		return false
	}
}
