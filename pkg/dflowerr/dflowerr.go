// Package dflowerr carries the error taxonomy of spec.md §7 as comparable
// sentinel values, so callers use errors.Is instead of string matching.
package dflowerr

import "github.com/pkg/errors"

// Code is a coarse status code in the ACL/GE error-code family referenced
// throughout the spec.
type Code string

const (
	// CodeParamInvalid is returned for malformed plans, size-mismatched
	// inputs, or unknown process types. Never retried.
	CodeParamInvalid Code = "PARAM_INVALID"
	// CodeUnsupported is returned for a request the receiver understands
	// but will not service in this configuration.
	CodeUnsupported Code = "UNSUPPORTED"
	// CodeFailed marks a deployment step failure; the orchestrator
	// compensates with UndeployModel on the nodes that reached "loaded".
	CodeFailed Code = "FAILED"
	// CodeQueueEmpty is the transport-timeout status: "no data", not an
	// error condition by itself.
	CodeQueueEmpty Code = "ACL_ERROR_RT_QUEUE_EMPTY"
	// CodeRedeploying surfaces on Feed/Fetch while a redeploy is running.
	CodeRedeploying Code = "ACL_ERROR_GE_REDEPLOYING"
	// CodeSubhealthy surfaces on Feed/Fetch once a model has degraded to
	// a reduced, but still serving, replica set.
	CodeSubhealthy Code = "ACL_ERROR_GE_SUBHEALTHY"
	// CodeExpired marks a cache entry (dynamic-sched or data-flow
	// exception) evicted before it was consumed.
	CodeExpired Code = "kExceptionTypeExpired"
)

// Error is a Status-style error: a taxonomy code plus a human message, with
// an optional wrapped cause for errors.Unwrap/errors.Is chains.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports equality by Code, so errors.Is(err, dflowerr.New(CodeFailed, ""))
// matches any Error with that code regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New builds a plain taxonomy error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a taxonomy code to an existing error.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinel values usable directly with errors.Is.
var (
	ErrParamInvalid = New(CodeParamInvalid, "")
	ErrUnsupported  = New(CodeUnsupported, "")
	ErrFailed       = New(CodeFailed, "")
	ErrQueueEmpty   = New(CodeQueueEmpty, "")
	ErrRedeploying  = New(CodeRedeploying, "")
	ErrSubhealthy   = New(CodeSubhealthy, "")
	ErrExpired      = New(CodeExpired, "")
)

// CodeOf extracts the taxonomy code from err, walking the unwrap chain. It
// returns ("", false) if err carries none.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
