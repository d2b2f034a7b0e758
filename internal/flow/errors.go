// Package flow implements the study session execution engine: the block
// graph, branch resolution, follow-up generation, response recording,
// analytics sequencing, the approval gate and the session state machine.
package flow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures so transports can map them to codes.
type ErrorKind string

const (
	KindAuthentication   ErrorKind = "authentication"
	KindNotApproved      ErrorKind = "not_approved"
	KindNotFound         ErrorKind = "not_found"
	KindBlockMismatch    ErrorKind = "block_mismatch"
	KindBadShape         ErrorKind = "bad_shape"
	KindInvalidState     ErrorKind = "invalid_state"
	KindBranchResolution ErrorKind = "branch_resolution"
	KindTransient        ErrorKind = "transient"
)

// Error is the engine's error type. Op names the failing operation, Msg is
// safe to show to the caller, Err is the wrapped cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Sentinels for errors.Is checks.
var (
	ErrAuthentication   = &Error{Kind: KindAuthentication}
	ErrNotApproved      = &Error{Kind: KindNotApproved}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrBlockMismatch    = &Error{Kind: KindBlockMismatch}
	ErrBadShape         = &Error{Kind: KindBadShape}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrBranchResolution = &Error{Kind: KindBranchResolution}
	ErrTransient        = &Error{Kind: KindTransient}
)

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind ErrorKind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func badShape(op, format string, args ...interface{}) *Error {
	return newError(KindBadShape, op, format, args...)
}

func branchError(op, format string, args ...interface{}) *Error {
	return newError(KindBranchResolution, op, format, args...)
}

func transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Msg: "storage unavailable, retry the request", Err: err}
}
