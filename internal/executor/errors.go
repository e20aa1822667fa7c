package executor

import (
	"errors"
	"fmt"
)

// Kind classifies executor failures.
type Kind int

const (
	KindInvalid Kind = iota + 1
	KindUnknownJob
	KindTimeout
	KindOverloaded
	KindProcess
	KindNotFound
	KindConflict
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindUnknownJob:
		return "unknown_job"
	case KindTimeout:
		return "timeout"
	case KindOverloaded:
		return "overloaded"
	case KindProcess:
		return "process"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Protocol codes reported with each kind.
const (
	CodeInvalid    = 400
	CodeNotFound   = 404
	CodeConflict   = 409
	CodeProcess    = 424
	CodeInternal   = 500
	CodeOverloaded = 509
)

// Error is the caller-facing failure returned by executor operations.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindTimeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, msg string, err error) *Error {
	code := CodeInternal
	switch kind {
	case KindInvalid, KindUnknownJob:
		code = CodeInvalid
	case KindTimeout, KindProcess:
		code = CodeProcess
	case KindOverloaded:
		code = CodeOverloaded
	case KindNotFound:
		code = CodeNotFound
	case KindConflict:
		code = CodeConflict
	}
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

// KindOf returns the kind carried by err, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Messages written to records and returned to callers.
const (
	msgAccepted       = "Task accepted"
	msgStarted        = "Task started"
	msgFinished       = "Task finished"
	msgTimeout        = "Timeout Error"
	msgExecuteTimeout = "Execute Timeout"
	msgBusy           = "Server busy, please retry later"
	msgInternalWorker = "Internal error"
	msgInternalAsync  = "Internal Error"
)
