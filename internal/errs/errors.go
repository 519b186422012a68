// Package errs defines the error taxonomy shared by the trading core.
// Callers branch on Kind and Retryable rather than on error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	KindValidation Kind = "validation" // malformed input, no state mutated
	KindUpstream   Kind = "upstream"   // store or market-data unreachable/timeout
	KindExchange   Kind = "exchange"   // slice rejected or partially filled
	KindLogic      Kind = "logic"      // invariant violation, entity quarantined
	KindConfig     Kind = "config"     // rejected at load time
)

// Error is the structured error carried across component boundaries.
type Error struct {
	Kind      Kind
	Op        string // operation that failed, e.g. "position.Reduce"
	Retryable bool
	Details   map[string]interface{}
	Err       error // wrapped cause, may be nil
	msg       string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can use errors.Is with sentinel kinds.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// New creates a structured error.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, msg: msg}
}

// Wrap creates a structured error around a cause.
func Wrap(kind Kind, op string, err error, msg string) *Error {
	return &Error{Kind: kind, Op: op, msg: msg, Err: err}
}

// WithDetail attaches a key/value to the error's detail map.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsRetryable marks the error retryable with bounded backoff.
func (e *Error) AsRetryable() *Error {
	e.Retryable = true
	return e
}

// Validation builds a validation error. No state may have been mutated
// when one of these is returned.
func Validation(op, msg string) *Error { return New(KindValidation, op, msg) }

// Upstream builds a retryable upstream error (store, market-data).
func Upstream(op string, err error) *Error {
	return Wrap(KindUpstream, op, err, "upstream unavailable").AsRetryable()
}

// Exchange builds an exchange error (rejected/partial slice).
func Exchange(op string, err error, msg string) *Error {
	return Wrap(KindExchange, op, err, msg)
}

// Logic builds a fatal invariant-violation error. The affected entity is
// quarantined by its owner and a critical alert raised.
func Logic(op, msg string) *Error { return New(KindLogic, op, msg) }

// Config builds a load-time configuration error. Partial configs are
// refused; there is no silent defaulting.
func Config(op, msg string) *Error { return New(KindConfig, op, msg) }

// KindOf extracts the Kind of err, or "" when err is not structured.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a structured retryable error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
