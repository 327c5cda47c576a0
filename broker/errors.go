package broker

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a broker failure by what the caller may do next.
type Kind int

const (
	// KindAmbiguous: the request may or may not have been applied.
	KindAmbiguous Kind = iota + 1
	// KindTransient: the request was not applied and may be retried.
	KindTransient
	// KindTerminal: the broker refused the request.
	KindTerminal
	// KindBracketRejected: the broker refused the on-fill stop or target but
	// would accept the order without them.
	KindBracketRejected
)

func (k Kind) String() string {
	switch k {
	case KindAmbiguous:
		return "ambiguous"
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	case KindBracketRejected:
		return "bracket_rejected"
	}
	return "unknown"
}

// Error is a classified broker failure. Code carries the broker's own
// reason, e.g. INSUFFICIENT_MARGIN.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code == "" {
		return fmt.Sprintf("broker %s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("broker %s: %s: %s", e.Kind, e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func Ambiguous(err error) *Error {
	return &Error{Kind: KindAmbiguous, Code: "TIMEOUT", Err: err}
}

func Transient(code, msg string) *Error {
	return &Error{Kind: KindTransient, Code: code, Message: msg}
}

func Terminal(code, msg string) *Error {
	return &Error{Kind: KindTerminal, Code: code, Message: msg}
}

func BracketRejected(code, msg string) *Error {
	return &Error{Kind: KindBracketRejected, Code: code, Message: msg}
}

// KindOf classifies err. Errors that are not *Error, including deadline
// expiry, are treated as ambiguous.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindAmbiguous
}

// CodeOf returns the broker reason code for err, or a generic one.
func CodeOf(err error) string {
	var be *Error
	if errors.As(err, &be) && be.Code != "" {
		return be.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "TIMEOUT"
	}
	return "BROKER_ERROR"
}

// Retryable reports whether a call that failed with err may be repeated,
// after reconciling when the failure is ambiguous.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindAmbiguous:
		return true
	}
	return false
}
