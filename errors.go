package bkernel

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy a structured Error carries: a category, not a
// concrete type, so callers can branch on Kind without knowing which
// component raised it.
type Kind string

const (
	// KindResourceExhausted covers heap-out-of-memory, a full writer-side
	// ring buffer (sink reports NotReady, data preserved at the caller),
	// and a full reader-side ring buffer (the ISR drops the incoming byte).
	KindResourceExhausted Kind = "resource-exhausted"
	// KindProtocol covers I2C acknowledge failure, arbitration lost, bus
	// error, and overrun, surfaced through a promise resolution.
	KindProtocol Kind = "protocol"
	// KindAdapter covers take-until BufferOverflow, Finished, and
	// StreamError, returned via an adapter's Failed result.
	KindAdapter Kind = "adapter"
	// KindProgrammer covers debug-only assertion failures: double-resolve
	// of a promise, registering an already-occupied task slot, a task id
	// out of range, releasing a mutex not held.
	KindProgrammer Kind = "programmer-error"
)

// Error is the structured error this module returns from fallible
// operations. It is never thrown or unwound past the reactor: adapters and
// promise resolutions carry it as an ordinary return value.
type Error struct {
	Op    string // operation that failed (e.g. "smalloc.Alloc", "i2c.Read")
	Kind  Kind
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("bkernel: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("bkernel: %s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

// NewError constructs a structured Error.
func NewError(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// WrapError wraps inner as an Adapter-kind error tagged with op, unless
// inner is already a structured Error, in which case only Op is updated.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if e, ok := inner.(*Error); ok {
		return &Error{Op: op, Kind: e.Kind, Msg: e.Msg, Inner: e.Inner}
	}
	return &Error{Op: op, Kind: KindAdapter, Msg: inner.Error(), Inner: inner}
}

// IsKind reports whether err is a structured Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
