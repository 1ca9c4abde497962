// Package qmierr defines the typed error kinds shared by every layer of the
// core: the wire codec, the transport endpoints, the transaction manager,
// the device façade, and the net-port manager. It exists as its own leaf
// package (rather than living in package device) so that qmiwire and
// transport can raise these errors directly without importing device.
//
// The device package re-exports Kind and Error under its own names so
// callers never need to import qmierr themselves.
package qmierr

import "fmt"

// Kind classifies an Error into one of a fixed set of categories a caller
// can branch on with errors.Is, without string-matching messages.
type Kind string

const (
	Failed            Kind = "failed"
	WrongState        Kind = "wrong-state"
	Timeout           Kind = "timeout"
	InvalidArgs       Kind = "invalid-args"
	InvalidMessage    Kind = "invalid-message"
	TLVNotFound       Kind = "tlv-not-found"
	TLVTooLong        Kind = "tlv-too-long"
	Aborted           Kind = "aborted"
	Unsupported       Kind = "unsupported"
	UnexpectedMessage Kind = "unexpected-message"
)

// Error is the typed error value used throughout the module. Message is a
// human-readable description; Cause, when set, is the underlying error that
// triggered this one and is reachable through Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, qmierr.New(qmierr.Timeout, "")) — but the idiomatic
// form is Is(err, kind) below; this method backs errors.Is for a sentinel
// built with no cause, matching solely on Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that carries cause as its Unwrap target.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrapf builds an Error with a formatted message and a cause.
func Wrapf(cause error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is, or wraps, an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	if e == nil {
		return false
	}
	return e.Kind == kind
}
