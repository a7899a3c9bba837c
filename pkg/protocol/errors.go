package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies protocol-level failures.
type ErrorKind string

const (
	DecodeFailure         ErrorKind = "decode_failure"
	UnexpectedMessageKind ErrorKind = "unexpected_message_kind"
	VersionMismatch       ErrorKind = "version_mismatch"
)

// Error is returned for malformed, out-of-order or incompatible messages.
// ID carries the envelope id when it could still be recovered from a
// record that otherwise failed validation.
type Error struct {
	Kind ErrorKind
	ID   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether the stream is still framed correctly after
// this error, i.e. the offending record had a readable id.
func (e *Error) Recoverable() bool {
	return e.Kind == DecodeFailure && e.ID != ""
}

func decodeErr(id string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: DecodeFailure, ID: id, Msg: fmt.Sprintf(format, args...), Err: err}
}

// NewUnexpectedKind reports that kind got arrived where one of want was expected.
func NewUnexpectedKind(got Kind, want ...Kind) *Error {
	return &Error{Kind: UnexpectedMessageKind, Msg: fmt.Sprintf("got %q, want %v", got, want)}
}

// NewVersionMismatch reports an agent running a version other than expected.
func NewVersionMismatch(found, expected string) *Error {
	return &Error{Kind: VersionMismatch, Msg: fmt.Sprintf("agent %q, expected %q", found, expected)}
}

// IsKind reports whether err is a protocol Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Kind == kind
}

// FailureCode classifies a per-capability failure.
type FailureCode string

const (
	FailureProbe       FailureCode = "probe_failed"
	FailureUnsupported FailureCode = "unsupported"
	FailureUnavailable FailureCode = "unavailable"
	FailureTimeout     FailureCode = "timeout"
	FailureSession     FailureCode = "session_failed"
)

// Failure is a typed, human-readable reason one discovery operation did not
// produce a result. It never ends a session.
type Failure struct {
	Code   FailureCode `json:"code"`
	Reason string      `json:"reason"`
}

func (f *Failure) Error() string {
	return string(f.Code) + ": " + f.Reason
}

// ErrorCode is the code carried by an Error envelope.
type ErrorCode string

const (
	CodeDecodeFailure         ErrorCode = "decode_failure"
	CodeUnexpectedMessageKind ErrorCode = "unexpected_message_kind"
	CodeUnsupported           ErrorCode = "unsupported_capability"
	CodeInternal              ErrorCode = "internal"
)
