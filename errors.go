package broker

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/xerrors"

	"cdr.dev/broker/internal/proto"
)

// ErrorKind classifies every error the broker returns to callers.
type ErrorKind string

const (
	// KindHelperUnavailable means the helper endpoint does not exist or
	// refused the connection. Callers may retry.
	KindHelperUnavailable ErrorKind = "helper_unavailable"
	// KindProtocolMismatch means the helper speaks another protocol version.
	KindProtocolMismatch ErrorKind = "protocol_mismatch"
	// KindMalformedPayload means a response payload was not valid JSON.
	KindMalformedPayload ErrorKind = "malformed_payload"
	// KindPrematureClose means the helper closed the connection mid frame.
	KindPrematureClose ErrorKind = "premature_close"
	// KindConnectionError is any other transport failure.
	KindConnectionError ErrorKind = "connection_error"
	// KindHelperFailure means the helper answered with a nonzero result code.
	KindHelperFailure ErrorKind = "helper_failure"
	// KindInvalidInput means the caller supplied an unusable request.
	KindInvalidInput ErrorKind = "invalid_input"
	// KindNotFound means the helper does not know the session.
	KindNotFound ErrorKind = "not_found"
)

// Error is the structured error returned by the Link and the Gateway.
type Error struct {
	Kind ErrorKind
	Msg  string
	// Code is the helper's result code for KindHelperFailure.
	Code uint32
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches any *Error of the same kind, so sentinels like
// ErrHelperUnavailable work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

var (
	// ErrHelperUnavailable matches every error of KindHelperUnavailable.
	ErrHelperUnavailable = &Error{Kind: KindHelperUnavailable}
	// ErrSessionNotFound matches every error of KindNotFound.
	ErrSessionNotFound = &Error{Kind: KindNotFound}
)

// KindOf returns the kind of err, or an empty kind when err did not come
// from the broker.
func KindOf(err error) ErrorKind {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, err: err}
}

// classify maps transport and codec errors onto the broker taxonomy.
func classify(op string, err error) *Error {
	var e *Error
	switch {
	case xerrors.As(err, &e):
		return e
	case errors.Is(err, proto.ErrProtocolMismatch):
		return newError(KindProtocolMismatch, op, err)
	case errors.Is(err, proto.ErrMalformedPayload):
		return newError(KindMalformedPayload, op, err)
	case errors.Is(err, proto.ErrPrematureClose):
		return newError(KindPrematureClose, op, err)
	case isUnavailable(err):
		return newError(KindHelperUnavailable, op, err)
	}
	return newError(KindConnectionError, op, err)
}

func isUnavailable(err error) bool {
	var opErr *net.OpError
	if !xerrors.As(err, &opErr) || opErr.Op != "dial" {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT)
}
