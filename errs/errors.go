// Package errs defines the error taxonomy shared by every layer of a transfer.
//
// Each failure carries exactly one [Kind]. Callers match kinds with the
// package sentinels:
//
//	if errors.Is(err, errs.ErrTimeoutExceeded) { ... }
//
// or extract the full detail with [errors.As] into an [*Error].
package errs

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotInitialized
	KindAlreadyInitialized
	KindInvalidOptionKey
	KindInvalidOptionValue
	KindHostResolutionFailed
	KindTLSVerificationFailed
	KindTimeoutExceeded
	KindProtocolViolation
	KindTooManyRedirects
	KindNoTransferYet
	KindTransportIOError
)

var kindText = map[Kind]string{
	KindNotInitialized:        "not initialized",
	KindAlreadyInitialized:    "already initialized",
	KindInvalidOptionKey:      "invalid option key",
	KindInvalidOptionValue:    "invalid option value",
	KindHostResolutionFailed:  "could not resolve host",
	KindTLSVerificationFailed: "tls certificate verification failed",
	KindTimeoutExceeded:       "timeout exceeded",
	KindProtocolViolation:     "protocol violation",
	KindTooManyRedirects:      "too many redirects",
	KindNoTransferYet:         "no transfer performed yet",
	KindTransportIOError:      "transport i/o error",
}

// ErrorToString returns a human-readable description of k.
func ErrorToString(k Kind) string {
	if s, ok := kindText[k]; ok {
		return s
	}

	return fmt.Sprintf("unknown error (%d)", int(k))
}

func (k Kind) String() string {
	return ErrorToString(k)
}

// Sentinels matched by [Error.Is]. They are never returned directly.
var (
	ErrNotInitialized        = sentinel(KindNotInitialized)
	ErrAlreadyInitialized    = sentinel(KindAlreadyInitialized)
	ErrInvalidOptionKey      = sentinel(KindInvalidOptionKey)
	ErrInvalidOptionValue    = sentinel(KindInvalidOptionValue)
	ErrHostResolutionFailed  = sentinel(KindHostResolutionFailed)
	ErrTLSVerificationFailed = sentinel(KindTLSVerificationFailed)
	ErrTimeoutExceeded       = sentinel(KindTimeoutExceeded)
	ErrProtocolViolation     = sentinel(KindProtocolViolation)
	ErrTooManyRedirects      = sentinel(KindTooManyRedirects)
	ErrNoTransferYet         = sentinel(KindNoTransferYet)
	ErrTransportIO           = sentinel(KindTransportIOError)
)

var sentinels = map[Kind]error{}

func sentinel(k Kind) error {
	err := errors.New(ErrorToString(k))
	sentinels[k] = err
	return err
}

// Error is the single error type returned by public operations.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	// Errno is the OS error code behind a TransportIOError, zero otherwise.
	Errno syscall.Errno
	Err   error
}

// New constructs an *Error of kind k for operation op.
func New(k Kind, op string, err error) *Error {
	e := &Error{
		Kind: k,
		Op:   op,
		Err:  err,
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.Errno = errno
	}

	return e
}

// Newf constructs an *Error of kind k with a formatted detail and no cause.
func Newf(k Kind, op string, format string, args ...any) *Error {
	return &Error{
		Kind:   k,
		Op:     op,
		Detail: fmt.Sprintf(format, args...),
	}
}

func (e *Error) Error() string {
	msg := ErrorToString(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Errno != 0 {
		msg += fmt.Sprintf(" (errno %d)", int(e.Errno))
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of the first *Error in err's chain,
// or KindUnknown when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnknown
}
