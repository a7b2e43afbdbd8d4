package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"

	"github.com/adamwoolhether/xfer/errs"
)

// errStaleConn reports that a reused connection was closed by the peer
// before any response byte arrived.
var errStaleConn = errors.New("reused connection closed by peer")

// errClosed is the cancel cause of a Do interrupted by Close.
var errClosed = errors.New("transport closed")

// sinkError tags failures of the caller's body writer so they are not
// mistaken for socket failures.
type sinkError struct {
	err error
}

func (e *sinkError) Error() string { return "writing body: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

type sinkWriter struct {
	w       io.Writer
	written int64
}

func (s *sinkWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	s.written += int64(n)
	if err != nil {
		return n, &sinkError{err: err}
	}

	return n, nil
}

// classify maps an I/O failure onto the error taxonomy. Errors that already
// carry a kind pass through unchanged.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}

	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}

	if errors.Is(context.Cause(ctx), errClosed) {
		return errs.New(errs.KindTransportIOError, op, errClosed)
	}

	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return errs.New(errs.KindTransportIOError, op, err)
	}

	if isTimeout(err) {
		return errs.New(errs.KindTimeoutExceeded, op, err)
	}

	return errs.New(errs.KindTransportIOError, op, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isCertError(err error) bool {
	var (
		verr   *tls.CertificateVerificationError
		unkErr x509.UnknownAuthorityError
		hstErr x509.HostnameError
		invErr x509.CertificateInvalidError
	)

	return errors.As(err, &verr) ||
		errors.As(err, &unkErr) ||
		errors.As(err, &hstErr) ||
		errors.As(err, &invErr)
}
