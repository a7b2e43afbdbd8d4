package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/adamwoolhether/xfer/errs"
	"github.com/adamwoolhether/xfer/optset"
)

// request is one hop of a transfer.
type request struct {
	method  string
	url     *url.URL
	headers []optset.Header
	body    []byte
	opts    *optset.Set
}

// Do performs the transfer described by opts, following redirects when
// FOLLOW_REDIRECTS is set. The final body is written to dst, or buffered
// into Result.Body when dst is nil. TIMEOUT bounds the whole call.
//
// Bodies of followed redirects are discarded. A connection that cannot be
// reused is closed before Do returns, on every path.
func (t *Transport) Do(ctx context.Context, opts *optset.Set, dst io.Writer) (*Result, error) {
	u := opts.URL()
	if u == nil {
		return nil, errs.Newf(errs.KindInvalidOptionValue, "execute", "url is not set")
	}

	ctx, cancel := context.WithCancelCause(ctx)
	if err := t.begin(cancel); err != nil {
		cancel(nil)
		return nil, err
	}
	defer t.end()

	if d := opts.Timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var successful bool
	defer func() {
		t.disarm()
		if !successful || !t.reusable {
			t.closeConn()
		}
	}()

	req := &request{
		method:  opts.Method(),
		url:     u,
		headers: opts.Headers(),
		body:    opts.Body(),
		opts:    opts,
	}

	var buf *bytes.Buffer
	if dst == nil {
		buf = new(bytes.Buffer)
		dst = buf
	}

	start := time.Now()
	res := &Result{}

	for {
		if err := t.cfg.Limiter.Wait(ctx, req.url.String()); err != nil {
			return nil, throttleErr(ctx, err)
		}

		h, info, err := t.hop(ctx, req)
		if err != nil {
			return nil, err
		}

		res.HeaderSize += h.size
		res.SizeUpload = int64(len(req.body))
		res.NameLookupTime = info.NameLookup
		res.ConnectTime = info.Connect
		res.PrimaryIP = t.primaryIP

		loc := h.get("Location")
		if !opts.FollowRedirects() || !isRedirect(h.statusCode) || loc == "" {
			n, err := t.readBody(ctx, req.method, h, dst)
			res.SizeDownload = n
			if err != nil {
				return nil, err
			}

			res.StatusCode = h.statusCode
			res.Reason = h.reason
			res.Proto = h.proto
			res.Headers = h.headers
			res.EffectiveURL = req.url.String()
			break
		}

		if _, err := t.readBody(ctx, req.method, h, io.Discard); err != nil {
			return nil, err
		}
		t.disarm()
		if !t.reusable {
			t.closeConn()
		}

		if res.RedirectCount >= t.cfg.MaxRedirects {
			return nil, errs.Newf(errs.KindTooManyRedirects, "redirect", "maximum (%d) redirects followed", t.cfg.MaxRedirects)
		}

		next, err := redirectTarget(req, h.statusCode, loc)
		if err != nil {
			return nil, err
		}
		res.RedirectCount++

		t.cfg.Logger.Debug("following redirect", "status", h.statusCode, "from", req.url.String(), "to", next.url.String(), "hop", res.RedirectCount)
		req = next
	}

	res.TotalTime = time.Since(start)
	if buf != nil {
		res.Body = buf.Bytes()
	}
	successful = true

	return res, nil
}

// hop opens a connection for req, sends it and reads the response head.
// A reused connection the peer already closed is re-dialed once.
func (t *Transport) hop(ctx context.Context, req *request) (*head, OpenInfo, error) {
	for attempt := 0; ; attempt++ {
		info, err := t.Open(ctx, req.url, req.opts)
		if err != nil {
			return nil, info, err
		}
		t.arm(ctx)

		h, err := t.roundTrip(ctx, req, info.Reused)
		if errors.Is(err, errStaleConn) && attempt == 0 {
			t.cfg.Logger.Debug("reused connection closed by peer, redialing", "endpoint", t.key)
			t.closeConn()
			continue
		}
		if errors.Is(err, errStaleConn) {
			err = errs.New(errs.KindTransportIOError, "receive", err)
		}

		return h, info, err
	}
}

func (t *Transport) roundTrip(ctx context.Context, req *request, reused bool) (*head, error) {
	if _, err := t.Send(ctx, req.method, req.url, req.headers, req.body); err != nil {
		if reused && ctx.Err() == nil && errs.KindOf(err) == errs.KindTransportIOError {
			return nil, errStaleConn
		}
		return nil, err
	}

	return t.readHead(ctx, reused)
}

// arm bounds I/O on the current connection by ctx: its deadline becomes
// the connection deadline and cancellation unblocks pending reads.
func (t *Transport) arm(ctx context.Context) {
	t.disarm()

	deadline, _ := ctx.Deadline()
	if err := t.conn.SetDeadline(deadline); err != nil {
		t.cfg.Logger.Debug("setting connection deadline", "error", err)
	}

	conn := t.conn
	t.stopWatch = context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
}

func (t *Transport) disarm() {
	if t.stopWatch == nil {
		return
	}

	if !t.stopWatch() {
		// The cancel hook already poisoned the deadline.
		t.reusable = false
	}
	t.stopWatch = nil

	if t.conn != nil {
		_ = t.conn.SetDeadline(time.Time{})
	}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}

	return false
}

// redirectTarget builds the next hop. 303, and 301/302 answering a POST,
// switch to GET without a body; 307 and 308 replay the request unchanged.
func redirectTarget(prev *request, code int, location string) (*request, error) {
	u, err := prev.url.Parse(location)
	if err != nil {
		return nil, errs.New(errs.KindProtocolViolation, "redirect", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errs.Newf(errs.KindProtocolViolation, "redirect", "unsupported redirect scheme %q", u.Scheme)
	}
	if u.Fragment == "" {
		u.Fragment = prev.url.Fragment
	}

	next := &request{
		method:  prev.method,
		url:     u,
		headers: prev.headers,
		body:    prev.body,
		opts:    prev.opts,
	}

	switchToGet := code == http.StatusSeeOther && prev.method != http.MethodHead ||
		(code == http.StatusMovedPermanently || code == http.StatusFound) && prev.method == http.MethodPost
	if switchToGet {
		next.method = http.MethodGet
		next.body = nil
		next.headers = slices.DeleteFunc(slices.Clone(prev.headers), func(h optset.Header) bool {
			return strings.EqualFold(h.Name, "Content-Length") || strings.EqualFold(h.Name, "Content-Type")
		})
	}

	return next, nil
}

func throttleErr(ctx context.Context, err error) error {
	if _, ok := ctx.Deadline(); ok && !errors.Is(ctx.Err(), context.Canceled) {
		return errs.New(errs.KindTimeoutExceeded, "throttle", err)
	}

	return errs.New(errs.KindTransportIOError, "throttle", err)
}
