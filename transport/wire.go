package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/adamwoolhether/xfer/errs"
	"github.com/adamwoolhether/xfer/optset"
	"github.com/adamwoolhether/xfer/sink"
)

const (
	maxLineLength  = 64 << 10
	maxHeaderBytes = 1 << 20
)

// head is a parsed status line plus header block.
type head struct {
	proto      string
	statusCode int
	reason     string
	headers    []optset.Header
	size       int64
}

func (h *head) get(name string) string {
	for _, hdr := range h.headers {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}

	return ""
}

// Send writes the request line, headers and body on the open connection.
// It returns the number of body bytes written.
func (t *Transport) Send(ctx context.Context, method string, u *url.URL, headers []optset.Header, body []byte) (int64, error) {
	if t.conn == nil {
		return 0, errs.Newf(errs.KindTransportIOError, "send", "no open connection")
	}

	var buf bytes.Buffer
	writeHead(&buf, method, u, headers, body, t.cfg.UserAgent)

	bw := bufio.NewWriter(t.conn)
	if _, err := bw.Write(buf.Bytes()); err != nil {
		return 0, classify(ctx, "send", err)
	}
	if _, err := bw.Write(body); err != nil {
		return 0, classify(ctx, "send", err)
	}
	if err := bw.Flush(); err != nil {
		return 0, classify(ctx, "send", err)
	}

	return int64(len(body)), nil
}

// writeHead renders the request line and header block. Caller headers win
// over generated ones; a caller header with an empty value suppresses the
// generated header of that name and is not sent.
func writeHead(w *bytes.Buffer, method string, u *url.URL, headers []optset.Header, body []byte, userAgent string) {
	target := u.RequestURI()
	if target == "" {
		target = "/"
	}
	fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", method, target)

	callerSet := make(map[string]bool, len(headers))
	for _, h := range headers {
		callerSet[http.CanonicalHeaderKey(h.Name)] = true
	}

	generated := []optset.Header{{Name: "Host", Value: u.Host}}
	if userAgent != "" {
		generated = append(generated, optset.Header{Name: "User-Agent", Value: userAgent})
	}
	generated = append(generated, optset.Header{Name: "Accept", Value: "*/*"})
	if !callerSet["Transfer-Encoding"] && (len(body) > 0 || bodyExpected(method)) {
		generated = append(generated, optset.Header{Name: "Content-Length", Value: strconv.Itoa(len(body))})
	}

	for _, h := range generated {
		if !callerSet[h.Name] {
			fmt.Fprintf(w, "%s: %s\r\n", h.Name, h.Value)
		}
	}
	for _, h := range headers {
		if h.Value != "" {
			fmt.Fprintf(w, "%s: %s\r\n", h.Name, h.Value)
		}
	}
	w.WriteString("\r\n")
}

func bodyExpected(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}

	return false
}

// readHead reads the next final response head, skipping 1xx interim
// responses other than 101.
func (t *Transport) readHead(ctx context.Context, reused bool) (*head, error) {
	var total int64
	for {
		h, err := t.readOneHead(ctx, reused && total == 0)
		if err != nil {
			return nil, err
		}
		total += h.size

		if h.statusCode >= 100 && h.statusCode < 200 && h.statusCode != http.StatusSwitchingProtocols {
			t.cfg.Logger.Debug("skipping interim response", "status", h.statusCode)
			continue
		}

		h.size = total
		return h, nil
	}
}

func (t *Transport) readOneHead(ctx context.Context, reused bool) (*head, error) {
	line, n, err := t.readLine()
	if err != nil {
		if n == 0 && reused && ctx.Err() == nil && !isTimeout(err) {
			return nil, errStaleConn
		}
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, errs.Newf(errs.KindTransportIOError, "receive", "empty reply from server")
		}
		return nil, t.lineErr(ctx, "read status line", err)
	}

	h := &head{size: int64(n)}
	if err := parseStatusLine(line, h); err != nil {
		return nil, err
	}

	for {
		line, n, err := t.readLine()
		if err != nil {
			return nil, t.lineErr(ctx, "read headers", err)
		}
		h.size += int64(n)
		if h.size > maxHeaderBytes {
			return nil, errs.Newf(errs.KindProtocolViolation, "read headers", "header block exceeds %d bytes", maxHeaderBytes)
		}

		if line == "" {
			return h, nil
		}

		if line[0] == ' ' || line[0] == '\t' {
			if len(h.headers) == 0 {
				return nil, errs.Newf(errs.KindProtocolViolation, "read headers", "continuation line before first header")
			}
			last := &h.headers[len(h.headers)-1]
			last.Value = strings.TrimSpace(last.Value + " " + strings.TrimSpace(line))
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, errs.Newf(errs.KindProtocolViolation, "read headers", "malformed header line %q", line)
		}
		h.headers = append(h.headers, optset.Header{Name: name, Value: strings.TrimSpace(value)})
	}
}

func parseStatusLine(line string, h *head) error {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") || len(proto) != len("HTTP/1.1") {
		return errs.Newf(errs.KindProtocolViolation, "read status line", "malformed status line %q", line)
	}

	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || len(codeStr) != 3 || code < 100 {
		return errs.Newf(errs.KindProtocolViolation, "read status line", "malformed status code in %q", line)
	}

	h.proto = proto
	h.statusCode = code
	h.reason = reason

	return nil
}

// readLine returns one line without its terminator and the number of raw
// bytes consumed.
func (t *Transport) readLine() (string, int, error) {
	var line []byte
	for {
		frag, err := t.br.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > maxLineLength {
			return "", len(line), errs.Newf(errs.KindProtocolViolation, "read line", "line exceeds %d bytes", maxLineLength)
		}
		if err == nil {
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return "", len(line), err
		}
	}

	n := len(line)
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))

	return string(line), n, nil
}

func (t *Transport) lineErr(ctx context.Context, op string, err error) error {
	if errors.Is(err, io.EOF) {
		return errs.New(errs.KindProtocolViolation, op, io.ErrUnexpectedEOF)
	}

	return classify(ctx, op, err)
}

// bodyFraming describes how the body following h is delimited.
type bodyFraming struct {
	none    bool
	chunked bool
	length  int64 // -1 means read to close
}

func framing(method string, h *head) (bodyFraming, error) {
	if method == http.MethodHead ||
		h.statusCode == http.StatusNoContent ||
		h.statusCode == http.StatusNotModified ||
		(h.statusCode >= 100 && h.statusCode < 200) {
		return bodyFraming{none: true}, nil
	}

	if te := h.get("Transfer-Encoding"); te != "" {
		codings := strings.Split(te, ",")
		last := strings.TrimSpace(codings[len(codings)-1])
		if strings.EqualFold(last, "chunked") {
			return bodyFraming{chunked: true, length: -1}, nil
		}
		return bodyFraming{length: -1}, nil
	}

	length := int64(-1)
	for _, hdr := range h.headers {
		if !strings.EqualFold(hdr.Name, "Content-Length") {
			continue
		}
		for _, v := range strings.Split(hdr.Value, ",") {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil || n < 0 {
				return bodyFraming{}, errs.Newf(errs.KindProtocolViolation, "read headers", "invalid Content-Length %q", hdr.Value)
			}
			if length >= 0 && n != length {
				return bodyFraming{}, errs.Newf(errs.KindProtocolViolation, "read headers", "conflicting Content-Length values")
			}
			length = n
		}
	}

	return bodyFraming{length: length}, nil
}

// readBody copies the body described by h into dst and updates the
// connection's reusability. It returns the number of body bytes read.
func (t *Transport) readBody(ctx context.Context, method string, h *head, dst io.Writer) (int64, error) {
	f, err := framing(method, h)
	if err != nil {
		t.reusable = false
		return 0, err
	}

	if hinter, ok := dst.(sink.LengthHinter); ok && !f.none {
		hinter.ExpectLength(f.length)
	}

	closeAfter := h.proto == "HTTP/1.0" || headerHasToken(h, "Connection", "close") || h.statusCode == http.StatusSwitchingProtocols

	sw := &sinkWriter{w: dst}
	switch {
	case f.none:

	case f.chunked:
		_, err = io.Copy(sw, httputil.NewChunkedReader(t.br))
		if err == nil {
			err = t.skipTrailers()
		}
		if err != nil {
			t.reusable = false
			return sw.written, t.bodyErr(ctx, err, true)
		}

	case f.length >= 0:
		var n int64
		n, err = io.CopyN(sw, t.br, f.length)
		if err != nil {
			t.reusable = false
			if errors.Is(err, io.EOF) {
				return n, errs.Newf(errs.KindTransportIOError, "read body", "connection closed with %d bytes remaining", f.length-n)
			}
			return n, t.bodyErr(ctx, err, false)
		}

	default:
		closeAfter = true
		if _, err = io.Copy(sw, t.br); err != nil {
			t.reusable = false
			return sw.written, t.bodyErr(ctx, err, false)
		}
	}

	if closeAfter {
		t.reusable = false
	}

	return sw.written, nil
}

func (t *Transport) skipTrailers() error {
	for {
		line, _, err := t.readLine()
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

func (t *Transport) bodyErr(ctx context.Context, err error, chunked bool) error {
	var se *sinkError
	if errors.As(err, &se) {
		return errs.New(errs.KindTransportIOError, "write body", se.err)
	}

	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errs.New(errs.KindTransportIOError, "read body", io.ErrUnexpectedEOF)
	}

	// The chunked reader reports framing faults as plain errors.
	var ne net.Error
	if chunked && ctx.Err() == nil && !errors.As(err, &ne) {
		return errs.New(errs.KindProtocolViolation, "read chunked body", err)
	}

	return classify(ctx, "read body", err)
}

func headerHasToken(h *head, name, token string) bool {
	for _, v := range h.headers {
		if !strings.EqualFold(v.Name, name) {
			continue
		}
		for _, tok := range strings.Split(v.Value, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), token) {
				return true
			}
		}
	}

	return false
}
