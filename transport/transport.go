// Package transport performs one HTTP/1.1 transfer at a time over a single
// owned connection.
//
// It resolves and dials the target itself, delegates TLS to [crypto/tls],
// writes the request framing and parses the response framing. At most one
// connection is held; it is kept open between transfers to the same
// scheme, host and port while the server allows it.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/adamwoolhether/xfer/errs"
	"github.com/adamwoolhether/xfer/optset"
	"github.com/adamwoolhether/xfer/throttle"
)

// DefaultMaxRedirects bounds redirect hops when Config.MaxRedirects is 0.
const DefaultMaxRedirects = 20

// Dialer opens the raw stream connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver maps a host name onto addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Config holds the per-session collaborators of a Transport.
// Zero fields fall back to the platform defaults.
type Config struct {
	Dialer       Dialer
	Resolver     Resolver
	TLSConfig    *tls.Config
	Limiter      *throttle.Limiter
	Logger       *slog.Logger
	UserAgent    string
	MaxRedirects int
}

// Transport owns at most one live connection. Only Close may be called
// concurrently with Do; everything else is single goroutine.
type Transport struct {
	cfg Config

	// mu serializes Close with the start and end of Do.
	mu     sync.Mutex
	cancel context.CancelCauseFunc
	shut   bool

	conn      net.Conn
	br        *bufio.Reader
	key       string
	reusable  bool
	primaryIP string
	stopWatch func() bool
}

// New returns a Transport with no open connection.
func New(cfg Config) *Transport {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}

	return &Transport{cfg: cfg}
}

// OpenInfo reports how Open obtained its connection.
type OpenInfo struct {
	Reused     bool
	NameLookup time.Duration
	Connect    time.Duration
}

// Open makes a live connection to u available, reusing the current one
// when it targets the same endpoint and is still reusable.
func (t *Transport) Open(ctx context.Context, u *url.URL, opts *optset.Set) (OpenInfo, error) {
	var info OpenInfo

	host, port, err := endpoint(u)
	if err != nil {
		return info, err
	}

	key := u.Scheme + "://" + net.JoinHostPort(host, port)
	if u.Scheme == "https" && !opts.VerifyTLS() {
		key += "#insecure"
	}

	if t.conn != nil && t.reusable && t.key == key {
		info.Reused = true
		t.cfg.Logger.Debug("connection reused", "endpoint", key)
		return info, nil
	}
	t.closeConn()

	connectCtx := ctx
	if d := opts.ConnectTimeout(); d > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	start := time.Now()

	addrs, err := t.resolve(connectCtx, host)
	if err != nil {
		return info, err
	}
	info.NameLookup = time.Since(start)

	var conn net.Conn
	var dialErr error
	for _, addr := range addrs {
		conn, dialErr = t.cfg.Dialer.DialContext(connectCtx, "tcp", net.JoinHostPort(addr, port))
		if dialErr == nil {
			t.primaryIP = addr
			break
		}
		if connectCtx.Err() != nil {
			break
		}
	}
	if dialErr != nil {
		return info, classify(connectCtx, "connect", dialErr)
	}

	if u.Scheme == "https" {
		tlsConn, err := t.handshake(connectCtx, conn, host, opts.VerifyTLS())
		if err != nil {
			if cerr := conn.Close(); cerr != nil {
				t.cfg.Logger.Debug("closing connection after failed handshake", "error", cerr)
			}
			return info, err
		}
		conn = tlsConn
	}
	info.Connect = time.Since(start)

	t.conn = conn
	t.br = bufio.NewReader(conn)
	t.key = key
	t.reusable = true

	t.cfg.Logger.Debug("connection opened", "endpoint", key, "ip", t.primaryIP, "took", info.Connect.String())

	return info, nil
}

// Close releases the connection. It is idempotent and never fails;
// close errors are logged. A Do in progress on another goroutine is
// interrupted and fails with TransportIOError; its connection is released
// when it returns.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.shut = true
	if t.cancel != nil {
		t.cancel(errClosed)
		return
	}

	t.closeConn()
}

// begin registers a Do call so that Close can interrupt it.
func (t *Transport) begin(cancel context.CancelCauseFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shut {
		return errs.New(errs.KindTransportIOError, "execute", errClosed)
	}
	t.cancel = cancel

	return nil
}

// end unregisters a Do call and finishes a Close that arrived during it.
func (t *Transport) end() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancel(nil)
	t.cancel = nil

	if t.shut {
		t.closeConn()
	}
}

func (t *Transport) closeConn() {
	if t.conn == nil {
		return
	}
	t.disarm()

	if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		t.cfg.Logger.Error("failed to close connection", "endpoint", t.key, "error", err)
	}

	t.conn = nil
	t.br = nil
	t.key = ""
	t.reusable = false
}

func (t *Transport) resolve(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	addrs, err := t.cfg.Resolver.LookupHost(ctx, host)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, classify(ctx, "resolve "+host, err)
		}
		var dnsErr *net.DNSError
		if (errors.As(err, &dnsErr) && dnsErr.IsTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errs.New(errs.KindTimeoutExceeded, "resolve "+host, err)
		}
		return nil, errs.New(errs.KindHostResolutionFailed, "resolve "+host, err)
	}

	if len(addrs) == 0 {
		return nil, errs.Newf(errs.KindHostResolutionFailed, "resolve "+host, "no addresses")
	}

	return addrs, nil
}

func (t *Transport) handshake(ctx context.Context, conn net.Conn, host string, verify bool) (net.Conn, error) {
	var cfg *tls.Config
	if t.cfg.TLSConfig != nil {
		cfg = t.cfg.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	cfg.InsecureSkipVerify = !verify
	cfg.NextProtos = []string{"http/1.1"}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if isCertError(err) {
			return nil, errs.New(errs.KindTLSVerificationFailed, "tls handshake", err)
		}
		return nil, classify(ctx, "tls handshake", err)
	}

	return tlsConn, nil
}

func endpoint(u *url.URL) (host, port string, err error) {
	if u == nil {
		return "", "", errs.Newf(errs.KindInvalidOptionValue, "open", "url is not set")
	}

	switch u.Scheme {
	case "http":
		port = "80"
	case "https":
		port = "443"
	default:
		return "", "", errs.Newf(errs.KindProtocolViolation, "open", "unsupported scheme %q", u.Scheme)
	}

	host = u.Hostname()
	if host == "" {
		return "", "", errs.Newf(errs.KindInvalidOptionValue, "open", "url %q has no host", u.String())
	}
	if p := u.Port(); p != "" {
		port = p
	}

	return host, port, nil
}
