package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"runtime"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/adamwoolhether/xfer/errs"
	"github.com/adamwoolhether/xfer/optset"
	"github.com/adamwoolhether/xfer/sink"
	"github.com/adamwoolhether/xfer/throttle"
	"github.com/adamwoolhether/xfer/transport"
)

// State is the lifecycle position of a Session.
type State int

const (
	Uninitialized State = iota
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// Session is a stateful transfer handle. It owns at most one Transport,
// and through it at most one connection. It is not safe for concurrent
// use, except that Close may be called while Execute blocks; the transfer
// then fails with TransportIOError.
type Session struct {
	// mu guards the lifecycle fields below against a concurrent Close.
	mu    sync.Mutex
	state State
	opts  *optset.Set
	tr    *transport.Transport
	last  *info

	cleanup runtime.Cleanup

	logger *slog.Logger
	tracer trace.Tracer
	sink   io.Writer
	trCfg  transport.Config
}

// New returns an Uninitialized Session. A no-op tracer and the default
// slog logger are used unless overridden via options.
func New(optFns ...Option) (*Session, error) {
	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying session option: %w", err)
		}
	}

	s := &Session{
		logger: slog.Default(),
		tracer: opts.tracer,
		sink:   opts.sink,
	}
	if opts.logger != nil {
		s.logger = opts.logger
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("no-op tracer")
	}
	if s.sink == nil {
		s.sink = os.Stdout
	}

	s.trCfg = transport.Config{
		Dialer:       opts.dialer,
		Resolver:     opts.resolver,
		TLSConfig:    opts.tlsConfig,
		Logger:       s.logger,
		UserAgent:    opts.userAgent,
		MaxRedirects: opts.maxRedirects,
	}

	if opts.throttle != nil {
		logger := s.logger
		l, err := throttle.New(opts.throttle.RPS, opts.throttle.Burst, func() *slog.Logger { return logger })
		if err != nil {
			return nil, fmt.Errorf("configuring throttle: %w", err)
		}
		s.trCfg.Limiter = l
	}

	return s, nil
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Init moves the Session to Ready with a fresh Option Set and Transport.
// A non-empty rawURL is stored as the URL option; if it is invalid the
// Session stays in its previous state.
func (s *Session) Init(rawURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Ready {
		return errs.Newf(errs.KindAlreadyInitialized, "init", "session is already ready")
	}

	opts := optset.New()
	if rawURL != "" {
		if err := opts.Set(optset.KeyURL, rawURL); err != nil {
			return err
		}
	}

	tr := transport.New(s.trCfg)

	s.opts = opts
	s.tr = tr
	s.last = nil
	s.state = Ready

	// Release the connection if the Session is dropped without Close.
	s.cleanup = runtime.AddCleanup(s, func(tr *transport.Transport) { tr.Close() }, tr)

	return nil
}

// SetOption stores one option.
func (s *Session) SetOption(key optset.Key, value any) error {
	if err := s.ready("setopt"); err != nil {
		return err
	}

	return s.opts.Set(key, value)
}

// SetOptions stores every option in m, or none of them.
func (s *Session) SetOptions(m map[optset.Key]any) error {
	if err := s.ready("setopt_array"); err != nil {
		return err
	}

	return s.opts.SetMany(m)
}

// Option returns the current value stored under key.
func (s *Session) Option(key optset.Key) (any, error) {
	if err := s.ready("getopt"); err != nil {
		return nil, err
	}

	return s.opts.Get(key)
}

// Execute performs the configured transfer and blocks until it completes,
// fails or ctx ends. It returns the response body when RETURN_TRANSFER is
// true; otherwise the body is streamed to the session sink and "" is
// returned.
func (s *Session) Execute(ctx context.Context) (string, error) {
	s.mu.Lock()
	if err := s.readyLocked("execute"); err != nil {
		s.mu.Unlock()
		return "", err
	}
	opts, tr := s.opts, s.tr
	s.mu.Unlock()

	u := opts.URL()
	if u == nil {
		return "", errs.Newf(errs.KindInvalidOptionValue, "execute", "url is not set")
	}

	ctx, span := s.tracer.Start(ctx, "session.execute")
	defer span.End()

	span.SetAttributes(
		attribute.String("url", u.String()),
		attribute.String("method", opts.Method()),
	)

	transferID := span.SpanContext().TraceID().String()
	if !span.SpanContext().TraceID().IsValid() {
		transferID = uuid.New().String()
	}

	reqOpts, err := withTraceHeaders(ctx, opts)
	if err != nil {
		return "", err
	}

	var dst io.Writer
	if !opts.ReturnTransfer() {
		dst = s.sink
	}

	s.logger.Debug("execute", "transfer_id", transferID, "url", u.String(), "method", opts.Method())

	res, err := tr.Do(ctx, reqOpts, dst)
	if err != nil {
		s.abortSink(dst)
		span.RecordError(err)
		span.SetStatus(codes.Error, errs.KindOf(err).String())
		return "", err
	}

	if c, ok := dst.(sink.Committer); ok {
		if err := c.Commit(); err != nil {
			err = errs.New(errs.KindTransportIOError, "commit body", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}
	}

	span.SetAttributes(
		attribute.Int("status", res.StatusCode),
		attribute.Int("redirects", res.RedirectCount),
		attribute.String("effective_url", res.EffectiveURL),
	)

	s.mu.Lock()
	if s.tr == tr {
		s.last = &info{res: res, id: transferID}
	}
	s.mu.Unlock()

	if !opts.ReturnTransfer() {
		return "", nil
	}

	return string(res.Body), nil
}

// withTraceHeaders returns the options for one Execute with the global
// propagator's headers appended.
func withTraceHeaders(ctx context.Context, opts *optset.Set) (*optset.Set, error) {
	carrier := propagation.HeaderCarrier(http.Header{})
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier.Keys()) == 0 {
		return opts, nil
	}

	headers := opts.Headers()
	for _, name := range slices.Sorted(slices.Values(carrier.Keys())) {
		headers = append(headers, optset.Header{Name: name, Value: carrier.Get(name)})
	}

	reqOpts := opts.Clone()
	if err := reqOpts.Set(optset.KeyHeaders, headers); err != nil {
		return nil, err
	}

	return reqOpts, nil
}

func (s *Session) lastInfo() (*info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked("getinfo"); err != nil {
		return nil, err
	}
	if s.last == nil {
		return nil, errs.Newf(errs.KindNoTransferYet, "getinfo", "execute has not succeeded since init")
	}

	return s.last, nil
}

func (s *Session) abortSink(dst io.Writer) {
	if c, ok := dst.(sink.Committer); ok {
		c.Abort()
	}
}

// GetInformation returns one field of the last successful transfer.
func (s *Session) GetInformation(key InfoKey) (any, error) {
	last, err := s.lastInfo()
	if err != nil {
		return nil, err
	}

	v, ok := last.get(key)
	if !ok {
		return nil, errs.Newf(errs.KindInvalidOptionKey, "getinfo", "unknown info key %d", int(key))
	}

	return v, nil
}

// GetInformationArray returns every field of the last successful transfer
// keyed by info name.
func (s *Session) GetInformationArray() (map[string]any, error) {
	last, err := s.lastInfo()
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(infoNames))
	for _, k := range slices.Sorted(maps.Keys(infoNames)) {
		v, _ := last.get(k)
		out[k.String()] = v
	}

	return out, nil
}

// Reset restores every option to its default. The connection and the
// last transfer result are kept.
func (s *Session) Reset() error {
	if err := s.ready("reset"); err != nil {
		return err
	}

	s.opts.Reset()

	return nil
}

// Escape percent-encodes every byte of str outside the RFC 3986
// unreserved set.
func (s *Session) Escape(str string) (string, error) {
	if err := s.ready("escape"); err != nil {
		return "", err
	}

	return percentEncode(str), nil
}

// Unescape decodes percent-encoded triplets in str. Malformed sequences
// are left as they are.
func (s *Session) Unescape(str string) (string, error) {
	if err := s.ready("unescape"); err != nil {
		return "", err
	}

	return percentDecode(str), nil
}

// Close releases the Transport and moves the Session to Closed. It is
// idempotent and never fails; Init may be called again afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state != Ready {
		s.mu.Unlock()
		return
	}

	s.cleanup.Stop()
	tr := s.tr

	s.tr = nil
	s.opts = nil
	s.last = nil
	s.state = Closed
	s.mu.Unlock()

	tr.Close()

	s.logger.Debug("session closed")
}

func (s *Session) ready(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.readyLocked(op)
}

func (s *Session) readyLocked(op string) error {
	if s.state != Ready {
		return errs.Newf(errs.KindNotInitialized, op, "session is %s", s.state)
	}

	return nil
}

// ErrorToString returns a human-readable description of k.
func ErrorToString(k errs.Kind) string {
	return errs.ErrorToString(k)
}
