package session

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/adamwoolhether/xfer/throttle"
	"github.com/adamwoolhether/xfer/transport"
)

// Option is a functional option for configuring a [Session] via [New].
type Option func(*options) error
type options struct {
	logger       *slog.Logger
	tracer       trace.Tracer
	userAgent    string
	maxRedirects int
	throttle     *throttle.Config
	sink         io.Writer
	tlsConfig    *tls.Config
	dialer       transport.Dialer
	resolver     transport.Resolver
}

// WithLogger injects a custom [slog.Logger] into the [Session].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		o.logger = logger
		return nil
	}
}

// WithTracer injects the tracer used for Execute spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) error {
		if tracer == nil {
			return errors.New("tracer must not be nil")
		}
		o.tracer = tracer
		return nil
	}
}

// WithUserAgent sets the User-Agent sent with every request unless the
// HEADERS option overrides it.
func WithUserAgent(ua string) Option {
	return func(o *options) error {
		o.userAgent = ua
		return nil
	}
}

// WithMaxRedirects bounds the redirect hops followed by one Execute.
func WithMaxRedirects(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return fmt.Errorf("max redirects[%d] %w", n, throttle.ErrMustNotBeZero)
		}
		o.maxRedirects = n
		return nil
	}
}

// WithThrottle enables token-bucket rate limiting with the given requests
// per second and burst capacity. Every redirect hop spends a token.
func WithThrottle(rps, burst int) Option {
	return func(o *options) error {
		if rps <= 0 || burst <= 0 {
			return fmt.Errorf("rps[%d] and burst[%d] %w", rps, burst, throttle.ErrMustNotBeZero)
		}
		o.throttle = &throttle.Config{RPS: rps, Burst: burst}
		return nil
	}
}

// WithSink sets where body bytes go when RETURN_TRANSFER is false.
// The default is os.Stdout. A sink implementing [sink.Committer] is
// committed after a successful Execute and aborted after a failed one.
func WithSink(w io.Writer) Option {
	return func(o *options) error {
		if w == nil {
			return errors.New("sink must not be nil")
		}
		o.sink = w
		return nil
	}
}

// WithTLSConfig sets the base TLS configuration, typically to supply
// custom root CAs. VERIFY_TLS still decides whether certificates are
// checked.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return errors.New("tls config must not be nil")
		}
		o.tlsConfig = cfg
		return nil
	}
}

// WithDialer replaces the [net.Dialer] used to open connections.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) error {
		if d == nil {
			return errors.New("dialer must not be nil")
		}
		o.dialer = d
		return nil
	}
}

// WithResolver replaces the platform resolver.
func WithResolver(r transport.Resolver) Option {
	return func(o *options) error {
		if r == nil {
			return errors.New("resolver must not be nil")
		}
		o.resolver = r
		return nil
	}
}
