package session_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/propagation"

	"github.com/adamwoolhether/xfer/errs"
	"github.com/adamwoolhether/xfer/optset"
	"github.com/adamwoolhether/xfer/session"
	"github.com/adamwoolhether/xfer/sink"
)

var discard = slog.New(slog.DiscardHandler)

type staticResolver map[string][]string

func (r staticResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if addrs, ok := r[host]; ok {
		return addrs, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

// fixedDialer sends every connection to addr regardless of the target.
type fixedDialer struct {
	addr string
}

func (d fixedDialer) DialContext(ctx context.Context, network, _ string) (net.Conn, error) {
	var nd net.Dialer
	return nd.DialContext(ctx, network, d.addr)
}

type blockingDialer struct{}

func (blockingDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// exampleSession returns a Ready session for http://example.test/ whose
// connections land on a test server running handler.
func exampleSession(t *testing.T, handler http.Handler, optFns ...session.Option) *session.Session {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	base := []session.Option{
		session.WithLogger(discard),
		session.WithResolver(staticResolver{"example.test": {"127.0.0.1"}}),
		session.WithDialer(fixedDialer{addr: ts.Listener.Addr().String()}),
	}

	s, err := session.New(append(base, optFns...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Init("http://example.test/"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(s.Close)

	return s
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "ok")
	})
}

func TestSession_RequiresReady(t *testing.T) {
	ops := map[string]func(s *session.Session) error{
		"SetOption": func(s *session.Session) error { return s.SetOption(optset.KeyMethod, "GET") },
		"SetOptions": func(s *session.Session) error {
			return s.SetOptions(map[optset.Key]any{optset.KeyMethod: "GET"})
		},
		"Execute": func(s *session.Session) error {
			_, err := s.Execute(context.Background())
			return err
		},
		"GetInformation": func(s *session.Session) error {
			_, err := s.GetInformation(session.InfoHTTPCode)
			return err
		},
		"GetInformationArray": func(s *session.Session) error {
			_, err := s.GetInformationArray()
			return err
		},
		"Reset": func(s *session.Session) error { return s.Reset() },
		"Escape": func(s *session.Session) error {
			_, err := s.Escape("a b")
			return err
		},
		"Unescape": func(s *session.Session) error {
			_, err := s.Unescape("a%20b")
			return err
		},
	}

	for name, op := range ops {
		t.Run(name+"/beforeInit", func(t *testing.T) {
			s, err := session.New(session.WithLogger(discard))
			if err != nil {
				t.Fatal(err)
			}
			if err := op(s); !errors.Is(err, errs.ErrNotInitialized) {
				t.Errorf("exp NotInitialized, got: %v", err)
			}
		})

		t.Run(name+"/afterClose", func(t *testing.T) {
			s, err := session.New(session.WithLogger(discard))
			if err != nil {
				t.Fatal(err)
			}
			if err := s.Init(""); err != nil {
				t.Fatal(err)
			}
			s.Close()
			if err := op(s); !errors.Is(err, errs.ErrNotInitialized) {
				t.Errorf("exp NotInitialized, got: %v", err)
			}
		})
	}
}

func TestSession_Lifecycle(t *testing.T) {
	s, err := session.New(session.WithLogger(discard))
	if err != nil {
		t.Fatal(err)
	}

	if s.State() != session.Uninitialized {
		t.Fatalf("state = %v, want uninitialized", s.State())
	}

	s.Close()
	if s.State() != session.Uninitialized {
		t.Errorf("closing an uninitialized session changed state to %v", s.State())
	}

	if err := s.Init("http://example.test/"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Init("http://example.test/"); !errors.Is(err, errs.ErrAlreadyInitialized) {
		t.Errorf("exp AlreadyInitialized, got: %v", err)
	}

	s.Close()
	s.Close()
	if s.State() != session.Closed {
		t.Errorf("state = %v, want closed", s.State())
	}

	if err := s.Init(""); err != nil {
		t.Errorf("Init after Close: %v", err)
	}
	if s.State() != session.Ready {
		t.Errorf("state = %v, want ready", s.State())
	}
	s.Close()
}

func TestSession_InitInvalidURL(t *testing.T) {
	s, err := session.New(session.WithLogger(discard))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Init("ftp://example.test/"); !errors.Is(err, errs.ErrInvalidOptionValue) {
		t.Fatalf("exp InvalidOptionValue, got: %v", err)
	}
	if s.State() != session.Uninitialized {
		t.Errorf("state = %v, want uninitialized", s.State())
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	testCases := map[string]session.Option{
		"nilLogger":    session.WithLogger(nil),
		"nilTracer":    session.WithTracer(nil),
		"zeroThrottle": session.WithThrottle(0, 1),
		"zeroRedirect": session.WithMaxRedirects(0),
		"nilSink":      session.WithSink(nil),
		"nilTLS":       session.WithTLSConfig(nil),
		"nilDialer":    session.WithDialer(nil),
		"nilResolver":  session.WithResolver(nil),
	}

	for name, opt := range testCases {
		t.Run(name, func(t *testing.T) {
			if _, err := session.New(opt); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSession_EscapeRoundTrip(t *testing.T) {
	s, err := session.New(session.WithLogger(discard))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Init(""); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	testCases := map[string]struct {
		in  string
		exp string
	}{
		"unreserved": {in: "AZaz09-._~", exp: "AZaz09-._~"},
		"reserved":   {in: ":/?#[]@!$&'()*+,;=", exp: "%3A%2F%3F%23%5B%5D%40%21%24%26%27%28%29%2A%2B%2C%3B%3D"},
		"space":      {in: "a b", exp: "a%20b"},
		"percent":    {in: "100%", exp: "100%25"},
		"utf8":       {in: "é", exp: "%C3%A9"},
		"empty":      {in: "", exp: ""},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			got, err := s.Escape(tc.in)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.exp {
				t.Errorf("Escape(%q) = %q, want %q", tc.in, got, tc.exp)
			}

			back, err := s.Unescape(got)
			if err != nil {
				t.Fatal(err)
			}
			if back != tc.in {
				t.Errorf("Unescape(%q) = %q, want %q", got, back, tc.in)
			}
		})
	}
}

func TestSession_UnescapeMalformed(t *testing.T) {
	s, err := session.New(session.WithLogger(discard))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Init(""); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	testCases := map[string]string{
		"trailingPercent": "100%",
		"shortTriplet":    "%4",
		"nonHex":          "%zz",
		"plusKept":        "a+b",
	}

	for name, in := range testCases {
		t.Run(name, func(t *testing.T) {
			got, err := s.Unescape(in)
			if err != nil {
				t.Fatal(err)
			}
			if got != in {
				t.Errorf("Unescape(%q) = %q, want input unchanged", in, got)
			}
		})
	}

	got, _ := s.Unescape("%41%4a%4A")
	if got != "AJJ" {
		t.Errorf("mixed case hex decoded to %q", got)
	}
}

func TestSession_SetOptionsAtomic(t *testing.T) {
	s, err := session.New(session.WithLogger(discard))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Init("http://example.test/a"); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	err = s.SetOptions(map[optset.Key]any{
		optset.KeyURL:     "http://example.test/b",
		optset.KeyTimeout: "soon",
	})
	if !errors.Is(err, errs.ErrInvalidOptionValue) {
		t.Fatalf("exp InvalidOptionValue, got: %v", err)
	}

	got, err := s.Option(optset.KeyURL)
	if err != nil {
		t.Fatal(err)
	}
	if got != "http://example.test/a" {
		t.Errorf("url = %v, want unchanged", got)
	}
}

func TestSession_ExecuteOK(t *testing.T) {
	s := exampleSession(t, okHandler())

	if err := s.SetOption(optset.KeyMethod, "GET"); err != nil {
		t.Fatal(err)
	}

	body, err := s.Execute(t.Context())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if body != "ok" {
		t.Errorf("body = %q, want %q", body, "ok")
	}

	code, err := s.GetInformation(session.InfoHTTPCode)
	if err != nil {
		t.Fatal(err)
	}
	if code != http.StatusOK {
		t.Errorf("http code = %v, want 200", code)
	}

	ct, _ := s.GetInformation(session.InfoContentType)
	if ct != "text/plain" {
		t.Errorf("content type = %v", ct)
	}
}

func TestSession_ExecuteRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/next")
		w.WriteHeader(http.StatusMovedPermanently)
	})
	mux.HandleFunc("/next", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "next")
	})

	s := exampleSession(t, mux)
	if err := s.SetOption(optset.KeyFollowRedirects, true); err != nil {
		t.Fatal(err)
	}

	body, err := s.Execute(t.Context())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if body != "next" {
		t.Errorf("body = %q", body)
	}

	eff, _ := s.GetInformation(session.InfoEffectiveURL)
	if eff != "http://example.test/next" {
		t.Errorf("effective url = %v", eff)
	}
	n, _ := s.GetInformation(session.InfoRedirectCount)
	if n != 1 {
		t.Errorf("redirect count = %v, want 1", n)
	}
}

func TestSession_TooManyRedirects(t *testing.T) {
	chain := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/r/"))
		if n == 0 {
			_, _ = io.WriteString(w, "done")
			return
		}
		http.Redirect(w, r, fmt.Sprintf("/r/%d", n-1), http.StatusFound)
	})

	s := exampleSession(t, chain)
	err := s.SetOptions(map[optset.Key]any{
		optset.KeyURL:             "http://example.test/r/21",
		optset.KeyFollowRedirects: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Execute(t.Context()); !errors.Is(err, errs.ErrTooManyRedirects) {
		t.Fatalf("exp TooManyRedirects, got: %v", err)
	}

	if _, err := s.GetInformation(session.InfoHTTPCode); !errors.Is(err, errs.ErrNoTransferYet) {
		t.Errorf("exp NoTransferYet after failed execute, got: %v", err)
	}
}

func TestSession_ConnectTimeout(t *testing.T) {
	s, err := session.New(session.WithLogger(discard), session.WithDialer(blockingDialer{}))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Init("http://10.255.255.1/"); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.SetOption(optset.KeyConnectTimeout, 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = s.Execute(t.Context())
	if !errors.Is(err, errs.ErrTimeoutExceeded) {
		t.Fatalf("exp TimeoutExceeded, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("connect timeout took %v", elapsed)
	}
}

func TestSession_HostResolutionFailed(t *testing.T) {
	s, err := session.New(session.WithLogger(discard), session.WithResolver(staticResolver{}))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Init("http://nowhere.test/"); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Execute(t.Context()); !errors.Is(err, errs.ErrHostResolutionFailed) {
		t.Fatalf("exp HostResolutionFailed, got: %v", err)
	}
}

func TestSession_ExecuteWithoutURL(t *testing.T) {
	s, err := session.New(session.WithLogger(discard))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Init(""); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Execute(t.Context()); !errors.Is(err, errs.ErrInvalidOptionValue) {
		t.Fatalf("exp InvalidOptionValue, got: %v", err)
	}
}

func TestSession_ReturnTransferOff(t *testing.T) {
	var buf bytes.Buffer
	s := exampleSession(t, okHandler(), session.WithSink(&buf))

	if err := s.SetOption(optset.KeyReturnTransfer, false); err != nil {
		t.Fatal(err)
	}

	body, err := s.Execute(t.Context())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if body != "" {
		t.Errorf("returned body = %q, want empty", body)
	}
	if buf.String() != "ok" {
		t.Errorf("sink got %q", buf.String())
	}

	size, _ := s.GetInformation(session.InfoSizeDownload)
	if size != int64(2) {
		t.Errorf("size download = %v", size)
	}
}

func TestSession_FileSink(t *testing.T) {
	sum := sha256.Sum256([]byte("ok"))

	testCases := map[string]struct {
		checksum  string
		expErr    bool
		expExists bool
	}{
		"committed": {checksum: hex.EncodeToString(sum[:]), expExists: true},
		"aborted":   {checksum: strings.Repeat("0", 64), expErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), "body.txt")
			f, err := sink.NewFile(dest, discard, sink.WithChecksum(sha256.New(), tc.checksum))
			if err != nil {
				t.Fatal(err)
			}

			s := exampleSession(t, okHandler(), session.WithSink(f))
			if err := s.SetOption(optset.KeyReturnTransfer, false); err != nil {
				t.Fatal(err)
			}

			_, err = s.Execute(t.Context())
			if tc.expErr {
				if !errors.Is(err, errs.ErrTransportIO) || !errors.Is(err, sink.ErrChecksumMismatch) {
					t.Errorf("exp TransportIOError wrapping checksum mismatch, got: %v", err)
				}
			} else if err != nil {
				t.Fatalf("Execute: %v", err)
			}

			_, statErr := os.Stat(dest)
			if exists := statErr == nil; exists != tc.expExists {
				t.Errorf("destination exists = %v, want %v", exists, tc.expExists)
			}
		})
	}
}

func TestSession_GetInformationArray(t *testing.T) {
	s := exampleSession(t, okHandler())

	if _, err := s.GetInformationArray(); !errors.Is(err, errs.ErrNoTransferYet) {
		t.Fatalf("exp NoTransferYet, got: %v", err)
	}

	if _, err := s.Execute(t.Context()); err != nil {
		t.Fatal(err)
	}

	all, err := s.GetInformationArray()
	if err != nil {
		t.Fatal(err)
	}

	for _, k := range session.InfoKeys() {
		if _, ok := all[k.String()]; !ok {
			t.Errorf("missing %s", k)
		}
	}

	if all["http_code"] != http.StatusOK {
		t.Errorf("http_code = %v", all["http_code"])
	}
	if all["url"] != "http://example.test/" {
		t.Errorf("url = %v", all["url"])
	}
	if all["primary_ip"] != "127.0.0.1" {
		t.Errorf("primary_ip = %v", all["primary_ip"])
	}

	id, _ := all["transfer_id"].(string)
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("transfer_id %q is not a uuid without tracing: %v", id, err)
	}

	if _, err := s.GetInformation(session.InfoKey(999)); !errors.Is(err, errs.ErrInvalidOptionKey) {
		t.Errorf("exp InvalidOptionKey, got: %v", err)
	}
}

func TestSession_Reset(t *testing.T) {
	s := exampleSession(t, okHandler())

	if err := s.SetOption(optset.KeyMethod, "PUT"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Execute(t.Context()); err != nil {
		t.Fatal(err)
	}

	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}

	m, _ := s.Option(optset.KeyMethod)
	if m != http.MethodGet {
		t.Errorf("method after reset = %v, want GET", m)
	}

	if _, err := s.GetInformation(session.InfoHTTPCode); err != nil {
		t.Errorf("last result should survive reset: %v", err)
	}

	if _, err := s.Execute(t.Context()); !errors.Is(err, errs.ErrInvalidOptionValue) {
		t.Errorf("exp InvalidOptionValue once url is reset, got: %v", err)
	}
}

func TestSession_PropagatesBaggage(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.Baggage{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	got := make(chan string, 1)
	s := exampleSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("Baggage")
	}))

	m, err := baggage.NewMember("tenant", "blue")
	if err != nil {
		t.Fatal(err)
	}
	b, err := baggage.New(m)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Execute(baggage.ContextWithBaggage(t.Context(), b)); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff("tenant=blue", <-got); diff != "" {
		t.Errorf("baggage header mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_Throttle(t *testing.T) {
	s := exampleSession(t, okHandler(), session.WithThrottle(1000, 1))

	for range 3 {
		if _, err := s.Execute(t.Context()); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
}

func TestSession_CloseDuringExecute(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})

	s := exampleSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
	}))
	t.Cleanup(func() { close(release) })

	errc := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background())
		errc <- err
	}()

	<-entered
	s.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, errs.ErrTransportIO) {
			t.Fatalf("exp TransportIOError, got: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute still blocked after Close")
	}

	if got := s.State(); got != session.Closed {
		t.Errorf("state = %s, exp closed", got)
	}
	if _, err := s.GetInformation(session.InfoHTTPCode); !errors.Is(err, errs.ErrNotInitialized) {
		t.Errorf("exp NotInitialized, got: %v", err)
	}
}

func TestSession_DroppedReleasesConnection(t *testing.T) {
	tests := map[string][]session.Option{
		"plain":    nil,
		"throttle": {session.WithThrottle(1000, 1)},
	}

	for name, optFns := range tests {
		t.Run(name, func(t *testing.T) {
			closed := make(chan struct{}, 1)

			ts := httptest.NewUnstartedServer(okHandler())
			ts.Config.ConnState = func(_ net.Conn, cs http.ConnState) {
				if cs == http.StateClosed {
					select {
					case closed <- struct{}{}:
					default:
					}
				}
			}
			ts.Start()
			t.Cleanup(ts.Close)

			executeAndDrop(t, ts.URL, optFns)

			deadline := time.After(5 * time.Second)
			for {
				runtime.GC()

				select {
				case <-closed:
					return
				case <-deadline:
					t.Fatal("connection still open after the session was collected")
				case <-time.After(20 * time.Millisecond):
				}
			}
		})
	}
}

// executeAndDrop runs one transfer on a session that is never closed.
func executeAndDrop(t *testing.T, rawURL string, optFns []session.Option) {
	t.Helper()

	s, err := session.New(append([]session.Option{session.WithLogger(discard)}, optFns...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Init(rawURL); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := s.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestErrorToString(t *testing.T) {
	if got := session.ErrorToString(errs.KindTimeoutExceeded); got != "timeout exceeded" {
		t.Errorf("got %q", got)
	}
}
