// Package optset holds the typed configuration consulted by a transfer.
//
// Every [Key] has a declared kind. [Set.Set] rejects values of the wrong
// kind or that fail validation, and [Set.SetMany] applies a batch
// all-or-nothing.
package optset

import (
	"fmt"
	"maps"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/adamwoolhether/xfer/errs"
)

// DefaultConnectTimeout bounds name resolution plus connection setup when
// CONNECT_TIMEOUT is not set.
const DefaultConnectTimeout = 300 * time.Second

// Header is one request or response header line. Order and duplicates are
// significant wherever a []Header appears.
type Header struct {
	Name  string
	Value string
}

func (h Header) String() string {
	return h.Name + ": " + h.Value
}

// Set is the option container. The zero value is not ready for use;
// construct one with New.
type Set struct {
	url             *url.URL
	method          string
	headers         []Header
	body            []byte
	hasBody         bool
	timeout         time.Duration
	connectTimeout  time.Duration
	followRedirects bool
	verifyTLS       bool
	returnTransfer  bool
}

// New returns a Set holding the defaults.
func New() *Set {
	s := &Set{}
	s.Reset()
	return s
}

// Reset restores every option to its default.
func (s *Set) Reset() {
	*s = Set{
		connectTimeout: DefaultConnectTimeout,
		verifyTLS:      true,
		returnTransfer: true,
	}
}

// Clone returns a deep copy of s.
func (s *Set) Clone() *Set {
	c := *s
	if s.url != nil {
		u := *s.url
		c.url = &u
	}
	c.headers = slices.Clone(s.headers)
	c.body = slices.Clone(s.body)

	return &c
}

// Set stores value under key.
func (s *Set) Set(key Key, value any) error {
	if !key.Valid() {
		return errs.Newf(errs.KindInvalidOptionKey, "setopt", "key %d", int(key))
	}

	return s.apply(key, value)
}

// SetMany applies every entry of opts. If any entry is rejected, s is left
// exactly as it was and the first failure (in key order) is returned.
func (s *Set) SetMany(opts map[Key]any) error {
	staged := s.Clone()
	for _, key := range slices.Sorted(maps.Keys(opts)) {
		if err := staged.Set(key, opts[key]); err != nil {
			return err
		}
	}

	*s = *staged

	return nil
}

// Get returns the normalized value stored under key.
func (s *Set) Get(key Key) (any, error) {
	switch key {
	case KeyURL:
		if s.url == nil {
			return "", nil
		}
		return s.url.String(), nil
	case KeyMethod:
		return s.Method(), nil
	case KeyHeaders:
		return s.Headers(), nil
	case KeyBody:
		return s.Body(), nil
	case KeyTimeout:
		return s.timeout, nil
	case KeyConnectTimeout:
		return s.connectTimeout, nil
	case KeyFollowRedirects:
		return s.followRedirects, nil
	case KeyVerifyTLS:
		return s.verifyTLS, nil
	case KeyReturnTransfer:
		return s.returnTransfer, nil
	}

	return nil, errs.Newf(errs.KindInvalidOptionKey, "getopt", "key %d", int(key))
}

// URL returns a copy of the target URL, or nil when unset.
func (s *Set) URL() *url.URL {
	if s.url == nil {
		return nil
	}
	u := *s.url
	return &u
}

// Method returns the request method. Without an explicit METHOD it is
// POST when a body is set and GET otherwise.
func (s *Set) Method() string {
	switch {
	case s.method != "":
		return s.method
	case s.hasBody:
		return http.MethodPost
	default:
		return http.MethodGet
	}
}

// Headers returns a copy of the caller supplied headers.
func (s *Set) Headers() []Header { return slices.Clone(s.headers) }

// Body returns a copy of the request body.
func (s *Set) Body() []byte { return slices.Clone(s.body) }

// HasBody reports whether BODY was set, even to an empty value.
func (s *Set) HasBody() bool { return s.hasBody }

// Timeout returns the bound on a whole transfer; 0 means none.
func (s *Set) Timeout() time.Duration { return s.timeout }

// ConnectTimeout returns the bound on name resolution plus connection
// setup.
func (s *Set) ConnectTimeout() time.Duration { return s.connectTimeout }

// FollowRedirects reports whether redirect responses are followed.
func (s *Set) FollowRedirects() bool { return s.followRedirects }

// VerifyTLS reports whether server certificates are verified.
func (s *Set) VerifyTLS() bool { return s.verifyTLS }

// ReturnTransfer reports whether Execute returns the body instead of
// writing it to the sink.
func (s *Set) ReturnTransfer() bool { return s.returnTransfer }

func (s *Set) apply(key Key, value any) error {
	switch key {
	case KeyURL:
		u, err := toURL(value)
		if err != nil {
			return err
		}
		s.url = u

	case KeyMethod:
		m, ok := value.(string)
		if !ok {
			return kindMismatch(key, "string", value)
		}
		if msg := check(key.String(), m, "required,httptoken"); msg != "" {
			return invalid(msg)
		}
		s.method = m

	case KeyHeaders:
		h, err := toHeaders(value)
		if err != nil {
			return err
		}
		s.headers = h

	case KeyBody:
		switch v := value.(type) {
		case []byte:
			s.body = slices.Clone(v)
			s.hasBody = v != nil
		case string:
			s.body = []byte(v)
			s.hasBody = true
		default:
			return kindMismatch(key, "[]byte or string", value)
		}

	case KeyTimeout, KeyConnectTimeout:
		d, err := toDuration(key, value)
		if err != nil {
			return err
		}
		if key == KeyTimeout {
			s.timeout = d
		} else {
			s.connectTimeout = d
		}

	case KeyFollowRedirects, KeyVerifyTLS, KeyReturnTransfer:
		b, ok := value.(bool)
		if !ok {
			return kindMismatch(key, "bool", value)
		}
		switch key {
		case KeyFollowRedirects:
			s.followRedirects = b
		case KeyVerifyTLS:
			s.verifyTLS = b
		default:
			s.returnTransfer = b
		}
	}

	return nil
}

func toURL(value any) (*url.URL, error) {
	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case *url.URL:
		if v == nil {
			return nil, invalid("url must not be nil")
		}
		raw = v.String()
	default:
		return nil, kindMismatch(KeyURL, "string", value)
	}

	if msg := check(KeyURL.String(), raw, "required,url,httpurl"); msg != "" {
		return nil, invalid(msg)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, errs.New(errs.KindInvalidOptionValue, "setopt", err)
	}

	return u, nil
}

func toHeaders(value any) ([]Header, error) {
	var out []Header

	switch v := value.(type) {
	case []Header:
		out = slices.Clone(v)
	case []string:
		out = make([]Header, 0, len(v))
		for _, line := range v {
			name, val, ok := strings.Cut(line, ":")
			if !ok {
				return nil, invalid(fmt.Sprintf("headers entry %q is not of the form \"Name: value\"", line))
			}
			out = append(out, Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(val)})
		}
	case map[string]string:
		for _, name := range slices.Sorted(maps.Keys(v)) {
			out = append(out, Header{Name: name, Value: v[name]})
		}
	case http.Header:
		for _, name := range slices.Sorted(maps.Keys(v)) {
			for _, val := range v[name] {
				out = append(out, Header{Name: name, Value: val})
			}
		}
	case nil:
		return nil, nil
	default:
		return nil, kindMismatch(KeyHeaders, "[]string, []optset.Header, map[string]string or http.Header", value)
	}

	for _, h := range out {
		if msg := check("header name", h.Name, "required,httptoken"); msg != "" {
			return nil, invalid(msg)
		}
		if msg := check("header "+h.Name, h.Value, "fieldvalue"); msg != "" {
			return nil, invalid(msg)
		}
	}

	return out, nil
}

// maxSeconds is the largest whole second count a time.Duration holds.
const maxSeconds = math.MaxInt64 / int64(time.Second)

// toDuration accepts a time.Duration or an integer count of seconds.
func toDuration(key Key, value any) (time.Duration, error) {
	var (
		d time.Duration
		n int64
	)
	switch v := value.(type) {
	case time.Duration:
		d = v
	case int:
		n = int64(v)
	case int64:
		n = v
	case int32:
		n = int64(v)
	default:
		return 0, kindMismatch(key, "time.Duration or integer seconds", value)
	}

	if n != 0 {
		if n > maxSeconds || n < -maxSeconds {
			return 0, errs.Newf(errs.KindInvalidOptionValue, "setopt", "%s of %d seconds is out of range", key, n)
		}
		d = time.Duration(n) * time.Second
	}

	if msg := check(key.String(), d, "gte=0"); msg != "" {
		return 0, invalid(msg)
	}

	return d, nil
}

func kindMismatch(key Key, want string, got any) error {
	return errs.Newf(errs.KindInvalidOptionValue, "setopt", "%s wants %s, got %T", key, want, got)
}

func invalid(msg string) error {
	return errs.Newf(errs.KindInvalidOptionValue, "setopt", "%s", msg)
}
