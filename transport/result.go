package transport

import (
	"slices"
	"strings"
	"time"

	"github.com/adamwoolhether/xfer/optset"
)

// Result is the outcome of one transfer, after any redirects.
type Result struct {
	StatusCode int
	Reason     string
	Proto      string
	// Headers of the final response in wire order, duplicates preserved.
	Headers []optset.Header
	// Body is nil when the body was streamed to a caller supplied writer.
	Body []byte

	EffectiveURL   string
	RedirectCount  int
	TotalTime      time.Duration
	NameLookupTime time.Duration
	ConnectTime    time.Duration
	SizeDownload   int64
	SizeUpload     int64
	HeaderSize     int64
	PrimaryIP      string
}

// Header returns the first value of the named header, matched
// case-insensitively, or "".
func (r *Result) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}

	return ""
}

// Clone returns a deep copy of r.
func (r *Result) Clone() *Result {
	c := *r
	c.Headers = slices.Clone(r.Headers)
	c.Body = slices.Clone(r.Body)
	return &c
}
