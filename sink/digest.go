package sink

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// digest hashes the staged body for comparison with a known sum.
type digest struct {
	h    hash.Hash
	want []byte
}

func newDigest(h hash.Hash, expected string) (*digest, error) {
	want, err := hex.DecodeString(strings.TrimSpace(expected))
	if err != nil {
		return nil, fmt.Errorf("decoding expected checksum: %w", err)
	}

	return &digest{h: h, want: want}, nil
}

func (d *digest) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// match returns ErrChecksumMismatch, with both sums as detail, unless the
// staged bytes hash to the expected sum. A nil digest always matches.
func (d *digest) match() error {
	if d == nil {
		return nil
	}

	got := d.h.Sum(nil)
	if subtle.ConstantTimeCompare(got, d.want) == 1 {
		return nil
	}

	return &Error{
		Err:    ErrChecksumMismatch,
		Detail: fmt.Sprintf("expected %x, got %x", d.want, got),
	}
}
