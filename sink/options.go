package sink

import (
	"errors"
	"hash"
)

// Option defines optional settings for a File sink.
type Option func(*options) error

type options struct {
	digest   *digest
	progress bool
}

// WithChecksum makes Commit fail with ErrChecksumMismatch unless the body
// hashes to expected under h. expected is hex, in either case.
func WithChecksum(h hash.Hash, expected string) Option {
	return func(opts *options) error {
		if h == nil {
			return errors.New("hash must not be nil")
		}

		if expected == "" {
			return errors.New("expected checksum must not be empty")
		}

		d, err := newDigest(h, expected)
		if err != nil {
			return err
		}
		opts.digest = d

		return nil
	}
}

// WithProgress enables periodic progress logging via the logger supplied
// to NewFile.
func WithProgress() Option {
	return func(opts *options) error {
		opts.progress = true
		return nil
	}
}
