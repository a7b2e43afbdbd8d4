package sink

import (
	"errors"
	"fmt"
)

var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrSinkClosed       = errors.New("sink already committed or aborted")
)

// Error wraps a sentinel error with additional detail.
type Error struct {
	Detail string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Committer is implemented by sinks that stage body bytes and publish them
// only once the transfer has succeeded. Abort discards staged bytes and
// must be safe to call after Commit.
type Committer interface {
	Commit() error
	Abort()
}

// LengthHinter is implemented by sinks that want the announced body size
// before the first Write. n is -1 when the size is unknown.
type LengthHinter interface {
	ExpectLength(n int64)
}
