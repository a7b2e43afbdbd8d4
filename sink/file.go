// Package sink provides destinations for response bodies that are not
// returned to the caller.
//
// Any [io.Writer] can receive a body. [File] additionally stages the bytes
// in a temp file alongside the destination and publishes them with an
// atomic rename on [File.Commit], optionally verifying a checksum:
//
//	f, err := sink.NewFile("/tmp/file.bin", logger,
//		sink.WithChecksum(sha256.New(), expectedHex),
//		sink.WithProgress(),
//	)
package sink

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// File is a Committer writing to a temp file that replaces destPath on
// Commit. It is single use.
type File struct {
	dest     string
	file     *os.File
	w        io.Writer
	digest   *digest
	progress *progressWriter
	logger   *slog.Logger
	closed   bool
}

// NewFile creates the temp file in the same directory as destPath.
func NewFile(destPath string, logger *slog.Logger, optFns ...Option) (*File, error) {
	if destPath == "" {
		return nil, errors.New("destPath must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	file, err := os.CreateTemp(filepath.Dir(destPath), ".xfer-body-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	f := &File{
		dest:     destPath,
		file:     file,
		w:        file,
		digest:   opts.digest,
		logger:   logger,
	}

	if opts.digest != nil {
		f.w = io.MultiWriter(f.w, opts.digest)
	}

	if opts.progress {
		f.progress = &progressWriter{
			w:      f.w,
			logger: logger,
			total:  -1,
		}
		f.w = f.progress
	}

	return f, nil
}

// Path returns the destination path.
func (f *File) Path() string { return f.dest }

func (f *File) Write(p []byte) (int, error) {
	if f.closed {
		return 0, ErrSinkClosed
	}

	return f.w.Write(p)
}

// ExpectLength records the announced body size for progress reporting.
func (f *File) ExpectLength(n int64) {
	if f.progress != nil {
		f.progress.total = n
	}
}

// Commit verifies the checksum and renames the temp file over the
// destination. On failure the temp file is removed.
func (f *File) Commit() error {
	if f.closed {
		return ErrSinkClosed
	}

	var successful bool
	defer func() {
		if !successful {
			f.Abort()
		}
	}()

	if err := f.digest.match(); err != nil {
		return err
	}

	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.file.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(f.file.Name(), f.dest); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	f.closed = true
	successful = true

	return nil
}

// Abort closes and removes the temp file. Errors are logged, not returned.
func (f *File) Abort() {
	if f.closed {
		return
	}
	f.closed = true

	if err := f.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		f.logger.Error("closing temp file", "error", err)
	}
	if err := os.Remove(f.file.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		f.logger.Error("failed to remove temp file", "error", err)
	}
}
