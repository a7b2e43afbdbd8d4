// Package xfer exposes the session builder.
package xfer

import (
	"github.com/adamwoolhether/xfer/session"
)

// NewSession builds a *session.Session with the provided options and
// initializes it for rawURL. An empty rawURL leaves the URL option unset.
func NewSession(rawURL string, opts ...session.Option) (*session.Session, error) {
	s, err := session.New(opts...)
	if err != nil {
		return nil, err
	}

	if err := s.Init(rawURL); err != nil {
		return nil, err
	}

	return s, nil
}
