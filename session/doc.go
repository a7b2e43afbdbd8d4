// Package session is a stateful façade over one HTTP/1.1 transfer handle.
//
// A [Session] moves through three states. It starts Uninitialized,
// [Session.Init] makes it Ready, and [Session.Close] makes it Closed, from
// where Init may start over. Every other operation requires Ready and
// fails with [errs.ErrNotInitialized] otherwise.
//
//	s, err := session.New(session.WithLogger(logger))
//	if err != nil { ... }
//	if err := s.Init("http://example.test/"); err != nil { ... }
//	defer s.Close()
//
//	body, err := s.Execute(ctx)
//	code, err := s.GetInformation(session.InfoHTTPCode)
//
// Options for the next transfer are set with [Session.SetOption] and
// [Session.SetOptions] using the keys of package optset. The connection
// opened by Execute is kept for the next Execute against the same endpoint
// and released by Close, or by the runtime if the Session is dropped
// without being closed.
package session
