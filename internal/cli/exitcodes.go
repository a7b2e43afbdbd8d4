package cli

// Exit codes for the xfer CLI
const (
	// ExitSuccess indicates the transfer completed
	ExitSuccess = 0

	// ExitExtractFailure indicates --extract matched nothing in the body
	ExitExtractFailure = 1

	// ExitConfigError indicates invalid usage, flags or option files
	ExitConfigError = 3

	// ExitTransferError indicates the transfer itself failed
	ExitTransferError = 4
)

// exitError carries the exit code for an error returned by a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}
