package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adamwoolhether/xfer"
	"github.com/adamwoolhether/xfer/session"
)

func newEscapeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "escape <string>...",
		Short: "Percent-encode strings using the RFC 3986 unreserved set",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transform(cmd, args, (*session.Session).Escape)
		},
	}
}

func newUnescapeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unescape <string>...",
		Short: "Decode percent-encoded strings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transform(cmd, args, (*session.Session).Unescape)
		},
	}
}

func transform(cmd *cobra.Command, args []string, fn func(*session.Session, string) (string, error)) error {
	s, err := xfer.NewSession("")
	if err != nil {
		return withCode(ExitConfigError, err)
	}
	defer s.Close()

	for _, arg := range args {
		out, err := fn(s, arg)
		if err != nil {
			return withCode(ExitConfigError, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
	}

	return nil
}
