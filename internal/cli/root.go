// Package cli implements the xfer command line.
package cli

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/adamwoolhether/xfer"
	"github.com/adamwoolhether/xfer/optset"
	"github.com/adamwoolhether/xfer/session"
	"github.com/adamwoolhether/xfer/sink"
)

type flags struct {
	method         string
	headers        []string
	data           string
	location       bool
	insecure       bool
	maxTime        time.Duration
	connectTimeout time.Duration
	maxRedirs      int
	userAgent      string
	output         string
	sha256         string
	writeOut       string
	optionsFile    string
	extract        string
	verbose        bool
	noColor        bool
}

// NewRootCmd builds the xfer command tree.
func NewRootCmd(version, buildTime string) *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:   "xfer [flags] URL",
		Short: "Transfer a URL over HTTP/1.1",
		Long: `xfer performs one HTTP/1.1 transfer and prints the response body.

Examples:
  xfer http://example.test/
  xfer -L -w http_code,total_time https://example.test/start
  xfer -X POST -H "Content-Type: application/json" -d '{"a":1}' http://example.test/items
  xfer -o out.bin --sha256 <hex> https://example.test/file.bin
  xfer --options request.yaml http://example.test/`,
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if f.noColor {
				color.NoColor = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], &f)
		},
	}

	fl := root.Flags()
	fl.StringVarP(&f.method, "request", "X", "", "Request method")
	fl.StringArrayVarP(&f.headers, "header", "H", nil, `Request header "Name: value" (repeatable; "Name:" suppresses a default header)`)
	fl.StringVarP(&f.data, "data", "d", "", "Request body; implies POST unless -X is given")
	fl.BoolVarP(&f.location, "location", "L", false, "Follow redirects")
	fl.BoolVarP(&f.insecure, "insecure", "k", false, "Skip TLS certificate verification")
	fl.DurationVarP(&f.maxTime, "max-time", "m", 0, "Maximum time for the whole transfer (e.g. 30s)")
	fl.DurationVar(&f.connectTimeout, "connect-timeout", optset.DefaultConnectTimeout, "Maximum time for name resolution and connection setup")
	fl.IntVar(&f.maxRedirs, "max-redirs", 0, "Maximum redirects to follow with -L (default 20)")
	fl.StringVarP(&f.userAgent, "user-agent", "A", "xfer/"+version, "User-Agent header")
	fl.StringVarP(&f.output, "output", "o", "", "Write the body to a file instead of stdout")
	fl.StringVar(&f.sha256, "sha256", "", "Expected hex SHA-256 of the body written with -o")
	fl.StringVarP(&f.writeOut, "write-out", "w", "", "Comma separated transfer info to print after the body (e.g. http_code,total_time)")
	fl.StringVar(&f.optionsFile, "options", "", "YAML file of transfer options; flags override it")
	fl.StringVar(&f.extract, "extract", "", "Print the value at this JSON path of the body instead of the body")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "Log connection and redirect details to stderr")
	root.PersistentFlags().BoolVar(&f.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(newVersionCmd(version, buildTime))
	root.AddCommand(newEscapeCmd(), newUnescapeCmd())

	return root
}

// Main runs the command line with args and returns the process exit code.
func Main(ctx context.Context, args []string, stdout, stderr io.Writer, version, buildTime string) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	root := NewRootCmd(version, buildTime)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	red := color.New(color.FgRed, color.Bold).SprintFunc()
	fmt.Fprintf(stderr, "%s %v\n", red("xfer:"), err)

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}

	return ExitConfigError
}

func run(cmd *cobra.Command, rawURL string, f *flags) error {
	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	infoKeys, err := parseWriteOut(f.writeOut)
	if err != nil {
		return withCode(ExitConfigError, err)
	}

	sopts := []session.Option{
		session.WithLogger(logger),
		session.WithUserAgent(f.userAgent),
	}
	if f.maxRedirs > 0 {
		sopts = append(sopts, session.WithMaxRedirects(f.maxRedirs))
	}

	var file *sink.File
	if f.output != "" {
		var fopts []sink.Option
		if f.sha256 != "" {
			fopts = append(fopts, sink.WithChecksum(sha256.New(), f.sha256))
		}
		if f.verbose {
			fopts = append(fopts, sink.WithProgress())
		}

		file, err = sink.NewFile(f.output, logger, fopts...)
		if err != nil {
			return withCode(ExitConfigError, err)
		}
		sopts = append(sopts, session.WithSink(file))
	} else if f.sha256 != "" {
		return withCode(ExitConfigError, errors.New("--sha256 requires --output"))
	}

	s, err := xfer.NewSession(rawURL, sopts...)
	if err != nil {
		if file != nil {
			file.Abort()
		}
		return withCode(ExitConfigError, err)
	}
	defer s.Close()

	if err := configure(cmd, s, f); err != nil {
		if file != nil {
			file.Abort()
		}
		return withCode(ExitConfigError, err)
	}

	body, err := s.Execute(cmd.Context())
	if err != nil {
		return withCode(ExitTransferError, err)
	}

	out := cmd.OutOrStdout()
	if f.extract != "" && file == nil {
		res := gjson.Get(body, f.extract)
		if !res.Exists() {
			return withCode(ExitExtractFailure, fmt.Errorf("no value at path %q", f.extract))
		}
		body = res.String() + "\n"
	}
	if _, err := io.WriteString(out, body); err != nil {
		return withCode(ExitTransferError, err)
	}

	if err := writeInfo(out, s, infoKeys); err != nil {
		return withCode(ExitConfigError, err)
	}

	if f.verbose {
		code, _ := s.GetInformation(session.InfoHTTPCode)
		if file != nil {
			logger.Debug("transfer complete", "http_code", code, "output", file.Path())
		} else {
			logger.Debug("transfer complete", "http_code", code)
		}
	}

	return nil
}

// configure applies the option file first and the flags over it, each as
// one atomic batch.
func configure(cmd *cobra.Command, s *session.Session, f *flags) error {
	if f.optionsFile != "" {
		fileOpts, err := loadOptionFile(f.optionsFile)
		if err != nil {
			return err
		}
		if err := s.SetOptions(fileOpts); err != nil {
			return err
		}
	}

	changed := cmd.Flags().Changed
	m := map[optset.Key]any{}

	if f.method != "" {
		m[optset.KeyMethod] = f.method
	}
	if len(f.headers) > 0 {
		m[optset.KeyHeaders] = f.headers
	}
	if changed("data") {
		m[optset.KeyBody] = f.data
	}
	if f.location {
		m[optset.KeyFollowRedirects] = true
	}
	if f.insecure {
		m[optset.KeyVerifyTLS] = false
	}
	if f.maxTime > 0 {
		m[optset.KeyTimeout] = f.maxTime
	}
	if changed("connect-timeout") {
		m[optset.KeyConnectTimeout] = f.connectTimeout
	}
	if f.output != "" {
		m[optset.KeyReturnTransfer] = false
	}

	if len(m) == 0 {
		return nil
	}

	return s.SetOptions(m)
}
