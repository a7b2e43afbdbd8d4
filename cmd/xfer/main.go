// Command xfer performs a single HTTP/1.1 transfer from the command line.
package main

import (
	"context"
	"os"

	"github.com/adamwoolhether/xfer/internal/cli"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	os.Exit(cli.Main(context.Background(), os.Args[1:], os.Stdout, os.Stderr, version, buildTime))
}
