package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/malbeclabs/mevdist/distributor/internal/cli"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, os.Args[1:], cli.Options{
		Build: cli.BuildInfo{Version: version, Commit: commit, Date: date},
	})
	cancel()
	os.Exit(code)
}
