package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/3leaps/pcrbatch/internal/cmd"
)

// Set by -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.SetVersionInfo(version, commit, buildDate)
	cmd.Execute(ctx)
}
