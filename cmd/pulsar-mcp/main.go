// Package main is the entry point for the pulsar-mcp router.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/milkymap/pulsar-mcp/cmd/pulsar-mcp/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	os.Exit(app.Run(ctx))
}
