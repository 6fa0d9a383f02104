// The main package for the storewatch executable.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/JakeFAU/storewatch/cmd"
)

// main defers all execution to the Cobra CLI. SIGINT and SIGTERM cancel the
// command context so serve can drain gracefully.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.Execute(ctx)
}
