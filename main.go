// The main package for the folderstats executable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/JakeFAU/bucket-folder-stats/cmd"
)

// main defers all execution to the Cobra CLI. SIGINT and SIGTERM cancel the
// context, which stops a running crawl so it can resume later.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "folderstats: %v\n", err)
		stop()
		os.Exit(1)
	}
}
