// Package main implements the recordstore command line tool. Every command
// operates on one record set whose state is kept in the manifest database
// between runs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t := newTool(ctx)
	err := t.Root.Execute()
	if cerr := t.close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "recordstore: %v\n", err)
		os.Exit(1)
	}
}
