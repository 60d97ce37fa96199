// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command c2d runs the C2 control plane and drives it from the shell.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "c2d:", err)
		stop()
		os.Exit(1)
	}
}
