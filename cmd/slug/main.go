package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"slug/internal/services"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command error to the process exit status. A port that
// cannot be bound exits 2 so wrappers can retry on another port.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, services.ErrPortBind):
		return 2
	default:
		return 1
	}
}
