package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// Invocation is one module process launch.
type Invocation struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	Stdout  io.Writer
	Stderr  io.Writer
	Timeout time.Duration
}

// Executor abstracts process execution for testability.
type Executor interface {
	// Run starts the process and waits for it. A timeout is reported as an
	// error wrapping context.DeadlineExceeded.
	Run(ctx context.Context, inv Invocation) (exitCode int, err error)
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, inv Invocation) (int, error) {
	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, inv.Command, inv.Args...) //nolint:gosec
	cmd.Env = inv.Env
	cmd.Dir = inv.Dir
	cmd.Stdout = inv.Stdout
	cmd.Stderr = inv.Stderr
	cmd.WaitDelay = 5 * time.Second
	configureProcessGroup(cmd)

	err := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return -1, fmt.Errorf("module exceeded %s: %w", inv.Timeout, context.DeadlineExceeded)
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), fmt.Errorf("module exited with status %d", exitErr.ExitCode())
	}
	return -1, fmt.Errorf("start module: %w", err)
}
