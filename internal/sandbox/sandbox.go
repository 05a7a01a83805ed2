// Package sandbox runs shell commands for a session with its directory as the
// working directory. Every execution is bounded by a wall-clock timeout and
// captured output is capped.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

var (
	// ErrTimeout is returned when a command exceeds its wall-clock budget.
	// No partial output accompanies it.
	ErrTimeout = errors.New("command timed out")
	// ErrExecution wraps failures to launch or wait for a command.
	ErrExecution = errors.New("execution failed")
)

// Sandbox executes commands in an isolated environment.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the program and arguments to execute, e.g. ["/bin/sh", "-c", "ls -la"].
	Command []string

	// WorkingDir is the host directory the command runs in. Required.
	WorkingDir string

	// Env adds extra variables on top of the sandbox's minimal environment.
	Env map[string]string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use sandbox defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the sandboxed process.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// ExecutionResult captures the outcome of a command that ran to completion.
// A non-zero ExitCode is a result, not an error.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

const (
	// maxOutputBytes caps stdout and stderr each.
	maxOutputBytes = 1 << 20

	defaultTimeout    = 30 * time.Second
	defaultCPUSeconds = 60
	defaultMemoryMB   = 512

	// waitDelay bounds how long Wait blocks on pipes held open by orphaned
	// grandchildren after the command itself was killed.
	waitDelay = 2 * time.Second
)

func validate(req ExecutionRequest) error {
	if len(req.Command) == 0 {
		return fmt.Errorf("%w: empty command", ErrExecution)
	}
	if req.WorkingDir == "" {
		return fmt.Errorf("%w: no working directory", ErrExecution)
	}
	return nil
}

// interpret maps the error from cmd.Run to an exit code or a sandbox error.
func interpret(ctx context.Context, runErr error, timeout time.Duration) (int, error) {
	if runErr == nil {
		return 0, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return 0, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if ctx.Err() != nil {
		return 0, fmt.Errorf("%w: %v", ErrExecution, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("%w: %v", ErrExecution, runErr)
}

// limitedWriter stops storing after a byte limit. Excess data is discarded
// without failing the write so the child never sees EPIPE.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.remaining <= 0 {
		return n, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
