package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

const defaultTerminationGrace = 5 * time.Second

// ExecOptions configures command execution.
type ExecOptions struct {
	Dir     string   // Working directory; empty inherits the agent's
	Env     []string // Extra environment variables (KEY=VALUE)
	Timeout time.Duration
}

// ExecResult holds the outcome of a command that ran.
type ExecResult struct {
	// Output is stdout and stderr interleaved.
	Output   []byte
	ExitCode int
}

// CommandExecutor abstracts os/exec for testing.
type CommandExecutor interface {
	// Run executes a shell command line. A non-zero exit is an ExecResult,
	// not an error. Errors are *LaunchError, *TimeoutError or a cancelled
	// context.
	Run(ctx context.Context, commandLine string, opts ExecOptions) (*ExecResult, error)
}

// LaunchError means the command could not be started at all.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %q: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// TimeoutError means the command was stopped after exceeding its time limit.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %s", e.Command, e.Timeout)
}

// OSExecutor runs command lines through the platform shell.
type OSExecutor struct {
	// TerminationGrace is the time between the polite stop signal and the
	// kill when a command times out or is cancelled.
	TerminationGrace time.Duration
}

// Run implements CommandExecutor. On timeout or cancellation the partial
// output is returned alongside the error.
func (e *OSExecutor) Run(ctx context.Context, commandLine string, opts ExecOptions) (*ExecResult, error) {
	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	name, args := shellCommand(commandLine)
	cmd := exec.CommandContext(runCtx, name, args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if opts.Env != nil {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	configureProcess(cmd)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	grace := e.TerminationGrace
	if grace <= 0 {
		grace = defaultTerminationGrace
	}
	cmd.Cancel = func() error { return terminate(cmd) }
	cmd.WaitDelay = grace

	err := cmd.Run()
	result := &ExecResult{Output: output.Bytes()}

	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			return result, fmt.Errorf("command %q interrupted: %w", commandLine, ctx.Err())
		}
		return result, &TimeoutError{Command: commandLine, Timeout: opts.Timeout}
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		case errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil:
			// A background child kept the output pipe open after the shell exited.
			result.ExitCode = cmd.ProcessState.ExitCode()
			return result, nil
		}
		return nil, &LaunchError{Command: commandLine, Err: err}
	}
	return result, nil
}
