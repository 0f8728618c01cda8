// Package local provides the transport for stages that act on the host
// cascade itself runs on.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/piwi3910/cascade/pkg/telemetry"
)

// killGracePeriod is how long a timed-out process gets to exit after
// SIGTERM before the whole process group is killed.
const killGracePeriod = 2 * time.Second

// Command describes one local process invocation.
type Command struct {
	// Argv runs the program directly with the given arguments
	Argv []string

	// Script runs through the shell. Exactly one of Argv and Script
	// must be set.
	Script string

	// Dir is the working directory (default: inherit)
	Dir string

	// Env is appended to the parent environment
	Env map[string]string

	// Timeout bounds execution when the context has no deadline
	Timeout time.Duration
}

// Result represents the outcome of a local command. A non-zero exit
// code is reported here, not as an error; errors are reserved for
// failures to run the command at all.
type Result struct {
	// ExitCode is the command's exit code
	ExitCode int

	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// Duration is the total execution time
	Duration time.Duration
}

// Executor runs commands on the local host.
type Executor struct {
	shell  string
	logger *telemetry.Logger
}

// NewExecutor creates a local command executor.
func NewExecutor(logger *telemetry.Logger) *Executor {
	return &Executor{
		shell:  "/bin/sh",
		logger: logger.WithComponent("local-transport"),
	}
}

// Run executes the command and captures its output. The command runs
// in its own process group so a timeout kills any children it spawned,
// not just the leader.
func (e *Executor) Run(ctx context.Context, command Command) (*Result, error) {
	if command.Script != "" && len(command.Argv) > 0 {
		return nil, fmt.Errorf("command declares both argv and script")
	}
	if command.Script == "" && len(command.Argv) == 0 {
		return nil, fmt.Errorf("command declares neither argv nor script")
	}

	if _, ok := ctx.Deadline(); !ok && command.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, command.Timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	if command.Script != "" {
		cmd = exec.CommandContext(ctx, e.shell, "-c", command.Script)
	} else {
		cmd = exec.CommandContext(ctx, command.Argv[0], command.Argv[1:]...)
	}

	cmd.Dir = command.Dir
	cmd.Env = mergedEnv(command.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Graceful termination first, then force kill the group
		pgid := cmd.Process.Pid
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
			return err
		}
		time.AfterFunc(killGracePeriod, func() {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		})
		return nil
	}
	cmd.WaitDelay = killGracePeriod + time.Second

	e.logger.WithField("command", cmd.String()).Debug("executing local command")

	startedAt := time.Now()
	err := cmd.Run()
	duration := time.Since(startedAt)

	result := &Result{
		Stdout:   strings.TrimSpace(stdoutBuf.String()),
		Stderr:   strings.TrimSpace(stderrBuf.String()),
		Duration: duration,
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("command timed out after %s: %w", duration.Round(time.Millisecond), ctx.Err())
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	e.logger.WithFields(map[string]interface{}{
		"exit_code": result.ExitCode,
		"duration":  result.Duration.String(),
	}).Debug("local command finished")

	return result, nil
}

// mergedEnv appends the extra variables to the parent environment in
// sorted order. Later entries win, so extras override inherited values.
func mergedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	merged := os.Environ()
	for _, k := range keys {
		merged = append(merged, k+"="+env[k])
	}
	return merged
}
