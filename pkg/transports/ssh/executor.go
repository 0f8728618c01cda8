package ssh

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// executor handles command execution over SSH.
type executor struct {
	client *Client
	config *Config
}

// RunCommand runs a command on the remote host. Extra environment
// variables are exported before the command runs. A non-zero exit code
// is reported in the result, not as an error.
func (c *Client) RunCommand(ctx context.Context, cmd string, env map[string]string) (*ExecResult, error) {
	if c.executor == nil {
		return nil, &TransportError{
			Op:          "exec",
			Err:         errors.New("not connected"),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	return c.executor.run(ctx, cmd, env)
}

// run is the internal implementation of command execution.
func (e *executor) run(ctx context.Context, cmd string, env map[string]string) (*ExecResult, error) {
	startedAt := time.Now()

	// Apply the configured command timeout unless the caller already
	// set a deadline.
	if _, ok := ctx.Deadline(); !ok && e.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.CommandTimeout)
		defer cancel()
	}

	e.client.logger.WithField("command", cmd).Debug("executing remote command")

	sshClient, err := e.client.getClient()
	if err != nil {
		return nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "exec",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(withEnv(cmd, env))
	}()

	select {
	case <-ctx.Done():
		// Graceful termination first, then force kill
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)

		return nil, &TransportError{
			Op:          "exec",
			Err:         ctx.Err(),
			IsTemporary: true,
			IsAuthError: false,
		}

	case err := <-doneChan:
		finishedAt := time.Now()
		result := &ExecResult{
			Stdout:     strings.TrimSpace(stdoutBuf.String()),
			Stderr:     strings.TrimSpace(stderrBuf.String()),
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
			Duration:   finishedAt.Sub(startedAt),
		}

		if err != nil {
			var exitErr *ssh.ExitError
			if !errors.As(err, &exitErr) {
				return nil, &TransportError{
					Op:          "exec",
					Err:         err,
					IsTemporary: true,
					IsAuthError: false,
				}
			}
			result.ExitCode = exitErr.ExitStatus()
		}

		e.client.logger.WithFields(map[string]interface{}{
			"exit_code": result.ExitCode,
			"duration":  result.Duration.String(),
		}).Debug("remote command finished")

		return result, nil
	}
}

// withEnv prefixes the command with exports for the given variables.
// Values are single-quoted so the remote shell does not expand them.
func withEnv(cmd string, env map[string]string) string {
	if len(env) == 0 {
		return cmd
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString("export ")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(shellQuote(env[k]))
		sb.WriteString("; ")
	}
	sb.WriteString(cmd)
	return sb.String()
}

// shellQuote wraps s in single quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
