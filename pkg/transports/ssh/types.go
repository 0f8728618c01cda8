// Package ssh provides the SSH transport for stages that act on a
// remote deployment target.
package ssh

import (
	"time"
)

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port number
	Port int

	// User is the SSH username
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection was last used
	LastActivity time.Time
}

// ExecResult represents the result of a remote command execution.
// A non-zero exit code is reported here, not as an error; errors are
// reserved for failures to run the command at all.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// StartedAt is when the command started executing
	StartedAt time.Time

	// FinishedAt is when the command finished
	FinishedAt time.Time

	// Duration is the total execution time
	Duration time.Duration
}

// TransferResult represents the result of a file push.
type TransferResult struct {
	// Bytes is the number of bytes transferred
	Bytes int64

	// Checksum is the SHA256 checksum of the transferred file
	Checksum string

	// Duration is the time taken for the transfer
	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "push")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
