package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
)

// transfer handles file operations over SFTP.
type transfer struct {
	client *Client
	config *Config
}

// Push uploads a local file to the remote host. Parent directories are
// created as needed. A non-zero mode is applied to the remote file, and
// the upload is verified against the local SHA256 checksum when the
// remote host can compute one.
func (c *Client) Push(ctx context.Context, localPath, remotePath string, mode os.FileMode) (*TransferResult, error) {
	if c.transfer == nil {
		return nil, &TransportError{
			Op:          "push",
			Err:         fmt.Errorf("not connected"),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	return c.transfer.push(ctx, localPath, remotePath, mode)
}

// Fetch downloads a remote file to the local filesystem. Parent
// directories of the local path are created as needed.
func (c *Client) Fetch(ctx context.Context, remotePath, localPath string) (*TransferResult, error) {
	if c.transfer == nil {
		return nil, &TransportError{
			Op:          "fetch",
			Err:         fmt.Errorf("not connected"),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	return c.transfer.fetch(ctx, remotePath, localPath)
}

func (t *transfer) push(ctx context.Context, localPath, remotePath string, mode os.FileMode) (*TransferResult, error) {
	startedAt := time.Now()

	t.client.logger.WithFields(map[string]interface{}{
		"local":  localPath,
		"remote": remotePath,
	}).Debug("pushing file")

	local, err := os.Open(localPath)
	if err != nil {
		return nil, &TransportError{
			Op:          "push",
			Err:         fmt.Errorf("failed to open local file: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	defer local.Close()

	sftpClient, err := t.newSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return nil, &TransportError{
				Op:          "push",
				Err:         fmt.Errorf("failed to create remote directory %s: %w", dir, err),
				IsTemporary: true,
				IsAuthError: false,
			}
		}
	}

	remote, err := sftpClient.Create(remotePath)
	if err != nil {
		return nil, &TransportError{
			Op:          "push",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer remote.Close()

	hash := sha256.New()
	written, err := copyWithContext(ctx, io.MultiWriter(remote, hash), local)
	if err != nil {
		return nil, &TransportError{
			Op:          "push",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, mode); err != nil {
			return nil, &TransportError{
				Op:          "push",
				Err:         fmt.Errorf("failed to set mode %o on %s: %w", mode, remotePath, err),
				IsTemporary: false,
				IsAuthError: false,
			}
		}
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	if err := t.verifyChecksum(ctx, remotePath, checksum); err != nil {
		return nil, err
	}

	return &TransferResult{
		Bytes:    written,
		Checksum: checksum,
		Duration: time.Since(startedAt),
	}, nil
}

func (t *transfer) fetch(ctx context.Context, remotePath, localPath string) (*TransferResult, error) {
	startedAt := time.Now()

	t.client.logger.WithFields(map[string]interface{}{
		"remote": remotePath,
		"local":  localPath,
	}).Debug("fetching file")

	sftpClient, err := t.newSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	remote, err := sftpClient.Open(remotePath)
	if err != nil {
		return nil, &TransportError{
			Op:          "fetch",
			Err:         fmt.Errorf("failed to open remote file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer remote.Close()

	if dir := filepath.Dir(localPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &TransportError{
				Op:          "fetch",
				Err:         fmt.Errorf("failed to create local directory: %w", err),
				IsTemporary: false,
				IsAuthError: false,
			}
		}
	}

	local, err := os.Create(localPath)
	if err != nil {
		return nil, &TransportError{
			Op:          "fetch",
			Err:         fmt.Errorf("failed to create local file: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	defer local.Close()

	hash := sha256.New()
	written, err := copyWithContext(ctx, io.MultiWriter(local, hash), remote)
	if err != nil {
		return nil, &TransportError{
			Op:          "fetch",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	return &TransferResult{
		Bytes:    written,
		Checksum: hex.EncodeToString(hash.Sum(nil)),
		Duration: time.Since(startedAt),
	}, nil
}

// newSFTPClient opens an SFTP session on the current connection.
func (t *transfer) newSFTPClient() (*sftp.Client, error) {
	sshClient, err := t.client.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	return sftpClient, nil
}

// verifyChecksum compares the remote file's SHA256 against the expected
// value. Hosts without sha256sum skip verification.
func (t *transfer) verifyChecksum(ctx context.Context, remotePath, expected string) error {
	result, err := t.client.RunCommand(ctx, "sha256sum "+shellQuote(remotePath), nil)
	if err != nil || result.ExitCode != 0 {
		t.client.logger.WithField("path", remotePath).Debug("remote checksum unavailable, skipping verification")
		return nil
	}

	fields := strings.Fields(result.Stdout)
	if len(fields) == 0 {
		return nil
	}

	if fields[0] != expected {
		return &TransportError{
			Op:          "push",
			Err:         fmt.Errorf("checksum mismatch for %s: local %s, remote %s", remotePath, expected, fields[0]),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	return nil
}

// copyWithContext copies data in chunks, checking for cancellation
// between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return written, writeErr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}
