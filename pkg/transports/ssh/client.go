package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/piwi3910/cascade/pkg/telemetry"
)

// Client manages one SSH connection to a deployment target.
type Client struct {
	config *Config
	logger *telemetry.Logger

	connMu      sync.RWMutex
	client      *ssh.Client
	authCleanup func() error
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time

	// Executor for command execution
	executor *executor

	// File transfer handler
	transfer *transfer
}

// NewClient creates a new SSH transport client for the target.
func NewClient(config *Config, logger *telemetry.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		config: config,
		logger: logger.WithComponent("ssh-transport").WithField("target", config.Address()),
	}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		// Already connected, verify connection is still alive
		if err := c.healthCheckLocked(); err == nil {
			return nil
		}
		// Connection is dead, close it and reconnect
		c.logger.Warn("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, cleanup, err := c.config.ClientConfig()
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: false,
			IsAuthError: true,
		}
	}

	address := c.config.Address()
	c.logger.Debug("establishing SSH connection")

	// Dial in a goroutine so the context deadline is honored
	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		if cleanup != nil {
			_ = cleanup()
		}
		return &TransportError{
			Op:          "connect",
			Err:         ctx.Err(),
			IsTemporary: true,
			IsAuthError: false,
		}
	case err := <-errChan:
		if cleanup != nil {
			_ = cleanup()
		}
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	case client := <-connChan:
		c.client = client
		c.authCleanup = cleanup
		c.isConnected = true
		c.connectedAt = time.Now()
		c.lastUsedAt = time.Now()

		c.executor = &executor{
			client: c,
			config: c.config,
		}
		c.transfer = &transfer{
			client: c,
			config: c.config,
		}

		if c.config.KeepAliveInterval > 0 {
			go c.keepAlive()
		}

		c.logger.Info("SSH connection established")
		return nil
	}
}

// Close shuts down the SSH connection and releases all resources.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	c.logger.Debug("closing SSH connection")

	err := c.closeLocked()
	if err != nil {
		return &TransportError{
			Op:          "close",
			Err:         err,
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	return nil
}

// closeLocked tears down the connection. Callers must hold connMu.
func (c *Client) closeLocked() error {
	var err error
	if c.client != nil {
		err = c.client.Close()
	}
	if c.authCleanup != nil {
		_ = c.authCleanup()
	}
	c.client = nil
	c.authCleanup = nil
	c.isConnected = false
	return err
}

// IsConnected returns true if the client has an active connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &TransportError{
			Op:          "healthcheck",
			Err:         fmt.Errorf("not connected"),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	return c.healthCheckLocked()
}

// healthCheckLocked performs the actual health check. Callers must hold connMu.
func (c *Client) healthCheckLocked() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &TransportError{
			Op:          "healthcheck",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{
			Op:          "healthcheck",
			Err:         err,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	return nil
}

// keepAlive sends periodic keep-alive messages on the connection.
func (c *Client) keepAlive() {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.connMu.RLock()
		client := c.client
		connected := c.isConnected
		c.connMu.RUnlock()

		if !connected || client == nil {
			return
		}

		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		if err != nil {
			c.logger.WithError(err).Warn("keep-alive failed, connection may be dead")
			return
		}

		c.connMu.Lock()
		c.lastUsedAt = time.Now()
		c.connMu.Unlock()
	}
}

// ConnectionInfo returns information about the current connection.
func (c *Client) ConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// getClient returns the underlying SSH client for executor and transfer use.
func (c *Client) getClient() (*ssh.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil, &TransportError{
			Op:          "session",
			Err:         fmt.Errorf("not connected"),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	c.lastUsedAt = time.Now()
	return c.client, nil
}
