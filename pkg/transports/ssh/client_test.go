package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/piwi3910/cascade/pkg/telemetry"
)

const (
	testUser     = "testuser"
	testPassword = "testpass"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: filepath.Join(t.TempDir(), "ssh-test.log"),
	})
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}
	return logger
}

// testSSHServer is an in-process SSH server. Exec requests run for real
// through /bin/sh and the sftp subsystem serves the local filesystem,
// so tests exercise genuine round trips.
type testSSHServer struct {
	listener net.Listener
	addr     string
	ctx      context.Context
	cancel   context.CancelFunc
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	hostSigner := generateTestSigner(t)

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == testUser && string(password) == testPassword {
				return nil, nil
			}
			return nil, errors.New("invalid credentials")
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &testSSHServer{
		listener: listener,
		addr:     listener.Addr().String(),
		ctx:      ctx,
		cancel:   cancel,
	}

	go server.serve(config)
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) close() {
	s.cancel()
	_ = s.listener.Close()
}

func (s *testSSHServer) serve(config *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, config)
	}
}

func (s *testSSHServer) handleConn(conn net.Conn, config *ssh.ServerConfig) {
	serverConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer serverConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, requests)
	}
}

func (s *testSSHServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:])
			_ = req.Reply(true, nil)
			s.runCommand(channel, command)
			return

		case "subsystem":
			if string(req.Payload[4:]) == "sftp" {
				_ = req.Reply(true, nil)
				server, err := sftp.NewServer(channel)
				if err != nil {
					return
				}
				_ = server.Serve()
				return
			}
			_ = req.Reply(false, nil)

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) runCommand(channel ssh.Channel, command string) {
	cmd := exec.CommandContext(s.ctx, "/bin/sh", "-c", command)
	cmd.Stdout = channel
	cmd.Stderr = channel.Stderr()

	exitCode := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 127
		}
	}

	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(exitCode))
	_, _ = channel.SendRequest("exit-status", false, payload)
}

func generateTestSigner(t *testing.T) ssh.Signer {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}
	return signer
}

func generateTestKeyFile(t *testing.T) string {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	block, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("Failed to marshal key: %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("Failed to write key: %v", err)
	}
	return keyPath
}

func testClientConfig(t *testing.T, server *testSSHServer) *Config {
	t.Helper()

	host, portStr, err := net.SplitHostPort(server.addr)
	if err != nil {
		t.Fatalf("Failed to parse server address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Failed to parse server port: %v", err)
	}

	return &Config{
		Host:                  host,
		Port:                  port,
		User:                  testUser,
		AuthMethod:            AuthMethodPassword,
		Password:              testPassword,
		StrictHostKeyChecking: false,
		ConnectionTimeout:     5 * time.Second,
		CommandTimeout:        30 * time.Second,
	}
}

func newConnectedClient(t *testing.T, server *testSSHServer) *Client {
	t.Helper()

	client, err := NewClient(testClientConfig(t, server), testLogger(t))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := newConnectedClient(t, server)

	if !client.IsConnected() {
		t.Error("Expected client to be connected")
	}
}

func TestClientConnect_Idempotent(t *testing.T) {
	server := newTestSSHServer(t)
	client := newConnectedClient(t, server)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Expected second connect to succeed, got %v", err)
	}
	if !client.IsConnected() {
		t.Error("Expected client to stay connected")
	}
}

func TestClientConnect_BadPassword(t *testing.T) {
	server := newTestSSHServer(t)

	config := testClientConfig(t, server)
	config.Password = "wrong"

	client, err := NewClient(config, testLogger(t))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	if err == nil {
		t.Fatal("Expected connect to fail with bad password")
	}

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Expected TransportError, got %T", err)
	}
	if transportErr.Op != "connect" {
		t.Errorf("Expected op connect, got %s", transportErr.Op)
	}
}

func TestClientConnect_KeyAuth(t *testing.T) {
	server := newTestSSHServer(t)

	config := testClientConfig(t, server)
	config.AuthMethod = AuthMethodKey
	config.Password = ""
	config.PrivateKeyPath = generateTestKeyFile(t)

	client, err := NewClient(config, testLogger(t))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Expected key auth to succeed, got %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("Expected client to be connected")
	}
}

func TestClientHealthCheck(t *testing.T) {
	server := newTestSSHServer(t)
	client := newConnectedClient(t, server)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("Expected health check to pass, got %v", err)
	}
}

func TestClientHealthCheck_NotConnected(t *testing.T) {
	server := newTestSSHServer(t)

	client, err := NewClient(testClientConfig(t, server), testLogger(t))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	err = client.HealthCheck(context.Background())
	if err == nil {
		t.Fatal("Expected health check to fail when not connected")
	}

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Expected TransportError, got %T", err)
	}
	if transportErr.IsTemporary {
		t.Error("Expected not-connected error to be permanent")
	}
}

func TestClientClose(t *testing.T) {
	server := newTestSSHServer(t)
	client := newConnectedClient(t, server)

	if err := client.Close(); err != nil {
		t.Fatalf("Expected close to succeed, got %v", err)
	}
	if client.IsConnected() {
		t.Error("Expected client to be disconnected after close")
	}

	// Closing again is a no-op
	if err := client.Close(); err != nil {
		t.Errorf("Expected second close to succeed, got %v", err)
	}
}

func TestClientConnectionInfo(t *testing.T) {
	server := newTestSSHServer(t)
	client := newConnectedClient(t, server)

	info := client.ConnectionInfo()
	if info.User != testUser {
		t.Errorf("Expected user %s, got %s", testUser, info.User)
	}
	if info.Host != "127.0.0.1" {
		t.Errorf("Expected host 127.0.0.1, got %s", info.Host)
	}
	if info.ConnectedAt.IsZero() {
		t.Error("Expected ConnectedAt to be set")
	}
}
