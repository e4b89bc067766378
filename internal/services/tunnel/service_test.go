package tunnel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fgeck/sqlrelay/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/ssh"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Mock implementations
type mockSSHClient struct {
	dialFunc func(network, addr string) (net.Conn, error)

	mu     sync.Mutex
	dialed []string
	closed atomic.Int32
}

func (m *mockSSHClient) Dial(network, addr string) (net.Conn, error) {
	m.mu.Lock()
	m.dialed = append(m.dialed, addr)
	m.mu.Unlock()
	if m.dialFunc != nil {
		return m.dialFunc(network, addr)
	}
	return echoConn(), nil
}

func (m *mockSSHClient) Close() error {
	m.closed.Add(1)
	return nil
}

func (m *mockSSHClient) dialedAddrs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.dialed...)
}

type mockClientFactory struct {
	newClientFunc func(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

func (m *mockClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	if m.newClientFunc != nil {
		return m.newClientFunc(network, addr, config)
	}
	return &mockSSHClient{}, nil
}

// echoConn returns one end of an in-memory pipe whose other end echoes.
func echoConn() net.Conn {
	client, server := net.Pipe()
	go func() {
		_, _ = io.Copy(server, server)
		_ = server.Close()
	}()
	return client
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// generateTestKey generates a valid ed25519 key for testing using crypto/ed25519.
func generateTestKey(t *testing.T) []byte {
	t.Helper()

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	pemBlock, err := ssh.MarshalPrivateKey(privateKey, "")
	require.NoError(t, err)

	return pem.EncodeToMemory(pemBlock)
}

func testConfig(t *testing.T) models.SSHConfig {
	return models.SSHConfig{
		Host:       "bastion.example.com",
		Port:       1192,
		Username:   "relay",
		PrivateKey: generateTestKey(t),
	}
}

func connectMock(t *testing.T, client *mockSSHClient) Session {
	t.Helper()

	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return client, nil
		},
	}
	sess, err := NewWithClientFactory(testLogger(), factory).Connect(context.Background(), testConfig(t))
	require.NoError(t, err)
	return sess
}

func roundTrip(t *testing.T, port int, payload string) string {
	t.Helper()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	return string(buf)
}

func TestConnect_Success(t *testing.T) {
	var capturedAddr string
	var capturedUser string

	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			capturedAddr = addr
			capturedUser = config.User
			return &mockSSHClient{}, nil
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)
	sess, err := svc.Connect(context.Background(), testConfig(t))

	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "bastion.example.com:1192", capturedAddr)
	assert.Equal(t, "relay", capturedUser)
	assert.NoError(t, sess.Close())
}

func TestConnect_ConnectionFailed(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return nil, errors.New("connection refused")
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)
	sess, err := svc.Connect(context.Background(), testConfig(t))

	require.Error(t, err)
	assert.Nil(t, sess)
	assert.Contains(t, err.Error(), "failed to connect")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestConnect_NoPrivateKey(t *testing.T) {
	svc := NewWithClientFactory(testLogger(), &mockClientFactory{})
	cfg := models.SSHConfig{
		Host:     "bastion.example.com",
		Port:     22,
		Username: "relay",
	}

	_, err := svc.Connect(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no private key")
}

func TestConnect_InvalidPrivateKey(t *testing.T) {
	svc := NewWithClientFactory(testLogger(), &mockClientFactory{})
	cfg := models.SSHConfig{
		Host:       "bastion.example.com",
		Port:       22,
		Username:   "relay",
		PrivateKey: []byte("invalid key"),
	}

	_, err := svc.Connect(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse private key")
}

func TestConnect_ContextCancelled(t *testing.T) {
	client := &mockSSHClient{}
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			// Simulate slow handshake
			time.Sleep(50 * time.Millisecond)
			return client, nil
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	sess, err := svc.Connect(ctx, testConfig(t))

	assert.Nil(t, sess)
	assert.Equal(t, context.DeadlineExceeded, err)

	// The late client is closed once the handshake finishes.
	assert.Eventually(t, func() bool { return client.closed.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestBuildConfig_WithKeyPath(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "test_key")
	require.NoError(t, os.WriteFile(keyPath, generateTestKey(t), 0o600))

	svc := NewWithClientFactory(testLogger(), &mockClientFactory{})
	sshConfig, err := svc.buildConfig(models.SSHConfig{
		Host:     "bastion.example.com",
		Port:     22,
		Username: "relay",
		KeyPath:  keyPath,
	})

	require.NoError(t, err)
	assert.Equal(t, "relay", sshConfig.User)
	assert.Equal(t, DefaultTimeout, sshConfig.Timeout)
}

func TestBuildConfig_KeyPathNotFound(t *testing.T) {
	svc := NewWithClientFactory(testLogger(), &mockClientFactory{})

	_, err := svc.buildConfig(models.SSHConfig{
		Username: "relay",
		KeyPath:  "/nonexistent/path/id_rsa",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read private key")
}

func TestBuildConfig_EncryptedKey(t *testing.T) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pemBlock, err := ssh.MarshalPrivateKeyWithPassphrase(privateKey, "", []byte("hunter2"))
	require.NoError(t, err)

	svc := NewWithClientFactory(testLogger(), &mockClientFactory{})
	cfg := models.SSHConfig{
		Username:   "relay",
		PrivateKey: pem.EncodeToMemory(pemBlock),
		Timeout:    5 * time.Second,
	}

	_, err = svc.buildConfig(cfg)
	require.Error(t, err)

	cfg.Passphrase = "hunter2"
	sshConfig, err := svc.buildConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, sshConfig.Timeout)
}

func TestForward_RelaysTraffic(t *testing.T) {
	client := &mockSSHClient{}
	sess := connectMock(t, client)
	defer sess.Close()

	tun, err := sess.Forward(models.Forward{RemoteHost: "redshift.internal", RemotePort: 5439})
	require.NoError(t, err)
	require.NotZero(t, tun.LocalPort())

	assert.Equal(t, "ping", roundTrip(t, tun.LocalPort(), "ping"))
	assert.Equal(t, []string{"redshift.internal:5439"}, client.dialedAddrs())
}

func TestForward_IndependentTunnels(t *testing.T) {
	client := &mockSSHClient{}
	sess := connectMock(t, client)
	defer sess.Close()

	first, err := sess.Forward(models.Forward{RemoteHost: "redshift.internal", RemotePort: 5439})
	require.NoError(t, err)
	second, err := sess.Forward(models.Forward{RemoteHost: "rds.internal", RemotePort: 3306})
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.NotEqual(t, first.LocalPort(), second.LocalPort())

	assert.Equal(t, "one", roundTrip(t, first.LocalPort(), "one"))
	assert.Equal(t, "two", roundTrip(t, second.LocalPort(), "two"))
	assert.Equal(t, []string{"redshift.internal:5439", "rds.internal:3306"}, client.dialedAddrs())

	// Closing one tunnel leaves the other serving.
	require.NoError(t, first.Close())
	assert.Equal(t, "still", roundTrip(t, second.LocalPort(), "still"))
}

func TestForward_FixedLocalPortInUse(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	sess := connectMock(t, &mockSSHClient{})
	defer sess.Close()

	port := busy.Addr().(*net.TCPAddr).Port
	_, err = sess.Forward(models.Forward{LocalPort: port, RemoteHost: "rds.internal", RemotePort: 3306})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}

func TestForward_RemoteDialFails(t *testing.T) {
	client := &mockSSHClient{
		dialFunc: func(network, addr string) (net.Conn, error) {
			return nil, errors.New("administratively prohibited")
		},
	}
	sess := connectMock(t, client)
	defer sess.Close()

	tun, err := sess.Forward(models.Forward{RemoteHost: "rds.internal", RemotePort: 3306})
	require.NoError(t, err)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(tun.LocalPort())))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// The local side is hung up when the channel cannot be opened.
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestForward_AfterClose(t *testing.T) {
	sess := connectMock(t, &mockSSHClient{})
	require.NoError(t, sess.Close())

	_, err := sess.Forward(models.Forward{RemoteHost: "rds.internal", RemotePort: 3306})

	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_CloseOnce(t *testing.T) {
	client := &mockSSHClient{}
	sess := connectMock(t, client)

	tun, err := sess.Forward(models.Forward{RemoteHost: "redshift.internal", RemotePort: 5439})
	require.NoError(t, err)
	port := tun.LocalPort()

	// Hold a channel open so Close must tear it down.
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	require.NoError(t, tun.Close())

	assert.Equal(t, int32(1), client.closed.Load())

	_, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	assert.Error(t, err)
}

// pendingDialClient blocks every Dial until Close, like an ssh.Client whose
// channel open is still unanswered by the bastion.
type pendingDialClient struct {
	dialing chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newPendingDialClient() *pendingDialClient {
	return &pendingDialClient{
		dialing: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (c *pendingDialClient) Dial(network, addr string) (net.Conn, error) {
	select {
	case c.dialing <- struct{}{}:
	default:
	}
	<-c.done
	return nil, errors.New("ssh: client closed")
}

func (c *pendingDialClient) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func TestSession_CloseWithPendingDial(t *testing.T) {
	client := newPendingDialClient()
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return client, nil
		},
	}
	sess, err := NewWithClientFactory(testLogger(), factory).Connect(context.Background(), testConfig(t))
	require.NoError(t, err)

	tun, err := sess.Forward(models.Forward{RemoteHost: "unreachable.internal", RemotePort: 5439})
	require.NoError(t, err)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(tun.LocalPort())))
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-client.dialing:
	case <-time.After(5 * time.Second):
		t.Fatal("forward never dialed the remote")
	}

	closed := make(chan error, 1)
	go func() { closed <- sess.Close() }()

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("session.Close blocked on a pending channel open")
	}
}
