// Package tunnel provides SSH local port-forwarding through a bastion host.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fgeck/sqlrelay/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// DefaultTimeout bounds the SSH handshake when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// ErrSessionClosed is returned when forwarding on a closed session.
var ErrSessionClosed = errors.New("ssh session closed")

// Service defines the interface for tunnel operations.
type Service interface {
	Connect(ctx context.Context, cfg models.SSHConfig) (Session, error)
}

// Session is an authenticated SSH connection that can carry forwards.
type Session interface {
	Forward(fwd models.Forward) (Tunnel, error)
	Close() error
}

// Tunnel is a local listener relaying connections to a remote endpoint.
type Tunnel interface {
	LocalPort() int
	Close() error
}

// SSHClient wraps ssh.Client for mocking.
type SSHClient interface {
	Dial(network, addr string) (net.Conn, error)
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient creates a new SSH client.
func (f *DefaultClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Impl implements the tunnel Service interface.
type Impl struct {
	clientFactory ClientFactory
	logger        zerolog.Logger
}

// New creates a new tunnel service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		clientFactory: &DefaultClientFactory{},
		logger:        logger,
	}
}

// NewWithClientFactory creates a new tunnel service with a custom client factory (for testing).
func NewWithClientFactory(logger zerolog.Logger, factory ClientFactory) *Impl {
	return &Impl{
		clientFactory: factory,
		logger:        logger,
	}
}

func (s *Impl) buildConfig(cfg models.SSHConfig) (*ssh.ClientConfig, error) {
	var key []byte
	var err error

	// Load private key from file or use provided key
	if len(cfg.PrivateKey) > 0 {
		key = cfg.PrivateKey
	} else if cfg.KeyPath != "" {
		key, err = os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", cfg.KeyPath, err)
		}
	} else {
		return nil, fmt.Errorf("no private key provided")
	}

	var signer ssh.Signer
	if cfg.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(cfg.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	return &ssh.ClientConfig{
		User: cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // bastion host keys are not pinned
		Timeout:         timeout,
	}, nil
}

type dialResult struct {
	client SSHClient
	err    error
}

// Connect opens an authenticated SSH session to the bastion.
func (s *Impl) Connect(ctx context.Context, cfg models.SSHConfig) (Session, error) {
	s.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("user", cfg.Username).
		Msg("opening SSH session")

	sshConfig, err := s.buildConfig(cfg)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	clientChan := make(chan dialResult, 1)
	go func() {
		client, err := s.clientFactory.NewClient("tcp", addr, sshConfig)
		clientChan <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		// Reap a handshake that completes after cancellation.
		go func() {
			if res := <-clientChan; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-clientChan:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, res.err)
		}
		s.logger.Debug().Str("addr", addr).Msg("SSH session established")
		return &session{
			client: res.client,
			addr:   addr,
			logger: s.logger.With().Str("bastion", addr).Logger(),
		}, nil
	}
}

type session struct {
	client SSHClient
	addr   string
	logger zerolog.Logger

	mu      sync.Mutex
	closed  bool
	tunnels []*tunnel

	closeOnce sync.Once
	closeErr  error
}

// Forward binds 127.0.0.1:LocalPort and relays every accepted connection
// to RemoteHost:RemotePort through the SSH connection.
func (s *session) Forward(fwd models.Forward) (Tunnel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	localAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(fwd.LocalPort))
	remoteAddr := net.JoinHostPort(fwd.RemoteHost, strconv.Itoa(fwd.RemotePort))

	listener, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", localAddr, err)
	}

	t := &tunnel{
		listener: listener,
		client:   s.client,
		remote:   remoteAddr,
		logger:   s.logger.With().Str("remote", remoteAddr).Logger(),
		conns:    make(map[net.Conn]struct{}),
	}
	t.wg.Add(1)
	go t.serve()

	s.tunnels = append(s.tunnels, t)

	s.logger.Info().
		Int("local_port", t.LocalPort()).
		Str("remote", remoteAddr).
		Msg("port forward established")

	return t, nil
}

// Close stops every tunnel of the session and closes the SSH connection.
// Repeated calls return the first result.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		tunnels := s.tunnels
		s.mu.Unlock()

		var errs []error
		for _, t := range tunnels {
			if err := t.stop(); err != nil {
				errs = append(errs, err)
			}
		}
		// Closing the client unblocks handlers waiting on a channel open.
		if err := s.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing SSH client: %w", err))
		}
		for _, t := range tunnels {
			t.wait()
		}
		s.closeErr = errors.Join(errs...)

		s.logger.Info().Int("tunnels", len(tunnels)).Msg("SSH session closed")
	})
	return s.closeErr
}
