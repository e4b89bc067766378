// Package wol wakes a sleeping bastion and waits for its SSH port.
package wol

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/fgeck/sqlrelay/internal/models"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// Defaults for an unset WakeConfig field.
const (
	DefaultBroadcastIP  = "255.255.255.255"
	DefaultTimeout      = 5 * time.Minute
	DefaultPollInterval = 10 * time.Second
)

// Service defines the interface for Wake-on-LAN operations.
type Service interface {
	Wake(ctx context.Context, cfg models.WakeConfig, host string, port int) (*models.WakeResult, error)
}

// Client wraps the wol library for mocking.
type Client interface {
	Wake(broadcastIP string, mac net.HardwareAddr) error
}

// Dialer probes the target port.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DefaultClient is the default implementation using mdlayher/wol.
type DefaultClient struct{}

// Wake sends a magic packet to the specified MAC address.
func (c *DefaultClient) Wake(broadcastIP string, mac net.HardwareAddr) error {
	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	ip := net.ParseIP(broadcastIP)
	if ip == nil {
		return fmt.Errorf("invalid broadcast IP: %s", broadcastIP)
	}

	if err := client.Wake(net.JoinHostPort(ip.String(), "9"), mac); err != nil {
		return fmt.Errorf("failed to send WOL packet: %w", err)
	}

	return nil
}

// Impl implements the WOL Service interface.
type Impl struct {
	wolClient Client
	dialer    Dialer
	logger    zerolog.Logger
}

// New creates a new WOL service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		wolClient: &DefaultClient{},
		dialer:    &net.Dialer{Timeout: 5 * time.Second},
		logger:    logger,
	}
}

// NewWithClients creates a new WOL service with custom clients (for testing).
func NewWithClients(logger zerolog.Logger, wolClient Client, dialer Dialer) *Impl {
	return &Impl{
		wolClient: wolClient,
		dialer:    dialer,
		logger:    logger,
	}
}

// Wake sends a magic packet and waits until host:port accepts TCP connections.
func (s *Impl) Wake(ctx context.Context, cfg models.WakeConfig, host string, port int) (*models.WakeResult, error) {
	result := &models.WakeResult{}
	start := time.Now()

	mac, err := net.ParseMAC(cfg.MACAddress)
	if err != nil {
		result.Error = fmt.Errorf("invalid MAC address %q: %w", cfg.MACAddress, err)
		return result, nil
	}

	broadcast := cfg.BroadcastIP
	if broadcast == "" {
		broadcast = DefaultBroadcastIP
	}

	s.logger.Info().
		Str("mac", cfg.MACAddress).
		Str("broadcast", broadcast).
		Msg("sending WOL packet")

	if err := s.wolClient.Wake(broadcast, mac); err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	result.PacketSent = true

	address := net.JoinHostPort(host, strconv.Itoa(port))
	s.logger.Info().
		Str("target", address).
		Dur("timeout", orDefault(cfg.Timeout, DefaultTimeout)).
		Msg("waiting for bastion to accept connections")

	if err := s.waitForTarget(ctx, cfg, address); err != nil {
		result.WaitDuration = time.Since(start)
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	if cfg.StabilizeWait > 0 {
		s.logger.Debug().Dur("wait", cfg.StabilizeWait).Msg("waiting for bastion to stabilize")
		select {
		case <-ctx.Done():
			result.WaitDuration = time.Since(start)
			result.Error = ctx.Err()
			return result, nil
		case <-time.After(cfg.StabilizeWait):
		}
	}

	result.TargetReady = true
	result.WaitDuration = time.Since(start)

	s.logger.Info().
		Dur("duration", result.WaitDuration).
		Msg("bastion is ready")

	return result, nil
}

func (s *Impl) waitForTarget(ctx context.Context, cfg models.WakeConfig, address string) error {
	deadline := time.Now().Add(orDefault(cfg.Timeout, DefaultTimeout))
	interval := orDefault(cfg.PollInterval, DefaultPollInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %s", address)
		}

		conn, err := s.dialer.DialContext(ctx, "tcp", address)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		s.logger.Debug().Err(err).Msg("bastion not ready yet")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
