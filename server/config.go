package server

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/cyberinferno/go-transport/queue"
	"github.com/cyberinferno/go-transport/relay"
	"github.com/cyberinferno/go-transport/transport"
)

// Config holds the settings of a Server.
type Config struct {
	// ListenEndpoint is bound in direct mode.
	ListenEndpoint netip.AddrPort
	// Protocol selects direct or relay binding.
	Protocol transport.ProtocolType
	// MaximumClients caps concurrently registered clients; 1..4095.
	MaximumClients int
	// MaxPayloadSize is the largest packet handed to the driver.
	MaxPayloadSize int
	// SendQueueCapacity is the byte capacity of each (client, channel) send queue.
	SendQueueCapacity int
	// HeartbeatTimeout is passed to the driver; 0 disables it.
	HeartbeatTimeout time.Duration
	// TickInterval is the period used by Run.
	TickInterval time.Duration
	// Relay is the initial relay descriptor; it can be replaced with
	// SetRelayServerData before starting.
	Relay relay.Descriptor
}

// DefaultConfig returns a Config listening on 0.0.0.0:7777 in direct mode.
//
// Returns:
//   - A Config with defaults: MaximumClients 4095, MaxPayloadSize 1400,
//     SendQueueCapacity 256 KiB, HeartbeatTimeout 30s, TickInterval 16ms
func DefaultConfig() Config {
	return Config{
		ListenEndpoint:    netip.AddrPortFrom(netip.IPv4Unspecified(), 7777),
		Protocol:          transport.DirectProtocol,
		MaximumClients:    transport.MaximumClientsLimit,
		MaxPayloadSize:    1400,
		SendQueueCapacity: 256 * 1024,
		HeartbeatTimeout:  30 * time.Second,
		TickInterval:      16 * time.Millisecond,
	}
}

// Validate checks the numeric bounds of c. Relay descriptors are checked at
// start time, since they may be supplied later.
//
// Returns:
//   - An error wrapping transport.ErrConfiguration, or nil
func (c Config) Validate() error {
	if err := validateMaximumClients(c.MaximumClients); err != nil {
		return err
	}

	if c.MaxPayloadSize <= queue.HeaderSize {
		return fmt.Errorf("%w: max payload size %d must exceed %d", transport.ErrConfiguration, c.MaxPayloadSize, queue.HeaderSize)
	}

	if c.SendQueueCapacity < c.MaxPayloadSize {
		return fmt.Errorf("%w: send queue capacity %d is below max payload size %d", transport.ErrConfiguration, c.SendQueueCapacity, c.MaxPayloadSize)
	}

	if c.Protocol != transport.DirectProtocol && c.Protocol != transport.RelayProtocol {
		return fmt.Errorf("%w: unsupported protocol %s", transport.ErrConfiguration, c.Protocol)
	}

	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", transport.ErrConfiguration)
	}

	if c.HeartbeatTimeout < 0 {
		return fmt.Errorf("%w: negative heartbeat timeout", transport.ErrConfiguration)
	}

	return nil
}

func validateMaximumClients(n int) error {
	if n < transport.MinimumClients || n > transport.MaximumClientsLimit {
		return fmt.Errorf("%w: maximum clients %d outside %d..%d",
			transport.ErrConfiguration, n, transport.MinimumClients, transport.MaximumClientsLimit)
	}

	return nil
}
