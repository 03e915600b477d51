// Package driver defines the boundary between the server transport and the
// unreliable-datagram engine underneath it. A Driver binds and listens on an
// endpoint, owns the per-connection handles, and reports connection, data and
// disconnect events that the server drains once per tick.
package driver

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/cyberinferno/go-transport/relay"
	"github.com/cyberinferno/go-transport/transport"
)

var (
	// ErrUnknownConnection is returned for handles the driver does not own.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrConnectionClosed is returned when sending on a disconnected handle.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotListening is returned when an operation requires a listening driver.
	ErrNotListening = errors.New("driver not listening")

	// ErrDisposed is returned for any operation on a disposed driver.
	ErrDisposed = errors.New("driver disposed")
)

// Handle is the driver's identifier for one live connection. Slots are
// recycled, so Generation distinguishes a reused slot from its predecessor.
type Handle struct {
	Index      uint32
	Generation uint32
}

// String returns "index:generation".
func (h Handle) String() string {
	return fmt.Sprintf("%d:%d", h.Index, h.Generation)
}

// ConnectionState is the driver-level state of a handle.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Unknown handle or connection gone
	Connecting                          // Handshake in progress
	Connected                           // Established
)

// String returns a human-readable name for the connection state.
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// EventType enumerates the events a driver reports.
type EventType int

const (
	IncomingConnection EventType = iota + 1 // A remote peer connected
	Disconnect                              // A remote peer disconnected or timed out
	Data                                    // A payload arrived on a channel
)

// String returns a human-readable name for the event type.
func (t EventType) String() string {
	switch t {
	case IncomingConnection:
		return "IncomingConnection"
	case Disconnect:
		return "Disconnect"
	case Data:
		return "Data"
	default:
		return "Unknown"
	}
}

// Event is one entry of the driver's event stream.
type Event struct {
	Type    EventType
	Handle  Handle
	Channel transport.Channel
	Payload []byte
}

// NetworkSettings configures a driver at creation time.
type NetworkSettings struct {
	// MaxPayloadSize is the largest payload a single Send may carry.
	MaxPayloadSize int
	// HeartbeatTimeout disconnects peers that stay silent longer than this; 0 disables it.
	HeartbeatTimeout time.Duration
	// Relay is set only in relay mode.
	Relay *relay.Descriptor
}

// Driver is the unreliable-datagram engine consumed by the server. All
// methods are called from the server's processing turn; implementations that
// read from the network on other goroutines must hand events over through
// Update.
type Driver interface {
	// Bind binds the driver to endpoint.
	Bind(endpoint netip.AddrPort) error

	// Listen starts accepting connections on the bound endpoint.
	Listen() error

	// Bound reports whether Bind succeeded.
	Bound() bool

	// Listening reports whether Listen succeeded.
	Listening() bool

	// Update collects the network activity since the previous call and makes
	// it available through PopEvent.
	Update() error

	// PopEvent removes and returns the oldest pending event.
	PopEvent() (Event, bool)

	// ConnectionState returns the state of h, Disconnected for unknown handles.
	ConnectionState(h Handle) ConnectionState

	// RemoteEndpoint returns the peer address of h.
	RemoteEndpoint(h Handle) (netip.AddrPort, error)

	// Send transmits payload to h on channel.
	Send(h Handle, channel transport.Channel, payload []byte) error

	// Disconnect closes h locally and notifies the peer.
	Disconnect(h Handle) error

	// Dispose releases every resource held by the driver.
	Dispose() error
}

// Factory creates a driver for the given settings.
type Factory func(settings NetworkSettings) (Driver, error)

// AnyIPv4 returns the wildcard IPv4 endpoint on port.
func AnyIPv4(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.IPv4Unspecified(), port)
}
