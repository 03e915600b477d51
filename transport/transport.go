// Package transport defines the shared vocabulary of the server transport:
// local and remote connection states, delivery channels, protocol modes, and
// the error taxonomy returned by every server operation.
package transport

import (
	"fmt"
	"strings"
)

// ClientID identifies a remote connection for the lifetime of one session.
// IDs are unique among concurrently connected clients and may be reused once
// a session has been fully torn down.
type ClientID uint32

// LocalConnectionState is the lifecycle state of the server itself.
type LocalConnectionState int

const (
	Stopped  LocalConnectionState = iota // Not running; the driver is not created
	Starting                             // Bind and listen in progress
	Started                              // Listening and accepting connections
	Stopping                             // Tearing down the driver and all clients
)

// String returns a human-readable name for the local connection state.
func (s LocalConnectionState) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Starting:
		return "Starting"
	case Started:
		return "Started"
	case Stopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// RemoteConnectionState is the state of a remote client as reported upstream.
type RemoteConnectionState int

const (
	RemoteStopped RemoteConnectionState = iota // Client disconnected or was removed
	RemoteStarted                              // Client admitted and registered
)

// String returns a human-readable name for the remote connection state.
func (s RemoteConnectionState) String() string {
	switch s {
	case RemoteStopped:
		return "Stopped"
	case RemoteStarted:
		return "Started"
	default:
		return "Unknown"
	}
}

// Channel is a logical sub-stream multiplexed over one connection.
type Channel uint8

const (
	Reliable   Channel = iota // Ordered, guaranteed delivery; messages may span packets
	Unreliable                // Best effort; every packet carries whole messages
)

// ChannelCount is the number of channels every client owns.
const ChannelCount = 2

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c < ChannelCount
}

// String returns a human-readable name for the channel.
func (c Channel) String() string {
	switch c {
	case Reliable:
		return "reliable"
	case Unreliable:
		return "unreliable"
	default:
		return "unknown"
	}
}

// ProtocolType selects how the server binds.
type ProtocolType int

const (
	DirectProtocol ProtocolType = iota // Bind and listen on a local endpoint
	RelayProtocol                      // Bind through a relay allocation
)

// String returns the configuration name of the protocol type.
func (p ProtocolType) String() string {
	switch p {
	case DirectProtocol:
		return "direct"
	case RelayProtocol:
		return "relay"
	default:
		return "unknown"
	}
}

// ParseProtocol maps a configuration name back to a ProtocolType.
func ParseProtocol(name string) (ProtocolType, error) {
	switch strings.ToLower(name) {
	case "", "direct":
		return DirectProtocol, nil
	case "relay":
		return RelayProtocol, nil
	default:
		return DirectProtocol, fmt.Errorf("%w: unknown protocol %q", ErrConfiguration, name)
	}
}

// MinimumClients and MaximumClientsLimit bound the MaximumClients setting.
const (
	MinimumClients      = 1
	MaximumClientsLimit = 4095
)
