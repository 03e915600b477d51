package loopback

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/cyberinferno/go-transport/driver"
	"github.com/cyberinferno/go-transport/transport"
)

// Packet is one payload delivered to a Client.
type Packet struct {
	Channel transport.Channel
	Payload []byte
}

// Client is the remote end of a loopback connection.
type Client struct {
	local  netip.AddrPort
	server *Driver
	handle driver.Handle

	mu        sync.Mutex
	connected bool
	received  []Packet
}

// LocalEndpoint returns the client's address as seen by the server.
func (c *Client) LocalEndpoint() netip.AddrPort {
	return c.local
}

// Handle returns the server-side handle of this client.
func (c *Client) Handle() driver.Handle {
	return c.handle
}

// Connected reports whether the connection is still open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send transmits payload to the server on channel.
func (c *Client) Send(channel transport.Channel, payload []byte) error {
	if !c.Connected() {
		return fmt.Errorf("client %s: %w", c.local, driver.ErrConnectionClosed)
	}

	return c.server.receive(c.handle, channel, payload)
}

// Close hangs up. The server sees a Disconnect event on its next Update.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()

	c.server.remoteClose(c.handle)
	c.server.network.bound.Remove(c.local)
}

// Received returns a copy of every packet delivered so far.
func (c *Client) Received() []Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Packet(nil), c.received...)
}

func (c *Client) deliver(channel transport.Channel, payload []byte) {
	data := make([]byte, len(payload))
	copy(data, payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, Packet{Channel: channel, Payload: data})
}

func (c *Client) markClosed() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.server.network.bound.Remove(c.local)
}
