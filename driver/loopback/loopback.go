// Package loopback is an in-memory driver. A Network connects server
// drivers created by its Factory with Clients dialed through it; no sockets
// are opened. Clients act immediately, while the server side only observes
// their activity after Update, like a real driver scheduling its receive job.
package loopback

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/go-transport/driver"
	"github.com/cyberinferno/go-transport/safemap"
	"github.com/cyberinferno/go-transport/safeset"
	"github.com/cyberinferno/go-transport/transport"
)

// firstEphemeralPort is where automatically assigned ports start.
const firstEphemeralPort = 49152

// Options injects failures into drivers created by a Network.
type Options struct {
	// FailBind makes Bind fail.
	FailBind bool
	// FailListen makes Listen fail after a successful Bind.
	FailListen bool
	// SendError, when set, is consulted before every Send; a non-nil result is
	// returned and the payload is not delivered.
	SendError func(h driver.Handle, channel transport.Channel, payload []byte) error
}

// Network is an in-memory address space shared by drivers and clients.
type Network struct {
	listeners *safemap.SafeMap[netip.AddrPort, *Driver]
	bound     *safeset.SafeSet[netip.AddrPort]
	port      atomic.Uint32

	mu      sync.Mutex
	drivers []*Driver
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	n := &Network{
		listeners: safemap.NewSafeMap[netip.AddrPort, *Driver](),
		bound:     safeset.NewSafeSet[netip.AddrPort](),
	}
	n.port.Store(firstEphemeralPort - 1)
	return n
}

// Factory returns a driver.Factory producing drivers attached to n.
func (n *Network) Factory(opts Options) driver.Factory {
	return func(settings driver.NetworkSettings) (driver.Driver, error) {
		d := &Driver{
			network:  n,
			settings: settings,
			opts:     opts,
		}

		n.mu.Lock()
		n.drivers = append(n.drivers, d)
		n.mu.Unlock()

		return d, nil
	}
}

// Drivers returns every driver the network has created, oldest first.
func (n *Network) Drivers() []*Driver {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Driver(nil), n.drivers...)
}

// Last returns the most recently created driver, or nil.
func (n *Network) Last() *Driver {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.drivers) == 0 {
		return nil
	}

	return n.drivers[len(n.drivers)-1]
}

// Dial connects a new client to the driver listening on addr.
//
// Parameters:
//   - addr: The listening endpoint
//
// Returns:
//   - The connected client
//   - An error if nothing listens on addr
func (n *Network) Dial(addr netip.AddrPort) (*Client, error) {
	d, ok := n.listeners.Load(addr)
	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}

	c := &Client{
		local:     n.ephemeral(netip.AddrFrom4([4]byte{127, 0, 0, 1})),
		connected: true,
	}

	h, err := d.accept(c)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c.server = d
	c.handle = h
	return c, nil
}

func (n *Network) ephemeral(addr netip.Addr) netip.AddrPort {
	for {
		ep := netip.AddrPortFrom(addr, uint16(n.port.Add(1)))
		if n.bound.TryAdd(ep) {
			return ep
		}
	}
}
