package loopback

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/cyberinferno/go-transport/driver"
	"github.com/cyberinferno/go-transport/transport"
)

type connection struct {
	generation uint32
	state      driver.ConnectionState
	client     *Client
}

// Driver is the server side of a loopback connection set. It implements
// driver.Driver.
type Driver struct {
	network  *Network
	settings driver.NetworkSettings
	opts     Options

	mu        sync.Mutex
	local     netip.AddrPort
	bound     bool
	listening bool
	disposed  bool
	bindCalls int
	slots     []*connection
	free      []uint32
	inbox     []driver.Event
	events    []driver.Event
}

// Settings returns the settings the driver was created with.
func (d *Driver) Settings() driver.NetworkSettings {
	return d.settings
}

// LocalEndpoint returns the bound endpoint.
func (d *Driver) LocalEndpoint() netip.AddrPort {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.local
}

// BindCalls returns how many times Bind was invoked.
func (d *Driver) BindCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bindCalls
}

// Disposed reports whether Dispose has run.
func (d *Driver) Disposed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disposed
}

// Bind implements driver.Driver. Port 0 selects an ephemeral port.
func (d *Driver) Bind(endpoint netip.AddrPort) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.bindCalls++
	switch {
	case d.disposed:
		return driver.ErrDisposed
	case d.bound:
		return fmt.Errorf("already bound to %s", d.local)
	case d.opts.FailBind:
		return fmt.Errorf("bind %s: injected failure", endpoint)
	}

	if endpoint.Port() == 0 {
		endpoint = d.network.ephemeral(endpoint.Addr())
	} else if !d.network.bound.TryAdd(endpoint) {
		return fmt.Errorf("bind %s: address already in use", endpoint)
	}

	d.local = endpoint
	d.bound = true
	return nil
}

// Listen implements driver.Driver.
func (d *Driver) Listen() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.disposed:
		return driver.ErrDisposed
	case !d.bound:
		return fmt.Errorf("listen: driver not bound")
	case d.opts.FailListen:
		return fmt.Errorf("listen %s: injected failure", d.local)
	}

	d.network.listeners.Store(d.local, d)
	d.listening = true
	return nil
}

// Bound implements driver.Driver.
func (d *Driver) Bound() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bound
}

// Listening implements driver.Driver.
func (d *Driver) Listening() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listening
}

// Update implements driver.Driver by publishing everything clients did
// since the previous call.
func (d *Driver) Update() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disposed {
		return driver.ErrDisposed
	}

	d.events = append(d.events, d.inbox...)
	d.inbox = nil
	return nil
}

// PopEvent implements driver.Driver.
func (d *Driver) PopEvent() (driver.Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.events) == 0 {
		return driver.Event{}, false
	}

	ev := d.events[0]
	d.events = d.events[1:]
	return ev, true
}

// ConnectionState implements driver.Driver.
func (d *Driver) ConnectionState(h driver.Handle) driver.ConnectionState {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c := d.lookup(h); c != nil {
		return c.state
	}

	return driver.Disconnected
}

// RemoteEndpoint implements driver.Driver.
func (d *Driver) RemoteEndpoint(h driver.Handle) (netip.AddrPort, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.lookup(h)
	if c == nil {
		return netip.AddrPort{}, fmt.Errorf("handle %s: %w", h, driver.ErrUnknownConnection)
	}

	return c.client.local, nil
}

// Send implements driver.Driver. The payload is copied.
func (d *Driver) Send(h driver.Handle, channel transport.Channel, payload []byte) error {
	d.mu.Lock()
	c := d.lookup(h)
	if c == nil {
		d.mu.Unlock()
		return fmt.Errorf("send to %s: %w", h, driver.ErrConnectionClosed)
	}

	if d.opts.SendError != nil {
		if err := d.opts.SendError(h, channel, payload); err != nil {
			d.mu.Unlock()
			return err
		}
	}

	client := c.client
	d.mu.Unlock()

	client.deliver(channel, payload)
	return nil
}

// Disconnect implements driver.Driver. The peer observes the disconnect
// immediately; no event is raised locally.
func (d *Driver) Disconnect(h driver.Handle) error {
	d.mu.Lock()
	c := d.lookup(h)
	if c == nil {
		d.mu.Unlock()
		return fmt.Errorf("disconnect %s: %w", h, driver.ErrUnknownConnection)
	}

	client := c.client
	d.release(h)
	d.mu.Unlock()

	client.markClosed()
	return nil
}

// Dispose implements driver.Driver. Every connected client is dropped.
func (d *Driver) Dispose() error {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return nil
	}

	var clients []*Client
	for _, c := range d.slots {
		if c != nil && c.client != nil {
			clients = append(clients, c.client)
		}
	}

	if d.listening {
		d.network.listeners.Delete(d.local)
	}

	if d.bound {
		d.network.bound.Remove(d.local)
	}

	d.slots = nil
	d.free = nil
	d.inbox = nil
	d.events = nil
	d.bound = false
	d.listening = false
	d.disposed = true
	d.mu.Unlock()

	for _, c := range clients {
		c.markClosed()
	}

	return nil
}

// accept allocates a slot for a dialing client and queues IncomingConnection.
func (d *Driver) accept(client *Client) (driver.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.listening || d.disposed {
		return driver.Handle{}, driver.ErrNotListening
	}

	var index uint32
	if len(d.free) > 0 {
		index = d.free[0]
		d.free = d.free[1:]
	} else {
		index = uint32(len(d.slots))
		d.slots = append(d.slots, &connection{})
	}

	c := d.slots[index]
	c.generation++
	c.state = driver.Connected
	c.client = client

	h := driver.Handle{Index: index, Generation: c.generation}
	d.inbox = append(d.inbox, driver.Event{Type: driver.IncomingConnection, Handle: h})
	return h, nil
}

// receive queues a Data event for a payload sent by a client.
func (d *Driver) receive(h driver.Handle, channel transport.Channel, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lookup(h) == nil {
		return driver.ErrConnectionClosed
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	d.inbox = append(d.inbox, driver.Event{Type: driver.Data, Handle: h, Channel: channel, Payload: data})
	return nil
}

// remoteClose handles a client hanging up.
func (d *Driver) remoteClose(h driver.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lookup(h) == nil {
		return
	}

	d.release(h)
	d.inbox = append(d.inbox, driver.Event{Type: driver.Disconnect, Handle: h})
}

// lookup returns the live connection for h; caller must hold d.mu.
func (d *Driver) lookup(h driver.Handle) *connection {
	if int(h.Index) >= len(d.slots) {
		return nil
	}

	c := d.slots[h.Index]
	if c.generation != h.Generation || c.state == driver.Disconnected {
		return nil
	}

	return c
}

// release frees the slot of h; caller must hold d.mu.
func (d *Driver) release(h driver.Handle) {
	c := d.slots[h.Index]
	c.state = driver.Disconnected
	c.client = nil
	d.free = append(d.free, h.Index)
}
