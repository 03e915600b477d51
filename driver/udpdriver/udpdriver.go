// Package udpdriver implements driver.Driver over a single UDP socket for
// direct mode. A connect/accept handshake creates a connection per remote
// address and every datagram carries its delivery channel. Reliable packets
// are sequenced, acknowledged, retransmitted and delivered in order;
// Unreliable packets are sent once. Peers that stay silent past the
// heartbeat timeout are disconnected.
//
// A reader goroutine copies datagrams into a bounded channel; Update drains
// it on the caller's turn, so all connection state is touched by one
// goroutine at a time.
package udpdriver

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-transport/driver"
	"github.com/cyberinferno/go-transport/idgenerator"
	"github.com/cyberinferno/go-transport/logger"
	"github.com/cyberinferno/go-transport/transport"
)

// ErrRelayUnsupported is returned by the factory for relay settings.
var ErrRelayUnsupported = errors.New("udp driver does not support relay allocations")

const (
	// DefaultBacklog is the number of received datagrams buffered between
	// Update calls before new ones are dropped.
	DefaultBacklog = 4096

	// DefaultResendInterval is how long a Reliable packet waits for an ack
	// before it is sent again.
	DefaultResendInterval = 100 * time.Millisecond

	// DefaultWindow is the number of unacknowledged Reliable packets allowed
	// per connection.
	DefaultWindow = 256
)

// Option customizes a Driver.
type Option func(*Driver)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l logger.Logger) Option {
	return func(d *Driver) {
		d.logger = l
	}
}

// WithBacklog sets the receive backlog.
func WithBacklog(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.backlog = n
		}
	}
}

// WithResendInterval sets the Reliable retransmission interval.
func WithResendInterval(interval time.Duration) Option {
	return func(d *Driver) {
		if interval > 0 {
			d.resendInterval = interval
		}
	}
}

// WithWindow sets the Reliable send window.
func WithWindow(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.window = n
		}
	}
}

// WithClock replaces time.Now for heartbeat bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		d.now = now
	}
}

type datagram struct {
	from    netip.AddrPort
	payload []byte
}

type peer struct {
	handle   driver.Handle
	addr     netip.AddrPort
	lastSeen time.Time
	lastSent time.Time
	reliable *reliableState
}

// Driver is a UDP implementation of driver.Driver.
type Driver struct {
	settings       driver.NetworkSettings
	logger         logger.Logger
	backlog        int
	resendInterval time.Duration
	window         int
	now            func() time.Time

	mu          sync.Mutex
	conn        *net.UDPConn
	bound       bool
	listening   bool
	disposed    bool
	ids         *idgenerator.IdGenerator
	generations map[uint32]uint32
	peers       map[uint32]*peer
	byAddr      map[netip.AddrPort]uint32
	events      []driver.Event

	incoming chan datagram
	wg       sync.WaitGroup
	dropped  atomic.Uint64
}

// Factory returns a driver.Factory creating UDP drivers with opts.
func Factory(opts ...Option) driver.Factory {
	return func(settings driver.NetworkSettings) (driver.Driver, error) {
		return New(settings, opts...)
	}
}

// New creates an unbound Driver.
//
// Parameters:
//   - settings: Network settings; Relay must be nil
//   - opts: Optional logger, backlog and clock
//
// Returns:
//   - The driver
//   - ErrRelayUnsupported for relay settings, or an error for a payload
//     size that cannot hold a data header
func New(settings driver.NetworkSettings, opts ...Option) (*Driver, error) {
	if settings.Relay != nil {
		return nil, ErrRelayUnsupported
	}

	if settings.MaxPayloadSize <= 0 {
		return nil, fmt.Errorf("udp driver: max payload size must be positive, got %d", settings.MaxPayloadSize)
	}

	d := &Driver{
		settings:       settings,
		logger:         logger.NewNopLogger(),
		backlog:        DefaultBacklog,
		resendInterval: DefaultResendInterval,
		window:         DefaultWindow,
		now:            time.Now,
		ids:            idgenerator.NewIdGenerator(0),
		generations:    make(map[uint32]uint32),
		peers:          make(map[uint32]*peer),
		byAddr:         make(map[netip.AddrPort]uint32),
	}

	for _, opt := range opts {
		opt(d)
	}

	d.logger = d.logger.With(logger.Field{Key: "component", Value: "udpdriver"})
	return d, nil
}

// LocalEndpoint returns the bound address, or the zero value before Bind.
func (d *Driver) LocalEndpoint() netip.AddrPort {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return netip.AddrPort{}
	}

	return d.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Dropped returns how many datagrams were discarded because the backlog was full.
func (d *Driver) Dropped() uint64 {
	return d.dropped.Load()
}

// Bind implements driver.Driver and starts the reader goroutine.
func (d *Driver) Bind(endpoint netip.AddrPort) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.disposed:
		return driver.ErrDisposed
	case d.bound:
		return fmt.Errorf("already bound to %s", d.conn.LocalAddr())
	}

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(endpoint))
	if err != nil {
		return fmt.Errorf("bind %s: %w", endpoint, err)
	}

	d.conn = conn
	d.bound = true
	d.incoming = make(chan datagram, d.backlog)

	d.wg.Add(1)
	go d.readLoop(conn, d.incoming)

	d.logger.Debug("bound", logger.Field{Key: "addr", Value: conn.LocalAddr().String()})
	return nil
}

// Listen implements driver.Driver. Connect requests are ignored until it succeeds.
func (d *Driver) Listen() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.disposed:
		return driver.ErrDisposed
	case !d.bound:
		return fmt.Errorf("listen: driver not bound")
	}

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

func (d *Driver) readLoop(conn *net.UDPConn, out chan<- datagram) {
	defer d.wg.Done()

	buf := make([]byte, d.settings.MaxPayloadSize+reliableHeaderSize+1)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			d.logger.Warn("read failed", logger.Field{Key: "error", Value: err.Error()})
			continue
		}

		// oversized datagrams are truncated by the kernel
		if n > d.settings.MaxPayloadSize+reliableHeaderSize {
			d.dropped.Add(1)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		select {
		case out <- datagram{from: netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), payload: payload}:
		default:
			d.dropped.Add(1)
		}
	}
}

// Update implements driver.Driver: it processes every datagram received
// since the previous call, expires silent peers, sends heartbeats and
// retransmits unacknowledged Reliable packets.
func (d *Driver) Update() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.disposed {
		return driver.ErrDisposed
	}

	if !d.bound {
		return nil
	}

	for drained := false; !drained; {
		select {
		case dg := <-d.incoming:
			d.handleDatagramLocked(dg)
		default:
			drained = true
		}
	}

	d.heartbeatLocked()
	d.resendLocked()
	return nil
}

func (d *Driver) handleDatagramLocked(dg datagram) {
	pkt, err := parsePacket(dg.payload)
	if err != nil {
		d.logger.Debug("dropping packet", logger.Field{Key: "from", Value: dg.from.String()}, logger.Field{Key: "error", Value: err.Error()})
		return
	}

	id, known := d.byAddr[dg.from]
	if !known {
		if pkt.typ == packetConnect && d.listening {
			d.acceptLocked(dg.from)
		}
		return
	}

	p := d.peers[id]
	p.lastSeen = d.now()

	switch pkt.typ {
	case packetConnect:
		// the accept was lost
		_ = d.writeLocked(p, controlPacket(packetAccept))
	case packetDisconnect:
		d.releaseLocked(p)
		d.events = append(d.events, driver.Event{Type: driver.Disconnect, Handle: p.handle})
	case packetAck:
		p.reliable.ack(pkt.seq)
	case packetData:
		if pkt.channel == transport.Unreliable {
			d.events = append(d.events, driver.Event{Type: driver.Data, Handle: p.handle, Channel: pkt.channel, Payload: pkt.payload})
			return
		}

		for _, payload := range p.reliable.receive(pkt.seq, pkt.payload) {
			d.events = append(d.events, driver.Event{Type: driver.Data, Handle: p.handle, Channel: transport.Reliable, Payload: payload})
		}
		// acked even for duplicates, since the previous ack may have been lost
		_ = d.writeLocked(p, ackPacket(p.reliable.expected))
	}
}

func (d *Driver) acceptLocked(addr netip.AddrPort) {
	index := d.ids.Id()
	d.generations[index]++

	now := d.now()
	p := &peer{
		handle:   driver.Handle{Index: index, Generation: d.generations[index]},
		addr:     addr,
		lastSeen: now,
		reliable: newReliableState(d.window),
	}
	d.peers[index] = p
	d.byAddr[addr] = index

	_ = d.writeLocked(p, controlPacket(packetAccept))
	d.events = append(d.events, driver.Event{Type: driver.IncomingConnection, Handle: p.handle})
}

func (d *Driver) heartbeatLocked() {
	timeout := d.settings.HeartbeatTimeout
	if timeout <= 0 {
		return
	}

	now := d.now()
	for _, p := range d.peers {
		if now.Sub(p.lastSeen) > timeout {
			d.logger.Debug("peer timed out", logger.Field{Key: "addr", Value: p.addr.String()})
			d.releaseLocked(p)
			d.events = append(d.events, driver.Event{Type: driver.Disconnect, Handle: p.handle})
			continue
		}

		if now.Sub(p.lastSent) > timeout/3 {
			_ = d.writeLocked(p, controlPacket(packetHeartbeat))
		}
	}
}

func (d *Driver) resendLocked() {
	now := d.now()
	for _, p := range d.peers {
		for _, datagram := range p.reliable.due(now, d.resendInterval) {
			_ = d.writeLocked(p, datagram)
		}
	}
}

func (d *Driver) writeLocked(p *peer, packet []byte) error {
	if _, err := d.conn.WriteToUDPAddrPort(packet, p.addr); err != nil {
		return err
	}

	p.lastSent = d.now()
	return nil
}

func (d *Driver) lookupLocked(h driver.Handle) *peer {
	p, ok := d.peers[h.Index]
	if !ok || p.handle != h {
		return nil
	}

	return p
}

func (d *Driver) releaseLocked(p *peer) {
	delete(d.peers, p.handle.Index)
	delete(d.byAddr, p.addr)
	d.ids.Release(p.handle.Index)
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

	if d.lookupLocked(h) == nil {
		return driver.Disconnected
	}

	return driver.Connected
}

// RemoteEndpoint implements driver.Driver.
func (d *Driver) RemoteEndpoint(h driver.Handle) (netip.AddrPort, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.lookupLocked(h)
	if p == nil {
		return netip.AddrPort{}, fmt.Errorf("handle %s: %w", h, driver.ErrUnknownConnection)
	}

	return p.addr, nil
}

// Send implements driver.Driver. A Reliable payload accepted into the send
// window is retransmitted until acknowledged, so a failed first write is not
// reported; ErrWindowFull asks the caller to retry later.
func (d *Driver) Send(h driver.Handle, channel transport.Channel, payload []byte) error {
	if len(payload) > d.settings.MaxPayloadSize {
		return fmt.Errorf("send to %s: payload of %d bytes exceeds %d", h, len(payload), d.settings.MaxPayloadSize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.lookupLocked(h)
	if p == nil {
		return fmt.Errorf("send to %s: %w", h, driver.ErrConnectionClosed)
	}

	switch channel {
	case transport.Unreliable:
		if err := d.writeLocked(p, unreliablePacket(payload)); err != nil {
			return fmt.Errorf("send to %s: %w", h, err)
		}
	case transport.Reliable:
		datagram, err := p.reliable.send(payload, d.now())
		if err != nil {
			return fmt.Errorf("send to %s: %w", h, err)
		}

		if err := d.writeLocked(p, datagram); err != nil {
			d.logger.Debug("reliable write failed, will resend", logger.Field{Key: "handle", Value: h.String()}, logger.Field{Key: "error", Value: err.Error()})
		}
	default:
		return fmt.Errorf("send to %s: unknown channel %d", h, channel)
	}

	return nil
}

// PendingReliable returns the number of unacknowledged Reliable packets of h.
func (d *Driver) PendingReliable(h driver.Handle) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p := d.lookupLocked(h); p != nil {
		return p.reliable.pending()
	}

	return 0
}

// Disconnect implements driver.Driver. The peer is told once; no local
// event is raised.
func (d *Driver) Disconnect(h driver.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.lookupLocked(h)
	if p == nil {
		return fmt.Errorf("disconnect %s: %w", h, driver.ErrUnknownConnection)
	}

	_ = d.writeLocked(p, controlPacket(packetDisconnect))
	d.releaseLocked(p)
	return nil
}

// Dispose implements driver.Driver. Connected peers are told to disconnect,
// then the socket is closed and the reader goroutine joined.
func (d *Driver) Dispose() error {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return nil
	}

	d.disposed = true
	conn := d.conn
	for _, p := range d.peers {
		_ = d.writeLocked(p, controlPacket(packetDisconnect))
	}

	clear(d.peers)
	clear(d.byAddr)
	d.ids.Reset()
	d.events = nil
	d.bound = false
	d.listening = false
	d.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	d.wg.Wait()
	return err
}
