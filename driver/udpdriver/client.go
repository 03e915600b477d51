package udpdriver

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/cyberinferno/go-transport/transport"
)

// ErrPeerDisconnected is returned by Receive once the server hung up.
var ErrPeerDisconnected = errors.New("server disconnected")

// Packet is a data datagram received by a Client.
type Packet struct {
	Channel transport.Channel
	Payload []byte
}

// Client is a minimal peer for the UDP driver, used by tests and load tools. Reliable packets it sends are retransmitted while the
// client is inside Receive or Sync. It is not safe for concurrent use.
type Client struct {
	conn           *net.UDPConn
	maxPayloadSize int
	reliable       *reliableState
	inbox          []Packet
	buf            []byte

	// dropOutgoing, when set, suppresses the first transmission of the
	// Reliable packets it selects.
	dropOutgoing func(seq uint32) bool
}

// Dial connects to server and completes the handshake, resending the
// connect request every 100ms until accepted or timeout elapses.
//
// Parameters:
//   - server: Server address
//   - maxPayloadSize: Largest payload the client will send or accept
//   - timeout: Handshake deadline
//
// Returns:
//   - A connected Client
//   - An error if the socket cannot be opened or the server does not answer
func Dial(server netip.AddrPort, maxPayloadSize int, timeout time.Duration) (*Client, error) {
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(server))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", server, err)
	}

	c := &Client{
		conn:           conn,
		maxPayloadSize: maxPayloadSize,
		reliable:       newReliableState(DefaultWindow),
		buf:            make([]byte, maxPayloadSize+reliableHeaderSize+1),
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if _, err := conn.Write(controlPacket(packetConnect)); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("dial %s: %w", server, err)
		}

		wait := time.Now().Add(100 * time.Millisecond)
		if wait.After(deadline) {
			wait = deadline
		}
		_ = conn.SetReadDeadline(wait)
		// timeouts and ICMP port unreachable both mean "try again"
		n, err := conn.Read(c.buf)
		if err != nil {
			continue
		}

		if pkt, err := parsePacket(c.buf[:n]); err == nil && pkt.typ == packetAccept {
			_ = conn.SetReadDeadline(time.Time{})
			return c, nil
		}
	}

	_ = conn.Close()
	return nil, fmt.Errorf("dial %s: handshake timed out after %s", server, timeout)
}

// LocalEndpoint returns the client's socket address.
func (c *Client) LocalEndpoint() netip.AddrPort {
	return c.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Send transmits payload on channel. Reliable payloads are kept until the
// server acknowledges them.
func (c *Client) Send(channel transport.Channel, payload []byte) error {
	if len(payload) > c.maxPayloadSize {
		return fmt.Errorf("payload of %d bytes exceeds %d", len(payload), c.maxPayloadSize)
	}

	switch channel {
	case transport.Unreliable:
		_, err := c.conn.Write(unreliablePacket(payload))
		return err
	case transport.Reliable:
		seq := c.reliable.nextSeq
		datagram, err := c.reliable.send(payload, time.Now())
		if err != nil {
			return err
		}

		if c.dropOutgoing != nil && c.dropOutgoing(seq) {
			return nil
		}

		_, err = c.conn.Write(datagram)
		return err
	default:
		return fmt.Errorf("unknown channel %d", channel)
	}
}

// Heartbeat tells the server the client is still alive.
func (c *Client) Heartbeat() error {
	_, err := c.conn.Write(controlPacket(packetHeartbeat))
	return err
}

// Pending returns the number of Reliable packets the server has not
// acknowledged yet.
func (c *Client) Pending() int {
	return c.reliable.pending()
}

// Receive waits up to timeout for the next data packet. Reliable packets
// are returned in sequence order. Control packets other than disconnect
// are consumed silently.
func (c *Client) Receive(timeout time.Duration) (Packet, error) {
	deadline := time.Now().Add(timeout)
	for len(c.inbox) == 0 {
		if err := c.poll(deadline); err != nil {
			return Packet{}, err
		}
	}

	p := c.inbox[0]
	c.inbox = c.inbox[1:]
	return p, nil
}

// Sync waits up to timeout until every Reliable packet sent so far has been
// acknowledged. Data received meanwhile is kept for Receive.
func (c *Client) Sync(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for c.reliable.pending() > 0 {
		if err := c.poll(deadline); err != nil {
			return fmt.Errorf("sync: %d packets unacknowledged: %w", c.reliable.pending(), err)
		}
	}

	return nil
}

// poll handles at most one datagram, retransmitting overdue Reliable
// packets first. It returns an error once deadline has passed.
func (c *Client) poll(deadline time.Time) error {
	now := time.Now()
	for _, datagram := range c.reliable.due(now, DefaultResendInterval) {
		if _, err := c.conn.Write(datagram); err != nil {
			return err
		}
	}

	wait := now.Add(DefaultResendInterval)
	if wait.After(deadline) {
		wait = deadline
	}
	if err := c.conn.SetReadDeadline(wait); err != nil {
		return err
	}

	n, err := c.conn.Read(c.buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() && time.Now().Before(deadline) {
			return nil
		}

		return err
	}

	pkt, err := parsePacket(c.buf[:n])
	if err != nil {
		return nil
	}

	switch pkt.typ {
	case packetAck:
		c.reliable.ack(pkt.seq)
	case packetDisconnect:
		return ErrPeerDisconnected
	case packetData:
		if pkt.channel == transport.Unreliable {
			c.inbox = append(c.inbox, Packet{Channel: pkt.channel, Payload: clone(pkt.payload)})
			return nil
		}

		for _, payload := range c.reliable.receive(pkt.seq, clone(pkt.payload)) {
			c.inbox = append(c.inbox, Packet{Channel: transport.Reliable, Payload: payload})
		}
		if _, err := c.conn.Write(ackPacket(c.reliable.expected)); err != nil {
			return err
		}
	}

	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Close notifies the server and closes the socket.
func (c *Client) Close() error {
	_, _ = c.conn.Write(controlPacket(packetDisconnect))
	return c.conn.Close()
}

// Abandon closes the socket without telling the server, as a crashed peer would.
func (c *Client) Abandon() error {
	return c.conn.Close()
}
