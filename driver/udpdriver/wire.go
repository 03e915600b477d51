package udpdriver

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cyberinferno/go-transport/transport"
)

// packetType is the first byte of every datagram.
type packetType byte

const (
	packetConnect    packetType = 0x01 // client -> server, repeated until accepted
	packetAccept     packetType = 0x02 // server -> client
	packetDisconnect packetType = 0x03 // either direction
	packetData       packetType = 0x04 // channel byte, sequence number on Reliable, payload
	packetHeartbeat  packetType = 0x05 // keeps an idle connection alive
	packetAck        packetType = 0x06 // next Reliable sequence number the sender expects
)

const (
	unreliableHeaderSize = 2
	reliableHeaderSize   = 6
	ackPacketSize        = 5
)

var errMalformedPacket = errors.New("malformed packet")

// packet is a decoded datagram. payload aliases the datagram.
type packet struct {
	typ     packetType
	channel transport.Channel
	seq     uint32
	payload []byte
}

func controlPacket(t packetType) []byte {
	return []byte{byte(t)}
}

func ackPacket(next uint32) []byte {
	buf := make([]byte, ackPacketSize)
	buf[0] = byte(packetAck)
	binary.LittleEndian.PutUint32(buf[1:], next)
	return buf
}

func unreliablePacket(payload []byte) []byte {
	buf := make([]byte, unreliableHeaderSize+len(payload))
	buf[0] = byte(packetData)
	buf[1] = byte(transport.Unreliable)
	copy(buf[unreliableHeaderSize:], payload)
	return buf
}

func reliablePacket(seq uint32, payload []byte) []byte {
	buf := make([]byte, reliableHeaderSize+len(payload))
	buf[0] = byte(packetData)
	buf[1] = byte(transport.Reliable)
	binary.LittleEndian.PutUint32(buf[2:], seq)
	copy(buf[reliableHeaderSize:], payload)
	return buf
}

// seqBefore reports whether a precedes b, tolerating wrap-around.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

func parsePacket(datagram []byte) (packet, error) {
	if len(datagram) == 0 {
		return packet{}, errMalformedPacket
	}

	p := packet{typ: packetType(datagram[0])}
	switch p.typ {
	case packetConnect, packetAccept, packetDisconnect, packetHeartbeat:
		return p, nil
	case packetAck:
		if len(datagram) < ackPacketSize {
			return packet{}, fmt.Errorf("%w: short ack", errMalformedPacket)
		}

		p.seq = binary.LittleEndian.Uint32(datagram[1:])
		return p, nil
	case packetData:
		if len(datagram) < unreliableHeaderSize {
			return packet{}, errMalformedPacket
		}

		p.channel = transport.Channel(datagram[1])
		switch p.channel {
		case transport.Unreliable:
			p.payload = datagram[unreliableHeaderSize:]
		case transport.Reliable:
			if len(datagram) < reliableHeaderSize {
				return packet{}, fmt.Errorf("%w: short reliable header", errMalformedPacket)
			}

			p.seq = binary.LittleEndian.Uint32(datagram[2:])
			p.payload = datagram[reliableHeaderSize:]
		default:
			return packet{}, fmt.Errorf("%w: channel %d", errMalformedPacket, datagram[1])
		}

		return p, nil
	default:
		return packet{}, fmt.Errorf("%w: type 0x%02x", errMalformedPacket, datagram[0])
	}
}
