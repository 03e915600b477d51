// Package queue implements the per-client send and receive queues of the
// server. Messages are framed with a 4-byte little-endian length prefix.
// Reliable-channel queues form a byte stream that may split a message
// across packets; unreliable packets only ever carry whole messages.
package queue

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the length prefix carried by every framed message.
const HeaderSize = 4

var (
	// ErrMessageTooLarge is returned when a message cannot fit the packet or
	// stream limits of its channel.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMalformedFrame is returned when a packet does not decode into whole frames.
	ErrMalformedFrame = errors.New("malformed frame")
)

// AppendFrame appends the framed form of payload to dst.
//
// Parameters:
//   - dst: The buffer to append to
//   - payload: The message body
//
// Returns:
//   - The extended buffer
func AppendFrame(dst []byte, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// SplitFrames decodes a packet made of whole frames, as sent on the
// unreliable channel. The returned slices alias packet.
//
// Parameters:
//   - packet: The received packet
//
// Returns:
//   - The message bodies in order
//   - An error wrapping ErrMalformedFrame if the packet ends inside a frame
func SplitFrames(packet []byte) ([][]byte, error) {
	var messages [][]byte
	for len(packet) > 0 {
		if len(packet) < HeaderSize {
			return messages, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(packet))
		}

		size := int(binary.LittleEndian.Uint32(packet))
		packet = packet[HeaderSize:]
		if size > len(packet) {
			return messages, fmt.Errorf("%w: frame of %d bytes, %d available", ErrMalformedFrame, size, len(packet))
		}

		messages = append(messages, packet[:size])
		packet = packet[size:]
	}

	return messages, nil
}
