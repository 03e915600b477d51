package queue

import (
	"encoding/binary"
	"fmt"
)

// ReceiveQueue reassembles the reliable-channel byte stream of one client
// into whole messages.
type ReceiveQueue struct {
	maxMessage int
	buf        []byte
}

// NewReceiveQueue creates a reassembly queue that rejects messages longer
// than maxMessage bytes.
func NewReceiveQueue(maxMessage int) *ReceiveQueue {
	return &ReceiveQueue{maxMessage: maxMessage}
}

// Push appends a received packet to the stream and returns every message it
// completes. Returned slices are copies owned by the caller.
//
// Returns:
//   - The completed messages, possibly none
//   - An error wrapping ErrMessageTooLarge if a length prefix exceeds the limit;
//     the stream is unusable afterwards
func (q *ReceiveQueue) Push(packet []byte) ([][]byte, error) {
	q.buf = append(q.buf, packet...)

	var messages [][]byte
	for len(q.buf) >= HeaderSize {
		size := int(binary.LittleEndian.Uint32(q.buf))
		if size > q.maxMessage {
			return messages, fmt.Errorf("%w: frame of %d bytes, limit %d", ErrMessageTooLarge, size, q.maxMessage)
		}

		if len(q.buf) < HeaderSize+size {
			break
		}

		msg := make([]byte, size)
		copy(msg, q.buf[HeaderSize:HeaderSize+size])
		messages = append(messages, msg)
		q.buf = q.buf[HeaderSize+size:]
	}

	if len(q.buf) == 0 {
		q.buf = nil
	}

	return messages, nil
}

// Pending returns the number of buffered bytes that do not yet form a message.
func (q *ReceiveQueue) Pending() int {
	return len(q.buf)
}
