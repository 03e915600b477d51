package queue

import (
	"encoding/binary"
	"fmt"

	"github.com/cyberinferno/go-transport/transport"
)

// SendQueue buffers framed outbound messages for one (client, channel) pair.
type SendQueue struct {
	channel    transport.Channel
	capacity   int
	maxPayload int
	buf        []byte
}

// NewSendQueue creates a queue holding at most capacity bytes of framed data
// and producing packets of at most maxPayload bytes.
func NewSendQueue(channel transport.Channel, capacity, maxPayload int) *SendQueue {
	return &SendQueue{
		channel:    channel,
		capacity:   capacity,
		maxPayload: maxPayload,
	}
}

// Push frames and appends payload.
//
// Returns:
//   - ErrMessageTooLarge if an unreliable message cannot fit one packet
//   - An error wrapping transport.ErrQueueOverflow if the queue would exceed capacity
func (q *SendQueue) Push(payload []byte) error {
	size := HeaderSize + len(payload)
	if q.channel == transport.Unreliable && size > q.maxPayload {
		return fmt.Errorf("%w: %d bytes on %s channel, limit %d", ErrMessageTooLarge, size, q.channel, q.maxPayload)
	}

	if len(q.buf)+size > q.capacity {
		return fmt.Errorf("%w: %d queued, %d more, capacity %d", transport.ErrQueueOverflow, len(q.buf), size, q.capacity)
	}

	q.buf = AppendFrame(q.buf, payload)
	return nil
}

// Peek returns the next packet to send without removing it. Reliable
// packets are a window of the stream; unreliable packets hold as many whole
// frames as fit. The slice aliases the queue and is valid until the next
// mutation.
func (q *SendQueue) Peek() []byte {
	if len(q.buf) == 0 {
		return nil
	}

	if q.channel == transport.Reliable {
		return q.buf[:min(len(q.buf), q.maxPayload)]
	}

	n := 0
	for n < len(q.buf) {
		size := HeaderSize + int(binary.LittleEndian.Uint32(q.buf[n:]))
		if n+size > q.maxPayload {
			break
		}

		n += size
	}

	return q.buf[:n]
}

// Consume drops the first n bytes, typically after Peek()[:n] was sent.
func (q *SendQueue) Consume(n int) {
	n = min(n, len(q.buf))
	q.buf = q.buf[n:]
	if len(q.buf) == 0 {
		q.buf = nil
	}
}

// Len returns the number of queued bytes, headers included.
func (q *SendQueue) Len() int {
	return len(q.buf)
}

// Clear drops everything queued.
func (q *SendQueue) Clear() {
	q.buf = nil
}
