package queue

import (
	"fmt"
	"slices"

	"github.com/cyberinferno/go-transport/transport"
)

// SendFunc pushes one packet for a client to the driver.
type SendFunc func(channel transport.Channel, packet []byte) error

type clientSendQueues [transport.ChannelCount]*SendQueue

// SendQueues holds the outbound queues of every client, keyed by client and
// then by channel. Queues are created lazily on the first Enqueue. It is not
// safe for concurrent use.
type SendQueues struct {
	capacity   int
	maxPayload int
	clients    map[transport.ClientID]*clientSendQueues
}

// NewSendQueues creates a manager whose queues hold at most capacity bytes
// each and emit packets of at most maxPayload bytes.
func NewSendQueues(capacity, maxPayload int) *SendQueues {
	return &SendQueues{
		capacity:   capacity,
		maxPayload: maxPayload,
		clients:    make(map[transport.ClientID]*clientSendQueues),
	}
}

// Enqueue appends payload to the (id, channel) queue.
//
// Returns:
//   - An error wrapping transport.ErrQueueOverflow or ErrMessageTooLarge;
//     the queue is left unchanged in both cases
func (m *SendQueues) Enqueue(id transport.ClientID, channel transport.Channel, payload []byte) error {
	if !channel.Valid() {
		return fmt.Errorf("unknown channel %d", channel)
	}

	queues, ok := m.clients[id]
	if !ok {
		queues = &clientSendQueues{}
		m.clients[id] = queues
	}

	q := queues[channel]
	if q == nil {
		q = NewSendQueue(channel, m.capacity, m.maxPayload)
		queues[channel] = q
	}

	return q.Push(payload)
}

// Flush gives every queued packet of id one delivery attempt. A packet the
// driver refuses is dropped and the flush moves on; the queues are empty
// when Flush returns.
//
// Returns:
//   - The number of packets the driver accepted
//   - The number of packets dropped after a send error
func (m *SendQueues) Flush(id transport.ClientID, send SendFunc) (sent, dropped int) {
	queues, ok := m.clients[id]
	if !ok {
		return 0, 0
	}

	for _, q := range queues {
		if q == nil {
			continue
		}

		for q.Len() > 0 {
			packet := q.Peek()
			if err := send(q.channel, packet); err != nil {
				dropped++
			} else {
				sent++
			}

			q.Consume(len(packet))
		}
	}

	return sent, dropped
}

// Drain sends queued packets of id until a queue is empty or the driver
// refuses a packet. Refused data stays queued for the next attempt.
//
// Returns:
//   - The number of bytes the driver accepted
//   - The first send error, if any
func (m *SendQueues) Drain(id transport.ClientID, send SendFunc) (int, error) {
	queues, ok := m.clients[id]
	if !ok {
		return 0, nil
	}

	total := 0
	for _, q := range queues {
		if q == nil {
			continue
		}

		for q.Len() > 0 {
			packet := q.Peek()
			if err := send(q.channel, packet); err != nil {
				return total, err
			}

			total += len(packet)
			q.Consume(len(packet))
		}
	}

	return total, nil
}

// Clear drops every queue of id without attempting delivery.
func (m *SendQueues) Clear(id transport.ClientID) {
	delete(m.clients, id)
}

// Has reports whether any queue exists for id.
func (m *SendQueues) Has(id transport.ClientID) bool {
	_, ok := m.clients[id]
	return ok
}

// Pending returns the number of bytes queued for id on channel.
func (m *SendQueues) Pending(id transport.ClientID, channel transport.Channel) int {
	queues, ok := m.clients[id]
	if !ok || queues[channel] == nil {
		return 0
	}

	return queues[channel].Len()
}

// Clients returns the ids that own queues, in ascending order.
func (m *SendQueues) Clients() []transport.ClientID {
	ids := make([]transport.ClientID, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}

	slices.Sort(ids)
	return ids
}

// Reset drops the queues of every client.
func (m *SendQueues) Reset() {
	clear(m.clients)
}

// ReceiveQueues holds the reliable reassembly state of every client. It is
// not safe for concurrent use.
type ReceiveQueues struct {
	maxMessage int
	clients    map[transport.ClientID]*ReceiveQueue
}

// NewReceiveQueues creates a manager whose queues reject messages longer
// than maxMessage bytes.
func NewReceiveQueues(maxMessage int) *ReceiveQueues {
	return &ReceiveQueues{
		maxMessage: maxMessage,
		clients:    make(map[transport.ClientID]*ReceiveQueue),
	}
}

// Push feeds a reliable packet from id into its reassembly queue, creating
// the queue on first use.
//
// Returns:
//   - The messages completed by this packet
//   - An error if the stream is corrupt
func (m *ReceiveQueues) Push(id transport.ClientID, packet []byte) ([][]byte, error) {
	q, ok := m.clients[id]
	if !ok {
		q = NewReceiveQueue(m.maxMessage)
		m.clients[id] = q
	}

	return q.Push(packet)
}

// Remove discards the reassembly state of id.
func (m *ReceiveQueues) Remove(id transport.ClientID) {
	delete(m.clients, id)
}

// Has reports whether a reassembly queue exists for id.
func (m *ReceiveQueues) Has(id transport.ClientID) bool {
	_, ok := m.clients[id]
	return ok
}

// Pending returns the number of partial-message bytes buffered for id.
func (m *ReceiveQueues) Pending(id transport.ClientID) int {
	if q, ok := m.clients[id]; ok {
		return q.Pending()
	}

	return 0
}

// Reset discards the reassembly state of every client.
func (m *ReceiveQueues) Reset() {
	clear(m.clients)
}
