package udpdriver

import (
	"errors"
	"time"
)

// ErrWindowFull is returned by Send on the Reliable channel while too many
// packets await acknowledgement. The caller should retry later.
var ErrWindowFull = errors.New("reliable send window full")

type outgoing struct {
	seq      uint32
	datagram []byte
	sentAt   time.Time
}

// reliableState numbers, acknowledges and reorders the Reliable channel of
// one connection. Outbound packets are kept until a cumulative ack covers
// them; inbound packets are released strictly in sequence order.
type reliableState struct {
	window   int
	nextSeq  uint32
	unacked  []outgoing
	expected uint32
	early    map[uint32][]byte
}

func newReliableState(window int) *reliableState {
	return &reliableState{
		window: window,
		early:  make(map[uint32][]byte),
	}
}

// send assigns the next sequence number to payload and records the
// datagram for retransmission.
func (r *reliableState) send(payload []byte, now time.Time) ([]byte, error) {
	if len(r.unacked) >= r.window {
		return nil, ErrWindowFull
	}

	seq := r.nextSeq
	r.nextSeq++

	datagram := reliablePacket(seq, payload)
	r.unacked = append(r.unacked, outgoing{seq: seq, datagram: datagram, sentAt: now})
	return datagram, nil
}

// ack drops every recorded packet preceding next.
func (r *reliableState) ack(next uint32) {
	n := 0
	for n < len(r.unacked) && seqBefore(r.unacked[n].seq, next) {
		n++
	}

	r.unacked = r.unacked[n:]
}

// receive accepts packet seq and returns the payloads that are now
// deliverable in order. Duplicates and packets beyond the window are dropped.
func (r *reliableState) receive(seq uint32, payload []byte) [][]byte {
	if seq != r.expected {
		if !seqBefore(seq, r.expected) && seq-r.expected < uint32(r.window) {
			if _, ok := r.early[seq]; !ok {
				r.early[seq] = payload
			}
		}

		return nil
	}

	ready := [][]byte{payload}
	r.expected++
	for {
		next, ok := r.early[r.expected]
		if !ok {
			return ready
		}

		delete(r.early, r.expected)
		ready = append(ready, next)
		r.expected++
	}
}

// due returns the datagrams not sent for at least interval and stamps them
// as sent at now.
func (r *reliableState) due(now time.Time, interval time.Duration) [][]byte {
	var out [][]byte
	for i := range r.unacked {
		if now.Sub(r.unacked[i].sentAt) >= interval {
			r.unacked[i].sentAt = now
			out = append(out, r.unacked[i].datagram)
		}
	}

	return out
}

// pending returns the number of unacknowledged packets.
func (r *reliableState) pending() int {
	return len(r.unacked)
}
