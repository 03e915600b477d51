package queue

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-transport/transport"
)

func TestSendQueue_Push(t *testing.T) {
	t.Run("overflow leaves queue unchanged", func(t *testing.T) {
		q := NewSendQueue(transport.Reliable, 16, 1400)
		require.NoError(t, q.Push([]byte("12345678")))
		assert.Equal(t, 12, q.Len())

		err := q.Push([]byte("x"))
		assert.ErrorIs(t, err, transport.ErrQueueOverflow)
		assert.Equal(t, 12, q.Len())
	})

	t.Run("unreliable message larger than a packet is rejected", func(t *testing.T) {
		q := NewSendQueue(transport.Unreliable, 1024, 8)
		err := q.Push([]byte("12345"))
		assert.ErrorIs(t, err, ErrMessageTooLarge)
		assert.Equal(t, 0, q.Len())
	})

	t.Run("reliable message larger than a packet is accepted", func(t *testing.T) {
		q := NewSendQueue(transport.Reliable, 1024, 8)
		assert.NoError(t, q.Push([]byte("12345")))
	})
}

func TestSendQueue_Peek(t *testing.T) {
	t.Run("reliable stream is cut at max payload", func(t *testing.T) {
		q := NewSendQueue(transport.Reliable, 1024, 6)
		require.NoError(t, q.Push([]byte("abcdef")))

		var stream []byte
		for q.Len() > 0 {
			p := q.Peek()
			assert.LessOrEqual(t, len(p), 6)
			stream = append(stream, p...)
			q.Consume(len(p))
		}

		assert.Equal(t, AppendFrame(nil, []byte("abcdef")), stream)
	})

	t.Run("unreliable packets carry whole frames only", func(t *testing.T) {
		q := NewSendQueue(transport.Unreliable, 1024, 12)
		require.NoError(t, q.Push([]byte("aaaa")))
		require.NoError(t, q.Push([]byte("bb")))
		require.NoError(t, q.Push([]byte("c")))

		first := q.Peek()
		msgs, err := SplitFrames(first)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("aaaa")}, msgs)
		q.Consume(len(first))

		second := q.Peek()
		msgs, err = SplitFrames(second)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("bb"), []byte("c")}, msgs)
		q.Consume(len(second))

		assert.Nil(t, q.Peek())
	})
}

func TestSendQueues_Enqueue(t *testing.T) {
	m := NewSendQueues(64, 1400)

	t.Run("queues are created lazily per client and channel", func(t *testing.T) {
		assert.False(t, m.Has(1))
		require.NoError(t, m.Enqueue(1, transport.Reliable, []byte("hi")))
		assert.True(t, m.Has(1))
		assert.Equal(t, 6, m.Pending(1, transport.Reliable))
		assert.Equal(t, 0, m.Pending(1, transport.Unreliable))
	})

	t.Run("unknown channel is rejected", func(t *testing.T) {
		assert.Error(t, m.Enqueue(1, transport.Channel(5), []byte("x")))
	})

	t.Run("overflow on one client leaves others untouched", func(t *testing.T) {
		require.NoError(t, m.Enqueue(2, transport.Reliable, []byte("other")))
		err := m.Enqueue(1, transport.Reliable, bytes.Repeat([]byte{1}, 64))
		assert.ErrorIs(t, err, transport.ErrQueueOverflow)
		assert.Equal(t, 9, m.Pending(2, transport.Reliable))
	})

	assert.Equal(t, []transport.ClientID{1, 2}, m.Clients())
}

func TestSendQueues_Flush(t *testing.T) {
	m := NewSendQueues(1024, 8)
	require.NoError(t, m.Enqueue(1, transport.Reliable, []byte("0123456789")))
	require.NoError(t, m.Enqueue(1, transport.Unreliable, []byte("u")))

	calls := 0
	sent, dropped := m.Flush(1, func(channel transport.Channel, packet []byte) error {
		calls++
		if calls == 1 {
			return errors.New("pipeline full")
		}
		return nil
	})

	assert.Equal(t, 1, dropped)
	assert.Equal(t, calls-1, sent)
	assert.Equal(t, 0, m.Pending(1, transport.Reliable))
	assert.Equal(t, 0, m.Pending(1, transport.Unreliable))

	t.Run("flush of unknown client is a no-op", func(t *testing.T) {
		sent, dropped := m.Flush(99, func(transport.Channel, []byte) error { return nil })
		assert.Zero(t, sent)
		assert.Zero(t, dropped)
	})
}

func TestSendQueues_Drain(t *testing.T) {
	m := NewSendQueues(1024, 1400)
	require.NoError(t, m.Enqueue(1, transport.Reliable, []byte("keep")))

	t.Run("refused packet stays queued", func(t *testing.T) {
		n, err := m.Drain(1, func(transport.Channel, []byte) error { return errors.New("busy") })
		assert.Error(t, err)
		assert.Zero(t, n)
		assert.Equal(t, 8, m.Pending(1, transport.Reliable))
	})

	t.Run("accepted packet is consumed", func(t *testing.T) {
		var got []byte
		n, err := m.Drain(1, func(_ transport.Channel, packet []byte) error {
			got = append(got, packet...)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 8, n)
		assert.Equal(t, AppendFrame(nil, []byte("keep")), got)
		assert.Equal(t, 0, m.Pending(1, transport.Reliable))
	})
}

func TestSendQueues_Clear_Reset(t *testing.T) {
	m := NewSendQueues(1024, 1400)
	require.NoError(t, m.Enqueue(1, transport.Reliable, []byte("a")))
	require.NoError(t, m.Enqueue(2, transport.Reliable, []byte("b")))

	m.Clear(1)
	assert.False(t, m.Has(1))
	assert.True(t, m.Has(2))

	m.Reset()
	assert.Empty(t, m.Clients())
}
