package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-transport/driver"
	"github.com/cyberinferno/go-transport/transport"
)

func TestRegistry_Register_Resolve(t *testing.T) {
	t.Run("round trip returns the original handle", func(t *testing.T) {
		r := New()
		handles := []driver.Handle{
			{Index: 0, Generation: 1},
			{Index: 1, Generation: 1},
			{Index: 0, Generation: 2},
			{Index: 4095, Generation: 77},
		}

		ids := make(map[transport.ClientID]bool)
		for _, h := range handles {
			id, err := r.Register(h)
			require.NoError(t, err)
			assert.False(t, ids[id], "duplicate id %d", id)
			ids[id] = true

			got, err := r.Resolve(id)
			require.NoError(t, err)
			assert.Equal(t, h, got)

			back, ok := r.Lookup(h)
			assert.True(t, ok)
			assert.Equal(t, id, back)
		}

		assert.Equal(t, len(handles), r.Len())
	})

	t.Run("registering the same handle twice fails", func(t *testing.T) {
		r := New()
		h := driver.Handle{Index: 3, Generation: 1}
		first, err := r.Register(h)
		require.NoError(t, err)

		again, err := r.Register(h)
		assert.Error(t, err)
		assert.Equal(t, first, again)
		assert.Equal(t, 1, r.Len())
	})
}

func TestRegistry_Resolve_unknown(t *testing.T) {
	r := New()
	_, err := r.Resolve(42)
	assert.ErrorIs(t, err, transport.ErrNotFound)
}

func TestRegistry_Unregister(t *testing.T) {
	r := New()
	h := driver.Handle{Index: 1, Generation: 1}
	id, err := r.Register(h)
	require.NoError(t, err)

	t.Run("unregister removes both directions", func(t *testing.T) {
		require.NoError(t, r.Unregister(id))
		_, err := r.Resolve(id)
		assert.ErrorIs(t, err, transport.ErrNotFound)
		_, ok := r.Lookup(h)
		assert.False(t, ok)
		assert.Equal(t, 0, r.Len())
	})

	t.Run("unregister unknown id reports not found", func(t *testing.T) {
		assert.ErrorIs(t, r.Unregister(id), transport.ErrNotFound)
	})

	t.Run("released id is reused for a new handle", func(t *testing.T) {
		next, err := r.Register(driver.Handle{Index: 1, Generation: 2})
		require.NoError(t, err)
		assert.Equal(t, id, next)
	})
}

func TestRegistry_IDs_Clear(t *testing.T) {
	r := New()
	for i := uint32(0); i < 3; i++ {
		_, err := r.Register(driver.Handle{Index: i, Generation: 1})
		require.NoError(t, err)
	}

	assert.Equal(t, []transport.ClientID{1, 2, 3}, r.IDs())

	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.IDs())

	id, err := r.Register(driver.Handle{Index: 9, Generation: 1})
	require.NoError(t, err)
	assert.Equal(t, transport.ClientID(1), id)
}
