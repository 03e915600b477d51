package cacher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type allocation struct {
	Endpoint     string `json:"endpoint"`
	AllocationID string `json:"allocation_id"`
}

func TestMemoryCacher_GetOrFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("miss fetches and hit reuses", func(t *testing.T) {
		c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)

		fetchCount := 0
		fetchFn := func(ctx context.Context) (string, error) {
			fetchCount++
			return "value", nil
		}

		val, err := c.GetOrFetch(ctx, "key", time.Minute, fetchFn)
		require.NoError(t, err)
		assert.Equal(t, "value", val)

		val, err = c.GetOrFetch(ctx, "key", time.Minute, func(ctx context.Context) (string, error) {
			fetchCount++
			return "should not be used", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "value", val)
		assert.Equal(t, 1, fetchCount)
		assert.Equal(t, 1, c.ItemCount())
	})

	t.Run("fetch errors are not cached", func(t *testing.T) {
		c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)

		val, err := c.GetOrFetch(ctx, "key", time.Minute, func(ctx context.Context) (string, error) {
			return "", assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)
		assert.Empty(t, val)

		val, err = c.GetOrFetch(ctx, "key", time.Minute, func(ctx context.Context) (string, error) {
			return "recovered", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "recovered", val)
	})

	t.Run("cancelled context on miss", func(t *testing.T) {
		c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		called := false
		_, err := c.GetOrFetch(cancelled, "key", time.Minute, func(ctx context.Context) (string, error) {
			called = true
			return "value", nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})

	t.Run("expired entries are fetched again", func(t *testing.T) {
		c := NewMemoryCacher[int](cache.NoExpiration, time.Minute)

		var fetches int
		fetchFn := func(ctx context.Context) (int, error) {
			fetches++
			return fetches, nil
		}

		first, err := c.GetOrFetch(ctx, "key", 20*time.Millisecond, fetchFn)
		require.NoError(t, err)
		time.Sleep(40 * time.Millisecond)
		second, err := c.GetOrFetch(ctx, "key", 20*time.Millisecond, fetchFn)
		require.NoError(t, err)

		assert.Equal(t, 1, first)
		assert.Equal(t, 2, second)
	})

	t.Run("struct values", func(t *testing.T) {
		c := NewMemoryCacher[allocation](cache.NoExpiration, time.Minute)
		want := allocation{Endpoint: "203.0.113.10:7777", AllocationID: "alloc-1"}

		got, err := c.GetOrFetch(ctx, "join-code", time.Minute, func(ctx context.Context) (allocation, error) {
			return want, nil
		})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestMemoryCacher_GetOrFetch_Singleflight(t *testing.T) {
	c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
	ctx := context.Background()

	var fetches atomic.Int32
	release := make(chan struct{})
	fetchFn := func(ctx context.Context) (string, error) {
		fetches.Add(1)
		<-release
		return "shared", nil
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, err := c.GetOrFetch(ctx, "key", time.Minute, fetchFn)
			assert.NoError(t, err)
			results[i] = val
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), fetches.Load())
	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
}

func TestMemoryCacher_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("forces the next fetch", func(t *testing.T) {
		c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
		_, err := c.GetOrFetch(ctx, "key", time.Minute, func(ctx context.Context) (string, error) {
			return "old", nil
		})
		require.NoError(t, err)

		require.NoError(t, c.Delete(ctx, "key"))
		assert.Equal(t, 0, c.ItemCount())

		val, err := c.GetOrFetch(ctx, "key", time.Minute, func(ctx context.Context) (string, error) {
			return "new", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "new", val)
	})

	t.Run("missing key", func(t *testing.T) {
		c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
		assert.NoError(t, c.Delete(ctx, "missing"))
	})

	t.Run("cancelled context", func(t *testing.T) {
		c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, c.Delete(cancelled, "key"), context.Canceled)
	})
}

func TestCacherImplementations(t *testing.T) {
	var _ Cacher[string] = NewMemoryCacher[string](time.Minute, time.Minute)
	var _ Cacher[string] = (*RedisCacher[string])(nil)
}
