package cacher

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisCacher_Unreachable(t *testing.T) {
	c := NewRedisCacher[string](unreachableRedis(t), "relay:")
	ctx := context.Background()

	t.Run("get or fetch surfaces the lookup error", func(t *testing.T) {
		called := false
		_, err := c.GetOrFetch(ctx, "key", time.Minute, func(ctx context.Context) (string, error) {
			called = true
			return "value", nil
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis get error")
		assert.False(t, called)
	})

	t.Run("delete surfaces the error", func(t *testing.T) {
		err := c.Delete(ctx, "key")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to delete key")
	})
}
