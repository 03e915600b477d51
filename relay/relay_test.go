package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-transport/cacher"
)

func validDescriptor() Descriptor {
	return Descriptor{
		Endpoint:       "203.0.113.10:7777",
		AllocationID:   "alloc-1",
		ConnectionData: "c29tZS1ibG9i",
		Key:            "secret",
	}
}

func TestDescriptor_Validate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		d := validDescriptor()
		assert.False(t, d.IsZero())
		assert.NoError(t, d.Validate())
	})

	t.Run("zero", func(t *testing.T) {
		var d Descriptor
		assert.True(t, d.IsZero())
		assert.ErrorContains(t, d.Validate(), "not set")
	})

	tests := []struct {
		name   string
		mutate func(*Descriptor)
		want   string
	}{
		{"bad endpoint", func(d *Descriptor) { d.Endpoint = "relay.example.com" }, "relay endpoint"},
		{"missing allocation", func(d *Descriptor) { d.AllocationID = "" }, "allocation id"},
		{"missing key", func(d *Descriptor) { d.Key = "" }, "key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDescriptor()
			tt.mutate(&d)
			assert.ErrorContains(t, d.Validate(), tt.want)
		})
	}
}

func newResolver(fetch Fetcher) *Resolver {
	return NewResolver(cacher.NewMemoryCacher[Descriptor](time.Minute, time.Minute), fetch, 0)
}

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("caches valid descriptors", func(t *testing.T) {
		var calls atomic.Int32
		r := newResolver(func(ctx context.Context, key string) (Descriptor, error) {
			calls.Add(1)
			assert.Equal(t, "join-1", key)
			return validDescriptor(), nil
		})

		for n := 0; n < 3; n++ {
			d, err := r.Resolve(ctx, "join-1")
			require.NoError(t, err)
			assert.Equal(t, validDescriptor(), d)
		}
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("rejects invalid descriptors without caching", func(t *testing.T) {
		var calls atomic.Int32
		r := newResolver(func(ctx context.Context, key string) (Descriptor, error) {
			if calls.Add(1) == 1 {
				return Descriptor{Endpoint: "203.0.113.10:7777"}, nil
			}
			return validDescriptor(), nil
		})

		_, err := r.Resolve(ctx, "join-1")
		assert.ErrorContains(t, err, "allocation id")

		d, err := r.Resolve(ctx, "join-1")
		require.NoError(t, err)
		assert.Equal(t, validDescriptor(), d)
	})

	t.Run("fetch errors propagate", func(t *testing.T) {
		r := newResolver(func(ctx context.Context, key string) (Descriptor, error) {
			return Descriptor{}, assert.AnError
		})
		_, err := r.Resolve(ctx, "join-1")
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("invalidate refetches", func(t *testing.T) {
		var calls atomic.Int32
		r := newResolver(func(ctx context.Context, key string) (Descriptor, error) {
			calls.Add(1)
			return validDescriptor(), nil
		})

		_, err := r.Resolve(ctx, "join-1")
		require.NoError(t, err)
		require.NoError(t, r.Invalidate(ctx, "join-1"))
		_, err = r.Resolve(ctx, "join-1")
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestHTTPFetcher(t *testing.T) {
	ctx := context.Background()

	t.Run("decodes descriptor", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "join-1", r.URL.Query().Get("allocation"))
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(validDescriptor())
		}))
		defer srv.Close()

		d, err := HTTPFetcher(srv.Client(), srv.URL)(ctx, "join-1")
		require.NoError(t, err)
		assert.Equal(t, validDescriptor(), d)
	})

	t.Run("non-200 status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no such allocation", http.StatusNotFound)
		}))
		defer srv.Close()

		_, err := HTTPFetcher(nil, srv.URL)(ctx, "missing")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
		assert.Contains(t, err.Error(), "no such allocation")
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{not json"))
		}))
		defer srv.Close()

		_, err := HTTPFetcher(srv.Client(), srv.URL)(ctx, "join-1")
		assert.ErrorContains(t, err, "decode allocation")
	})

	t.Run("through resolver", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			_ = json.NewEncoder(w).Encode(validDescriptor())
		}))
		defer srv.Close()

		r := newResolver(HTTPFetcher(srv.Client(), srv.URL))
		for n := 0; n < 2; n++ {
			_, err := r.Resolve(ctx, "join-1")
			require.NoError(t, err)
		}
		assert.Equal(t, int32(1), hits.Load())
	})
}
