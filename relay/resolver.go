package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cyberinferno/go-transport/cacher"
)

// DefaultCacheTTL is how long a resolved descriptor is reused when the
// resolver is built with a zero TTL.
const DefaultCacheTTL = 5 * time.Minute

// Fetcher obtains a fresh descriptor for an allocation key.
type Fetcher func(ctx context.Context, key string) (Descriptor, error)

// Resolver resolves allocation keys to descriptors, caching validated results.
type Resolver struct {
	cache cacher.Cacher[Descriptor]
	fetch Fetcher
	ttl   time.Duration
}

// NewResolver creates a Resolver.
//
// Parameters:
//   - cache: Cache shared by resolutions; a MemoryCacher or RedisCacher
//   - fetch: Called on cache misses
//   - ttl: Lifetime of a cached descriptor; 0 selects DefaultCacheTTL
//
// Returns:
//   - A new Resolver
func NewResolver(cache cacher.Cacher[Descriptor], fetch Fetcher, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &Resolver{cache: cache, fetch: fetch, ttl: ttl}
}

// Resolve returns the descriptor for key. Descriptors that fail Validate are
// reported as errors and never cached.
func (r *Resolver) Resolve(ctx context.Context, key string) (Descriptor, error) {
	return r.cache.GetOrFetch(ctx, key, r.ttl, func(ctx context.Context) (Descriptor, error) {
		desc, err := r.fetch(ctx, key)
		if err != nil {
			return Descriptor{}, err
		}

		if err := desc.Validate(); err != nil {
			return Descriptor{}, fmt.Errorf("allocation %q: %w", key, err)
		}

		return desc, nil
	})
}

// Invalidate drops the cached descriptor for key, e.g. after the relay
// rejected the allocation.
func (r *Resolver) Invalidate(ctx context.Context, key string) error {
	return r.cache.Delete(ctx, key)
}

// HTTPFetcher returns a Fetcher that GETs baseURL with the allocation key in
// the "allocation" query parameter and decodes a JSON Descriptor.
//
// Parameters:
//   - client: HTTP client to use; nil selects a client with a 10s timeout
//   - baseURL: Allocation service endpoint
//
// Returns:
//   - A Fetcher
func HTTPFetcher(client *http.Client, baseURL string) Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return func(ctx context.Context, key string) (Descriptor, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			return Descriptor{}, fmt.Errorf("build allocation request: %w", err)
		}

		q := req.URL.Query()
		q.Set("allocation", key)
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return Descriptor{}, fmt.Errorf("fetch allocation: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return Descriptor{}, fmt.Errorf("fetch allocation: unexpected status %d: %s", resp.StatusCode, body)
		}

		var desc Descriptor
		if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
			return Descriptor{}, fmt.Errorf("decode allocation: %w", err)
		}

		return desc, nil
	}
}
