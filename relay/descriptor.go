// Package relay describes relay allocations used when the server binds
// through a rendezvous service instead of a public endpoint, and resolves
// them from an allocation service with caching.
package relay

import (
	"fmt"
	"net/netip"
)

// Descriptor holds the parameters of one relay allocation. The zero value
// means "not set"; relay mode refuses to start without a populated descriptor.
type Descriptor struct {
	// Endpoint is the relay server "host:port".
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// AllocationID identifies this server's allocation on the relay.
	AllocationID string `yaml:"allocation_id" json:"allocation_id"`
	// ConnectionData is the opaque connection blob issued with the allocation.
	ConnectionData string `yaml:"connection_data" json:"connection_data"`
	// Key is the HMAC key used to sign relay control messages.
	Key string `yaml:"key" json:"key"`
	// Secure selects DTLS towards the relay.
	Secure bool `yaml:"secure" json:"secure"`
}

// IsZero reports whether d is the default, unset descriptor.
func (d Descriptor) IsZero() bool {
	return d == Descriptor{}
}

// Validate checks that every field needed to bind through the relay is set.
//
// Returns:
//   - An error describing the first missing or malformed field, or nil
func (d Descriptor) Validate() error {
	if d.IsZero() {
		return fmt.Errorf("relay descriptor is not set")
	}

	if _, err := netip.ParseAddrPort(d.Endpoint); err != nil {
		return fmt.Errorf("relay endpoint %q: %w", d.Endpoint, err)
	}

	if d.AllocationID == "" {
		return fmt.Errorf("relay allocation id is empty")
	}

	if d.Key == "" {
		return fmt.Errorf("relay key is empty")
	}

	return nil
}
