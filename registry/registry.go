// Package registry maps the opaque client ids exposed upstream to the
// driver handles that back them. Ids are small integers drawn from an
// idgenerator pool; a reverse table resolves handles back to ids for
// inbound events.
package registry

import (
	"fmt"
	"slices"

	"github.com/cyberinferno/go-transport/driver"
	"github.com/cyberinferno/go-transport/idgenerator"
	"github.com/cyberinferno/go-transport/transport"
)

// Registry is the bidirectional client id <-> handle table. It is not safe
// for concurrent use; the server mutates it only from its processing turn.
type Registry struct {
	ids      *idgenerator.IdGenerator
	byID     map[transport.ClientID]driver.Handle
	byHandle map[driver.Handle]transport.ClientID
}

// New returns an empty registry. The first registered client receives id 1.
func New() *Registry {
	return &Registry{
		ids:      idgenerator.NewIdGenerator(0),
		byID:     make(map[transport.ClientID]driver.Handle),
		byHandle: make(map[driver.Handle]transport.ClientID),
	}
}

// Register assigns a client id to h.
//
// Parameters:
//   - h: The driver handle of a newly accepted connection
//
// Returns:
//   - The client id now bound to h
//   - An error if h is already registered
func (r *Registry) Register(h driver.Handle) (transport.ClientID, error) {
	if id, ok := r.byHandle[h]; ok {
		return id, fmt.Errorf("handle %s already registered as client %d", h, id)
	}

	id := transport.ClientID(r.ids.Id())
	r.byID[id] = h
	r.byHandle[h] = id
	return id, nil
}

// Resolve returns the handle registered for id.
//
// Returns:
//   - The handle, or an error wrapping transport.ErrNotFound
func (r *Registry) Resolve(id transport.ClientID) (driver.Handle, error) {
	h, ok := r.byID[id]
	if !ok {
		return driver.Handle{}, fmt.Errorf("client %d: %w", id, transport.ErrNotFound)
	}

	return h, nil
}

// Lookup returns the client id registered for h.
func (r *Registry) Lookup(h driver.Handle) (transport.ClientID, bool) {
	id, ok := r.byHandle[h]
	return id, ok
}

// Unregister removes id and returns its number to the pool.
//
// Returns:
//   - An error wrapping transport.ErrNotFound if id is not registered
func (r *Registry) Unregister(id transport.ClientID) error {
	h, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("client %d: %w", id, transport.ErrNotFound)
	}

	delete(r.byID, id)
	delete(r.byHandle, h)
	r.ids.Release(uint32(id))
	return nil
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	return len(r.byID)
}

// IDs returns the registered client ids in ascending order.
func (r *Registry) IDs() []transport.ClientID {
	ids := make([]transport.ClientID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}

	slices.Sort(ids)
	return ids
}

// Clear removes every entry and resets id allocation.
func (r *Registry) Clear() {
	clear(r.byID)
	clear(r.byHandle)
	r.ids.Reset()
}
