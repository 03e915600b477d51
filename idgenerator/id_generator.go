// Package idgenerator hands out small integer ids and takes them back when a
// session ends. Released ids are reissued in the order they were released,
// so a freshly freed id is the last one to come back.
package idgenerator

import "sync"

// IdGenerator issues uint32 ids starting at startValue+1. Ids returned with
// Release are recycled before new ones are minted. It is safe for
// concurrent use.
type IdGenerator struct {
	mu     sync.Mutex
	start  uint32
	next   uint32
	free   []uint32
	issued map[uint32]struct{}
}

// NewIdGenerator creates an IdGenerator whose first id is startValue+1.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint32) *IdGenerator {
	return &IdGenerator{
		start:  startValue,
		next:   startValue,
		issued: make(map[uint32]struct{}),
	}
}

// Id returns an id that is not currently issued. Released ids are reused
// first, oldest release first; otherwise the counter is advanced.
//
// Returns:
//   - The issued id
func (g *IdGenerator) Id() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	var id uint32
	if len(g.free) > 0 {
		id = g.free[0]
		g.free = g.free[1:]
	} else {
		g.next++
		id = g.next
	}

	g.issued[id] = struct{}{}
	return id
}

// Release returns id to the pool. Releasing an id that is not issued is a
// no-op.
//
// Parameters:
//   - id: The id to release
//
// Returns:
//   - true if id was issued and is now free
func (g *IdGenerator) Release(id uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.issued[id]; !ok {
		return false
	}

	delete(g.issued, id)
	g.free = append(g.free, id)
	return true
}

// InUse returns the number of ids currently issued.
func (g *IdGenerator) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.issued)
}

// Reset forgets every issued and released id; the next Id is startValue+1.
func (g *IdGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next = g.start
	g.free = nil
	g.issued = make(map[uint32]struct{})
}
