package pool

import (
	"sync"
)

// registry is the authoritative record of every live connection the
// pool owns, keyed by connection id. Capacity enforcement consults the
// registry alone; the idle bucket counters are only approximations.
type registry struct {
	mu    sync.RWMutex
	conns map[uint64]*Conn
}

func newRegistry() *registry {
	return &registry{conns: make(map[uint64]*Conn)}
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// atCapacity reports whether the registry holds max or more
// connections. A max of zero means unlimited.
func (r *registry) atCapacity(max int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.conns)
	return n, max > 0 && n >= max
}

// insertCapped re-checks the capacity limit under the write lock and
// inserts the connection. On an id collision the connection is
// renumbered, skipping zero, until a free id is found; a full cycle
// without one fails the insert.
func (r *registry) insertCapped(c *Conn, max int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if max > 0 && len(r.conns) >= max {
		return &ExhaustedError{Current: len(r.conns), Max: max}
	}
	start := c.id
	for {
		if _, exists := r.conns[c.id]; !exists {
			r.conns[c.id] = c
			return nil
		}
		log.WithField("connection_id", c.id).
			Warn("connection id collision, renumbering")
		next := c.id + 1
		if next == 0 {
			next = 1
		}
		if next == start {
			return &InvalidConnectionError{ID: start, Reason: "no free connection id"}
		}
		c.id = next
	}
}

// remove deletes the connection from the registry, reporting whether
// it was present. Removal matches by pointer: if another connection
// now owns the id, a full scan finds the right entry.
func (r *registry) remove(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if got, ok := r.conns[c.id]; ok && got == c {
		delete(r.conns, c.id)
		return true
	}
	for id, got := range r.conns {
		if got == c {
			delete(r.conns, id)
			return true
		}
	}
	return false
}

// snapshot copies the current connection set for lock-free iteration.
func (r *registry) snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
