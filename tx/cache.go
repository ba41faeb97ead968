package tx

import (
	"sync"

	"github.com/marrowdb/marrow/schema"
)

// identityCache guarantees one canonical handle per object identifier within a
// transaction. Handle construction may in principle re-enter the cache (a
// handle built from another handle's field); the cache therefore constructs
// outside its lock and keeps the first registered handle on a race.
type identityCache struct {
	mu      sync.Mutex
	handles map[schema.ObjectID]*Obj
}

func newIdentityCache() *identityCache {
	return &identityCache{handles: make(map[schema.ObjectID]*Obj)}
}

func (c *identityCache) get(t *Tx, id schema.ObjectID) *Obj {
	c.mu.Lock()
	if h, ok := c.handles[id]; ok {
		c.mu.Unlock()
		return h
	}
	c.mu.Unlock()

	h := newObj(t, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if prior, ok := c.handles[id]; ok {
		return prior
	}
	c.handles[id] = h
	return h
}

func (c *identityCache) register(h *Obj) *Obj {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prior, ok := c.handles[h.id]; ok {
		return prior
	}
	c.handles[h.id] = h
	return h
}
