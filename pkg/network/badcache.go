// Copyright 2025 Certen Protocol

package network

import (
	"container/list"
	"sync"
)

// badUnitCache remembers unit hashes this node has already rejected with
// a permanent error (structural, hash mismatch, bad joint) so a peer
// re-gossiping the same bad joint is dropped without re-validating it.
// It is intentionally an in-memory, bounded LRU rather than a table:
// pkg/storage's units table only ever holds units that passed structural
// and hash checks (Insert happens after Validate succeeds), so a unit
// rejected before that point has nowhere else recorded that it was ever
// seen. Losing this cache on restart just means the first re-gossip
// after a restart gets re-validated and rejected again, which is cheap
// and correct, not unsafe.
type badUnitCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newBadUnitCache(capacity int) *badUnitCache {
	return &badUnitCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

func (c *badUnitCache) Add(unitHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[unitHash]; ok {
		return
	}
	el := c.order.PushFront(unitHash)
	c.index[unitHash] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.index, oldest.Value.(string))
		}
	}
}

func (c *badUnitCache) Contains(unitHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[unitHash]
	return ok
}
