// Copyright 2025 Certen Protocol
//
// Package cache implements the stability-watermark-bounded unit caches of
// spec §4.3 (C3): unstable_units and stable_units_recent. Both are plain
// maps guarded by one mutex — the teacher's pkg/ledger kept its ABCI
// state entirely in the KV store with no in-memory projection, so this
// package has no direct teacher ancestor; its shape (bounded map +
// periodic sweep + load-through-to-storage on miss) follows the
// same "cache is an optimization, storage is truth" posture the
// teacher's pkg/database connection pool expresses for connections.
package cache

import (
	"context"
	"sync"

	"github.com/dagchain/corenode/pkg/dag"
)

// UnitLoader loads a unit's cache projection from the relational store on
// a cache miss. Implemented by pkg/storage in production and a fake in
// tests.
type UnitLoader interface {
	LoadUnitProps(ctx context.Context, unitHash string) (*dag.UnitProps, error)
}

// Cache holds the two maps described in spec §4.3. Consumers must not
// assume a stable unit is present — Get always falls through to the
// loader on a miss rather than returning dag.ErrNotInCache to the caller.
type Cache struct {
	mu     sync.RWMutex
	loader UnitLoader

	unstable     map[string]*dag.UnitProps
	stableRecent map[string]*dag.UnitProps

	watermark uint64 // min_retrievable_mci: entries below this are evictable
	recentK   uint64 // stable_units_recent keeps mci >= watermark - recentK
}

func New(loader UnitLoader, recentK uint64) *Cache {
	return &Cache{
		loader:       loader,
		unstable:     make(map[string]*dag.UnitProps),
		stableRecent: make(map[string]*dag.UnitProps),
		recentK:      recentK,
	}
}

// Get returns a unit's cached props, loading through to storage on miss.
// It never returns dag.ErrNotInCache to callers — that sentinel exists so
// internal helpers can distinguish "absent from the map" without an
// allocation, but every exported path here resolves it into a storage read.
func (c *Cache) Get(ctx context.Context, unitHash string) (*dag.UnitProps, error) {
	c.mu.RLock()
	if p, ok := c.unstable[unitHash]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	if p, ok := c.stableRecent[unitHash]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	p, err := c.loader.LoadUnitProps(ctx, unitHash)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.insertLocked(p)
	c.mu.Unlock()
	return p, nil
}

// Put inserts or refreshes a unit's cached props, e.g. right after
// pkg/writer commits it.
func (c *Cache) Put(p *dag.UnitProps) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(p)
}

func (c *Cache) insertLocked(p *dag.UnitProps) {
	if p.IsStable {
		c.stableRecent[p.UnitHash] = p
		delete(c.unstable, p.UnitHash)
	} else {
		c.unstable[p.UnitHash] = p
	}
}

// Remove evicts unitHash from both maps. pkg/writer uses this to undo a
// speculative Put if the transaction that produced it rolls back — the
// global write lock ensures no other goroutine observes the cache between
// the speculative insert and the rollback.
func (c *Cache) Remove(unitHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.unstable, unitHash)
	delete(c.stableRecent, unitHash)
}

// AdvanceWatermark records the new min_retrievable_mci and evicts stable
// entries whose mci falls below watermark - recentK, per spec §4.3's
// periodic sweep. Called by
// pkg/mainchain after each stability advance.
func (c *Cache) AdvanceWatermark(mci uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watermark = mci

	var floor uint64
	if mci > c.recentK {
		floor = mci - c.recentK
	}
	for h, p := range c.stableRecent {
		if p.MainChainIndex != nil && *p.MainChainIndex < floor {
			delete(c.stableRecent, h)
		}
	}
}

// Watermark returns the current min_retrievable_mci.
func (c *Cache) Watermark() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.watermark
}
