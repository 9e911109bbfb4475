// Copyright 2025 Certen Protocol
//
// Package kvstore is the key-value half of the dual store: AA state
// variables and the min_retrievable_mci bookkeeping key, backed by
// cometbft-db the same way the teacher's pkg/kvdb wraps dbm.DB for its
// ABCI application state.
package kvstore

import (
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
)

// Adapter wraps a dbm.DB with the Delete/Batch operations the teacher's
// KVAdapter didn't need (its ABCI state never deleted keys, only
// overwrote them) but spec §4.2's journal replay and state-variable
// eviction require.
type Adapter struct {
	db dbm.DB
}

// NewAdapter opens (or creates) a KV database of the given backend type
// at dir, using cometbft-db's backend registry — "goleveldb", "badgerdb",
// "boltdb", "memdb" are all valid per config.Config.KVBackend.
func NewAdapter(backend dbm.BackendType, name, dir string) (*Adapter, error) {
	db, err := dbm.NewDB(name, backend, dir)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s backend: %w", backend, err)
	}
	return &Adapter{db: db}, nil
}

func (a *Adapter) Get(key []byte) ([]byte, error) {
	v, err := a.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("kvstore: get: %w", err)
	}
	return v, nil
}

func (a *Adapter) Has(key []byte) (bool, error) {
	ok, err := a.db.Has(key)
	if err != nil {
		return false, fmt.Errorf("kvstore: has: %w", err)
	}
	return ok, nil
}

// Set writes synchronously (SetSync) — every AA state write must be
// durable before the trigger that produced it is dequeued, per the
// cross-store atomicity contract.
func (a *Adapter) Set(key, value []byte) error {
	if err := a.db.SetSync(key, value); err != nil {
		return fmt.Errorf("kvstore: set: %w", err)
	}
	return nil
}

func (a *Adapter) Delete(key []byte) error {
	if err := a.db.DeleteSync(key); err != nil {
		return fmt.Errorf("kvstore: delete: %w", err)
	}
	return nil
}

// Batch accumulates mutations for one atomic WriteSync, mirroring the
// spec's "KV batch_write{sync:true}" step of the journal protocol.
type Batch struct {
	b dbm.Batch
}

func (a *Adapter) NewBatch() *Batch {
	return &Batch{b: a.db.NewBatch()}
}

func (b *Batch) Set(key, value []byte) error {
	if err := b.b.Set(key, value); err != nil {
		return fmt.Errorf("kvstore: batch set: %w", err)
	}
	return nil
}

func (b *Batch) Delete(key []byte) error {
	if err := b.b.Delete(key); err != nil {
		return fmt.Errorf("kvstore: batch delete: %w", err)
	}
	return nil
}

// WriteSync commits the batch durably and releases its resources.
func (b *Batch) WriteSync() error {
	defer b.b.Close()
	if err := b.b.WriteSync(); err != nil {
		return fmt.Errorf("kvstore: batch write sync: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("kvstore: close: %w", err)
	}
	return nil
}
