// Copyright 2025 Certen Protocol

package composer

import (
	"github.com/dagchain/corenode/pkg/formula"
	"github.com/dagchain/corenode/pkg/kvstore"
)

// kvStateStore implements formula.StateStore over pkg/kvstore.StateStore,
// translating the persisted dag.StateVar form to/from formula.Value. A
// script's own writes never reach here mid-execution — pkg/formula.Env
// answers those from its pending map first; this is only the read-through
// to what was already durable before this trigger started.
type kvStateStore struct {
	s *kvstore.StateStore
}

func newStateStore(s *kvstore.StateStore) *kvStateStore {
	return &kvStateStore{s: s}
}

func (k *kvStateStore) Get(address, name string) (formula.Value, bool, error) {
	sv, ok, err := k.s.Get(address, name)
	if err != nil || !ok {
		return formula.Value{}, false, err
	}
	return formula.FromStateVar(sv), true, nil
}
