// Copyright 2025 Certen Protocol

package kvstore

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dagchain/corenode/pkg/dag"
)

// StateStore implements the AA state-variable namespace and the
// min_retrievable_mci bookkeeping key described in spec §6:
//
//	st\n{aa_address}\n{var_name} -> {type_tag}{value}
//
// The namespace is adapted from the teacher's pkg/ledger.LedgerStore key
// layout (keySysMeta/keySysBlockPrefix-style prefixed keys over the same
// dbm.DB), generalized from a single fixed record per key to a
// type-tagged scalar/JSON value per (address, name) pair.
type StateStore struct {
	a *Adapter
}

func NewStateStore(a *Adapter) *StateStore { return &StateStore{a: a} }

const (
	tagDecimal byte = 'n'
	tagString  byte = 's'
	tagBool    byte = 'b'
	tagJSON    byte = 'j'
)

func stateKey(address, name string) []byte {
	return []byte("st\n" + address + "\n" + name)
}

var minRetrievableMCIKey = []byte("min_retrievable_mci")

// Get reads a single AA state variable. A missing key is not an error —
// the formula evaluator's `var[...]` getter treats an absent variable as
// its type's zero value (spec §4.8).
func (s *StateStore) Get(address, name string) (*dag.StateVar, bool, error) {
	raw, err := s.a.Get(stateKey(address, name))
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	sv, err := decodeStateVar(address, name, raw)
	if err != nil {
		return nil, false, err
	}
	return sv, true, nil
}

// Put writes a single state variable synchronously. Most callers batch
// multiple variables via NewMutationBatch so an AA response's entire
// state delta lands in one WriteSync.
func (s *StateStore) Put(sv *dag.StateVar) error {
	encoded, err := encodeStateVar(sv)
	if err != nil {
		return err
	}
	return s.a.Set(stateKey(sv.Address, sv.Name), encoded)
}

// MutationBatch accumulates a set of state-variable writes for one
// durable commit, paired with a journal row in the relational store
// (see pkg/storage.JournalRepository and Replayer below).
type MutationBatch struct {
	b *Batch
}

func (s *StateStore) NewMutationBatch() *MutationBatch {
	return &MutationBatch{b: s.a.NewBatch()}
}

func (m *MutationBatch) Set(sv *dag.StateVar) error {
	encoded, err := encodeStateVar(sv)
	if err != nil {
		return err
	}
	return m.b.Set(stateKey(sv.Address, sv.Name), encoded)
}

func (m *MutationBatch) Delete(address, name string) error {
	return m.b.Delete(stateKey(address, name))
}

func (m *MutationBatch) Commit() error { return m.b.WriteSync() }

func encodeStateVar(sv *dag.StateVar) ([]byte, error) {
	switch sv.Kind {
	case dag.StateVarDecimal:
		return append([]byte{tagDecimal}, []byte(sv.Decimal.String())...), nil
	case dag.StateVarString:
		return append([]byte{tagString}, []byte(sv.Str)...), nil
	case dag.StateVarBool:
		if sv.Bool {
			return []byte{tagBool, 1}, nil
		}
		return []byte{tagBool, 0}, nil
	case dag.StateVarObject:
		b, err := json.Marshal(sv.Object)
		if err != nil {
			return nil, fmt.Errorf("kvstore: marshal state var %s/%s: %w", sv.Address, sv.Name, err)
		}
		return append([]byte{tagJSON}, b...), nil
	default:
		return nil, fmt.Errorf("kvstore: unknown state var kind %q", sv.Kind)
	}
}

func decodeStateVar(address, name string, raw []byte) (*dag.StateVar, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("kvstore: empty state var record for %s/%s", address, name)
	}
	tag, payload := raw[0], raw[1:]
	sv := &dag.StateVar{Address: address, Name: name, Kind: dag.StateVarKind(tag)}
	switch tag {
	case tagDecimal:
		d, err := decimal.NewFromString(string(payload))
		if err != nil {
			return nil, fmt.Errorf("kvstore: decode decimal state var %s/%s: %w", address, name, err)
		}
		sv.Decimal = d
	case tagString:
		sv.Str = string(payload)
	case tagBool:
		if len(payload) != 1 {
			return nil, fmt.Errorf("kvstore: malformed bool state var %s/%s", address, name)
		}
		sv.Bool = payload[0] == 1
	case tagJSON:
		var v interface{}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("kvstore: decode json state var %s/%s: %w", address, name, err)
		}
		sv.Object = v
	default:
		return nil, fmt.Errorf("kvstore: unknown type tag %q for %s/%s", tag, address, name)
	}
	return sv, nil
}

// MinRetrievableMCI returns the cache/storage eviction watermark (spec
// §4.3: "Eviction drops entries with mci < min_retrievable_mci").
func (s *StateStore) MinRetrievableMCI() (uint64, bool, error) {
	raw, err := s.a.Get(minRetrievableMCIKey)
	if err != nil {
		return 0, false, err
	}
	if raw == nil {
		return 0, false, nil
	}
	var mci uint64
	if _, err := fmt.Sscanf(string(raw), "%d", &mci); err != nil {
		return 0, false, fmt.Errorf("kvstore: decode min_retrievable_mci: %w", err)
	}
	return mci, true, nil
}

func (s *StateStore) SetMinRetrievableMCI(mci uint64) error {
	return s.a.Set(minRetrievableMCIKey, []byte(fmt.Sprintf("%d", mci)))
}
