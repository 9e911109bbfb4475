// Copyright 2025 Certen Protocol

package writer

import (
	"testing"

	"github.com/dagchain/corenode/pkg/dag"
)

func TestInputKey(t *testing.T) {
	k1 := inputKey("abc123", 0, 1)
	k2 := inputKey("abc123", 0, 1)
	if k1 != k2 {
		t.Fatalf("inputKey not deterministic: %q vs %q", k1, k2)
	}

	k3 := inputKey("abc123", 1, 0)
	if k1 == k3 {
		t.Fatalf("inputKey collided across message_index/output_index: %q", k1)
	}

	k4 := inputKey("abc124", 0, 1)
	if k1 == k4 {
		t.Fatalf("inputKey collided across src_unit: %q", k1)
	}
}

func TestUnitPropsCopiesFields(t *testing.T) {
	lim := uint64(7)
	mci := uint64(9)
	u := &dag.Unit{
		UnitHash:              "U1",
		ParentUnits:           []string{"P1", "P2"},
		Level:                 3,
		LatestIncludedMCIndex: &lim,
		MainChainIndex:        &mci,
		IsOnMainChain:         true,
		IsStable:              false,
		IsFree:                true,
		Sequence:              dag.SequenceGood,
		WitnessListUnit:       "W1",
		Timestamp:             1700000000,
		Authors: []dag.Author{
			{Address: "ADDR1"},
			{Address: "ADDR2"},
		},
	}

	props := unitProps(u)

	if props.UnitHash != u.UnitHash {
		t.Errorf("UnitHash: got %q, want %q", props.UnitHash, u.UnitHash)
	}
	if len(props.ParentUnits) != 2 || props.ParentUnits[0] != "P1" {
		t.Errorf("ParentUnits not copied: %v", props.ParentUnits)
	}
	if props.LatestIncludedMCIndex != lim {
		t.Errorf("LatestIncludedMCIndex: got %d, want %d", props.LatestIncludedMCIndex, lim)
	}
	if props.MainChainIndex == nil || *props.MainChainIndex != mci {
		t.Errorf("MainChainIndex not carried through: %v", props.MainChainIndex)
	}
	if !props.IsOnMainChain || !props.IsFree || props.IsStable {
		t.Errorf("boolean flags not copied correctly: %+v", props)
	}
	if len(props.AuthorAddresses) != 2 || props.AuthorAddresses[1] != "ADDR2" {
		t.Errorf("AuthorAddresses not derived from Authors: %v", props.AuthorAddresses)
	}
}

func TestUnitPropsNilLatestIncludedMCIndex(t *testing.T) {
	u := &dag.Unit{UnitHash: "GENESIS"}
	props := unitProps(u)
	if props.LatestIncludedMCIndex != 0 {
		t.Errorf("expected zero LatestIncludedMCIndex for a unit with none set, got %d", props.LatestIncludedMCIndex)
	}
}
