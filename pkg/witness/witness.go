// Copyright 2025 Certen Protocol
//
// Package witness resolves and validates witness lists: the
// witness_list_unit reference every unit carries (spec §3, §4.5 step 5),
// and the fixed 12-address count constraint (spec §6).
package witness

import (
	"context"
	"sort"

	"github.com/dagchain/corenode/pkg/dag"
)

// DefinitionResolver loads the address-definition-publishing unit a
// witness_list_unit points to, so List can confirm the list was
// authored by a known definition rather than trusting the payload blind.
type DefinitionResolver interface {
	IsStable(ctx context.Context, unitHash string) (bool, error)
	WitnessListPayload(ctx context.Context, unitHash string) ([]string, error)
}

// List is a resolved, validated witness set.
type List struct {
	Addresses []string // sorted, exactly dag.WitnessCount entries
	Unit      string   // the witness_list_unit it was resolved from
}

// Resolve loads and validates the witness list referenced by
// witnessListUnit: it must be stable and must carry exactly
// dag.WitnessCount distinct addresses.
func Resolve(ctx context.Context, r DefinitionResolver, witnessListUnit string) (*List, error) {
	stable, err := r.IsStable(ctx, witnessListUnit)
	if err != nil {
		return nil, err
	}
	if !stable {
		return nil, dag.New(dag.KindNeedParents, "witness_list_unit %s is not yet stable", witnessListUnit)
	}

	addrs, err := r.WitnessListPayload(ctx, witnessListUnit)
	if err != nil {
		return nil, err
	}
	if err := Validate(addrs); err != nil {
		return nil, err
	}

	sorted := append([]string(nil), addrs...)
	sort.Strings(sorted)
	return &List{Addresses: sorted, Unit: witnessListUnit}, nil
}

// Validate enforces the fixed-count, no-duplicates constraint on a raw
// witness address list.
func Validate(addrs []string) error {
	if len(addrs) != dag.WitnessCount {
		return dag.New(dag.KindUnit, "witness list must have exactly %d addresses, got %d", dag.WitnessCount, len(addrs))
	}
	seen := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		if a == "" {
			return dag.New(dag.KindUnit, "witness list contains an empty address")
		}
		if seen[a] {
			return dag.New(dag.KindUnit, "witness list contains duplicate address %s", a)
		}
		seen[a] = true
	}
	return nil
}

// Diff reports additions/removals between two witness lists, used when
// validating a witness-list-change unit: spec §4.5 treats a witness
// change as an ordinary unit subject to the same validation pipeline, but
// network/UX layers want to know what changed.
func Diff(old, new []string) (added, removed []string) {
	oldSet := make(map[string]bool, len(old))
	for _, a := range old {
		oldSet[a] = true
	}
	newSet := make(map[string]bool, len(new))
	for _, a := range new {
		newSet[a] = true
		if !oldSet[a] {
			added = append(added, a)
		}
	}
	for _, a := range old {
		if !newSet[a] {
			removed = append(removed, a)
		}
	}
	return added, removed
}
