// Copyright 2025 Certen Protocol
package mainchain

import (
	"context"

	"github.com/dagchain/corenode/pkg/dag"
)

// resolveSequence decides good or final-bad for a unit reaching its
// stabilizing MCI; it never returns temp-bad. A unit with no recorded
// conflicts is good. Among a conflicting set, the winner is the unit with
// the lower best-parent-chain rank; ties break by the smaller
// unit_hash. The audited code left this tie-break underspecified (spec
// §9 open question) — this is the decision recorded in DESIGN.md.
func (e *Engine) resolveSequence(ctx context.Context, unitHash string) (dag.Sequence, error) {
	conflicts, err := e.store.ConflictingUnits(ctx, unitHash)
	if err != nil {
		return "", err
	}
	if len(conflicts) == 0 {
		return dag.SequenceGood, nil
	}

	myRank, err := e.store.BestParentChainRank(ctx, unitHash)
	if err != nil {
		return "", err
	}

	for _, other := range conflicts {
		otherRank, err := e.store.BestParentChainRank(ctx, other)
		if err != nil {
			return "", err
		}
		if otherRank < myRank || (otherRank == myRank && other < unitHash) {
			return dag.SequenceFinalBad, nil
		}
	}
	return dag.SequenceGood, nil
}
