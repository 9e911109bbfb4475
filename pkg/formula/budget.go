// Copyright 2025 Certen Protocol

package formula

import "github.com/dagchain/corenode/pkg/dag"

// Budget tracks the same two ceilings pkg/definition.Budget does —
// MAX_COMPLEXITY (node visits) and MAX_OPS (operator evaluations) — plus
// a nesting-depth limit. MAX_HASH_INPUT_LENGTH is not tracked here: it is
// checked per hash call by checkHashInputLength.
type Budget struct {
	complexity int
	ops        int
	maxDepth   int
}

func NewBudget() *Budget {
	return &Budget{maxDepth: 64}
}

func (b *Budget) charge(ops int) error {
	b.complexity++
	b.ops += ops
	if b.complexity > dag.MaxComplexity {
		return dag.New(dag.KindFormulaFatal, "formula complexity exceeds %d", dag.MaxComplexity)
	}
	if b.ops > dag.MaxOps {
		return dag.New(dag.KindFormulaFatal, "formula op count exceeds %d", dag.MaxOps)
	}
	return nil
}

// checkHashInputLength enforces MAX_HASH_INPUT_LENGTH (65536 bytes) on
// any value passed to sha256/sha1/chash160 — a fatal formula error, not a
// truncation, so memory use stays bounded without silently changing the
// hash of oversized input.
func checkHashInputLength(b []byte) error {
	if len(b) > dag.MaxHashInputLength {
		return dag.New(dag.KindFormulaFatal, "hash input of %d bytes exceeds MAX_HASH_INPUT_LENGTH (%d)", len(b), dag.MaxHashInputLength)
	}
	return nil
}

// checkStateVarValueLength enforces MAX_STATE_VAR_VALUE_LENGTH uniformly
// across every state-assignment operator (`=`, `||=`, `+=`, ...) per
// spec §4.8 — callers pass the serialized form of the value about to be
// written, regardless of which operator produced it.
func checkStateVarValueLength(encoded []byte) error {
	if len(encoded) > dag.MaxStateVarValueLen {
		return dag.New(dag.KindFormulaFatal, "state variable value of %d bytes exceeds MAX_STATE_VAR_VALUE_LENGTH (%d)", len(encoded), dag.MaxStateVarValueLen)
	}
	return nil
}
