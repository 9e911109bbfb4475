// Copyright 2025 Certen Protocol
//
// Package definition evaluates address-definition expression trees: the
// boolean-valued sig/hash/address/and/or/r-of-set/weighted-and/seen/
// data_feed/seen-address/attested vocabulary described in spec §3 and
// validated in §4.5 step 6. Every traversal carries an explicit depth and
// op-count budget rather than relying on Go's call stack — the spec
// requires this of "any recursive evaluator (address-definition walker,
// seen-address resolver)" so a pathological nested definition fails
// deterministically with BudgetExceeded on every node, not with a stack
// overflow on some.
package definition

import (
	"context"
	"fmt"

	"github.com/dagchain/corenode/pkg/dag"
)

// Context supplies the external facts a definition's leaf operators need:
// signature verification, hash matching, "has this address posted a unit
// yet" (seen), oracle data-feed lookups, and attestation lookups.
type Context interface {
	VerifySignature(address string, pubkeyB64 string, authentifier string) (bool, error)
	IsSeenAddress(ctx context.Context, address string) (bool, error)
	DataFeedValue(ctx context.Context, oracle, feedName string) (string, bool, error)
	IsAttested(ctx context.Context, attestor, address, field, value string) (bool, error)
}

// Budget tracks the complexity and op-count ceilings spec §4.5/§6 impose
// on definition evaluation: MAX_COMPLEXITY (100 node visits) and MAX_OPS
// (2000 operator evaluations across the whole unit, shared by the
// caller across every author's definition in the same unit).
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
		return dag.New(dag.KindBudgetExceeded, "definition complexity exceeds %d", dag.MaxComplexity)
	}
	if b.ops > dag.MaxOps {
		return dag.New(dag.KindBudgetExceeded, "definition op count exceeds %d", dag.MaxOps)
	}
	return nil
}

// Evaluate walks def and returns whether it is satisfied given
// authentifiers (the per-author signature blobs carried on the unit,
// keyed by definition path — "r" for the root signature slot, "r.0" etc.
// for nested multi-sig slots, mirroring the wire protocol's convention).
func Evaluate(ctx context.Context, c Context, budget *Budget, def interface{}, authentifiers map[string]string, path string, depth int) (bool, error) {
	if depth > budget.maxDepth {
		return false, dag.New(dag.KindBudgetExceeded, "definition nesting exceeds %d", budget.maxDepth)
	}
	if err := budget.charge(1); err != nil {
		return false, err
	}

	node, ok := def.([]interface{})
	if !ok || len(node) < 2 {
		return false, dag.New(dag.KindUnit, "malformed definition node at %s", path)
	}
	op, ok := node[0].(string)
	if !ok {
		return false, dag.New(dag.KindUnit, "definition node at %s missing operator", path)
	}

	switch op {
	case "sig":
		params, _ := node[1].(map[string]interface{})
		pubkey, _ := params["pubkey"].(string)
		auth, ok := authentifiers[path]
		if !ok {
			return false, nil
		}
		return c.VerifySignature(pubkey, pubkey, auth)

	case "hash":
		params, _ := node[1].(map[string]interface{})
		hash, _ := params["hash"].(string)
		auth, ok := authentifiers[path]
		return ok && auth == hash, nil

	case "address":
		// A definition referencing a plain address is satisfied by that
		// address's own definition evaluating true; resolution of the
		// nested definition is the caller's responsibility (it requires
		// a storage lookup this package is deliberately kept free of).
		return false, dag.New(dag.KindBug, "address operator must be pre-resolved by the caller before Evaluate")

	case "and":
		children, _ := node[1].([]interface{})
		for i, ch := range children {
			ok, err := Evaluate(ctx, c, budget, ch, authentifiers, fmt.Sprintf("%s.%d", path, i), depth+1)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case "or":
		children, _ := node[1].([]interface{})
		for i, ch := range children {
			ok, err := Evaluate(ctx, c, budget, ch, authentifiers, fmt.Sprintf("%s.%d", path, i), depth+1)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case "r of set":
		params, _ := node[1].(map[string]interface{})
		required, _ := params["required"].(float64)
		set, _ := params["set"].([]interface{})
		count := 0
		for i, ch := range set {
			ok, err := Evaluate(ctx, c, budget, ch, authentifiers, fmt.Sprintf("%s.%d", path, i), depth+1)
			if err != nil {
				return false, err
			}
			if ok {
				count++
			}
		}
		return count >= int(required), nil

	case "weighted and":
		params, _ := node[1].(map[string]interface{})
		required, _ := params["required"].(float64)
		set, _ := params["set"].([]interface{})
		var total float64
		for i, entry := range set {
			pair, _ := entry.(map[string]interface{})
			weight, _ := pair["weight"].(float64)
			ok, err := Evaluate(ctx, c, budget, pair["value"], authentifiers, fmt.Sprintf("%s.%d", path, i), depth+1)
			if err != nil {
				return false, err
			}
			if ok {
				total += weight
			}
		}
		return total >= required, nil

	case "seen":
		params, _ := node[1].(map[string]interface{})
		address, _ := params["address"].(string)
		return c.IsSeenAddress(ctx, address)

	case "seen-address":
		params, _ := node[1].(map[string]interface{})
		address, _ := params["address"].(string)
		return c.IsSeenAddress(ctx, address)

	case "data_feed":
		params, _ := node[1].(map[string]interface{})
		oracle, _ := params["oracle"].(string)
		feed, _ := params["feed_name"].(string)
		wantValue, _ := params["value"].(string)
		value, ok, err := c.DataFeedValue(ctx, oracle, feed)
		if err != nil {
			return false, err
		}
		return ok && value == wantValue, nil

	case "attested":
		params, _ := node[1].(map[string]interface{})
		attestor, _ := params["attestor"].(string)
		address, _ := params["address"].(string)
		field, _ := params["field"].(string)
		value, _ := params["value"].(string)
		return c.IsAttested(ctx, attestor, address, field, value)

	default:
		return false, dag.New(dag.KindUnit, "unknown definition operator %q at %s", op, path)
	}
}
