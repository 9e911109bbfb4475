// Copyright 2025 Certen Protocol

package composer

import (
	"context"
	"fmt"

	"github.com/dagchain/corenode/pkg/dag"
	"github.com/dagchain/corenode/pkg/storage"
)

// ResolveTemplate walks def's base_aa chain (if any), substituting each
// level's params into its base's template, and returns the final init/
// messages statement lists pkg/formula executes (spec §4.9 step 1: "load
// definition; if it has a base_aa, substitute base_aa templates and
// params").
func ResolveTemplate(ctx context.Context, aa *storage.AARepository, def *dag.AADefinition) (init []interface{}, messages []interface{}, err error) {
	cur := def
	seen := map[string]bool{def.Address: true}

	for cur.BaseAA != "" {
		base, err := aa.GetDefinition(ctx, cur.BaseAA)
		if err != nil {
			return nil, nil, fmt.Errorf("composer: load base_aa %s: %w", cur.BaseAA, err)
		}
		if seen[base.Address] {
			return nil, nil, fmt.Errorf("composer: base_aa cycle at %s", base.Address)
		}
		seen[base.Address] = true

		substituted, _ := substituteParams(base.Template, cur.Params).(map[string]interface{})
		cur = &dag.AADefinition{Address: base.Address, BaseAA: base.BaseAA, Params: base.Params, Template: substituted}
	}

	init, _ = cur.Template["init"].([]interface{})
	messages, _ = cur.Template["messages"].([]interface{})
	return init, messages, nil
}

// substituteParams replaces every `["param", name]` node in tree with
// params[name], recursing through the same []interface{}/map[string]
// interface{} shapes pkg/formula's AST uses. A param the caller never
// supplied resolves to nil rather than an error — an AA template may
// legitimately leave an optional param unset.
func substituteParams(tree interface{}, params map[string]interface{}) interface{} {
	switch t := tree.(type) {
	case []interface{}:
		if len(t) == 2 {
			if op, ok := t[0].(string); ok && op == "param" {
				if name, ok := t[1].(string); ok {
					return params[name]
				}
			}
		}
		out := make([]interface{}, len(t))
		for i, v := range t {
			out[i] = substituteParams(v, params)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, v := range t {
			out[k] = substituteParams(v, params)
		}
		return out
	default:
		return tree
	}
}
