// Copyright 2025 Certen Protocol

package formula

import (
	"context"
	"encoding/json"

	"github.com/dagchain/corenode/pkg/dag"
)

// Outcome is how a statement list finished: either it ran to the end (no
// explicit return/bounce), or it hit a `return`/`bounce` statement, which
// short-circuits every remaining statement and case in the script —
// matching spec §4.8's statement vocabulary.
type Outcome struct {
	Bounced      bool
	BounceReason string
	Returned     bool
	ReturnValue  Value
}

// ExecStatements runs stmts in order, applying each to env, until either
// the list is exhausted or a return/bounce statement fires. A statement
// is `[]interface{}{kind, args...}`, the same shape Evaluate's operator
// nodes use, so a single AST vocabulary covers both expressions and
// statements (the language is otherwise unambiguous about which context
// a node appears in, as the grammar makes opcodes context-specific).
func ExecStatements(ctx context.Context, env *Env, budget *Budget, stmts []interface{}) (Outcome, error) {
	for _, raw := range stmts {
		stmt, ok := raw.([]interface{})
		if !ok || len(stmt) == 0 {
			return Outcome{}, dag.New(dag.KindFormulaFatal, "malformed statement")
		}
		kind, _ := stmt[0].(string)
		if err := budget.charge(1); err != nil {
			return Outcome{}, err
		}

		out, err := execOne(ctx, env, budget, kind, stmt[1:])
		if err != nil {
			return Outcome{}, err
		}
		if out.Bounced || out.Returned {
			return out, nil
		}
	}
	return Outcome{}, nil
}

func execOne(ctx context.Context, env *Env, budget *Budget, kind string, args []interface{}) (Outcome, error) {
	switch kind {
	case "assign":
		name, _ := args[0].(string)
		v, err := evaluate(ctx, env, budget, args[1], 0)
		if err != nil {
			return Outcome{}, err
		}
		env.setLocal(name, v)
		return Outcome{}, nil

	case "state_set", "state_set_once", "state_add", "state_subtract":
		return Outcome{}, execStateAssign(ctx, env, budget, kind, args)

	case "delete_var":
		name, _ := args[0].(string)
		env.pending[name] = StateChange{Name: name, Deleted: true}
		return Outcome{}, nil

	case "send":
		return Outcome{}, execSend(ctx, env, budget, args)

	case "freeze":
		// Freezing an AA address is recorded as a state change on the
		// reserved "_frozen" variable. Kept in this package (rather than
		// a separate sentinel type) so the single StateChange list
		// composer consumes covers every mutation kind. pkg/composer does
		// not read "_frozen": later triggers against the address still
		// run and still update its state.
		env.pending["_frozen"] = StateChange{Name: "_frozen", Value: True}
		return Outcome{}, nil

	case "return":
		v, err := evaluate(ctx, env, budget, args[0], 0)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Returned: true, ReturnValue: v}, nil

	case "bounce":
		reason := ""
		if len(args) > 0 {
			if s, ok := args[0].(string); ok {
				reason = s
			}
		}
		return Outcome{Bounced: true, BounceReason: reason}, nil

	case "if":
		cond, err := evaluate(ctx, env, budget, args[0], 0)
		if err != nil {
			return Outcome{}, err
		}
		var body []interface{}
		if cond.IsTruthy() {
			body, _ = args[1].([]interface{})
		} else if len(args) > 2 {
			body, _ = args[2].([]interface{})
		}
		return ExecStatements(ctx, env, budget, body)

	case "case":
		return execCases(ctx, env, budget, args)

	default:
		return Outcome{}, dag.New(dag.KindFormulaFatal, "unknown statement %q", kind)
	}
}

// execCases evaluates a `cases` block: a list of {if, body} entries,
// taking the first whose `if` predicate is true (or that has none, i.e.
// the trailing "else"). Spec §4.9 step 3: "Cases evaluate `if`
// predicates in order; each case entry is an object (null/primitive
// cases are rejected at definition validation)."
func execCases(ctx context.Context, env *Env, budget *Budget, entries []interface{}) (Outcome, error) {
	for _, raw := range entries {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			return Outcome{}, dag.New(dag.KindFormulaFatal, "case entry must be an object")
		}
		if cond, has := entry["if"]; has {
			v, err := evaluate(ctx, env, budget, cond, 0)
			if err != nil {
				return Outcome{}, err
			}
			if !v.IsTruthy() {
				continue
			}
		}
		body, _ := entry["body"].([]interface{})
		return ExecStatements(ctx, env, budget, body)
	}
	return Outcome{}, nil
}

// execStateAssign implements `var['k'] = e`, `var['k'] ||= e`, `var['k']
// += e`, and `var['k'] -= e`, enforcing MAX_STATE_VAR_VALUE_LENGTH on the
// resulting value regardless of which operator produced it (spec §4.8).
func execStateAssign(ctx context.Context, env *Env, budget *Budget, kind string, args []interface{}) error {
	name, ok := args[0].(string)
	if !ok {
		return dag.New(dag.KindFormulaFatal, "state assignment: variable name must be a string")
	}
	if len(name) > dag.MaxStateVarNameLength {
		return dag.New(dag.KindFormulaFatal, "state variable name %q exceeds MAX_STATE_VAR_NAME_LENGTH (%d)", name, dag.MaxStateVarNameLength)
	}

	rhs, err := evaluate(ctx, env, budget, args[1], 0)
	if err != nil {
		return err
	}

	next := rhs
	switch kind {
	case "state_set":
		// next already holds rhs.
	case "state_set_once":
		_, exists, err := env.getVarExists(name)
		if err != nil {
			return err
		}
		if exists {
			return nil // already set — ||= never overwrites
		}
		next = rhs
	case "state_add", "state_subtract":
		cur, err := env.getVar(name)
		if err != nil {
			return err
		}
		curDec, err := cur.AsDecimal()
		if err != nil {
			return err
		}
		rhsDec, err := rhs.AsDecimal()
		if err != nil {
			return err
		}
		if kind == "state_add" {
			next = Decimal(curDec.Add(rhsDec))
		} else {
			next = Decimal(curDec.Sub(rhsDec))
		}
	}

	if err := checkStateVarValueLength(encodeForLengthCheck(next)); err != nil {
		return err
	}

	env.pending[name] = StateChange{Name: name, Value: next}
	return nil
}

// execSend implements `send(asset, address, amount)`, the statement an AA
// script uses to stage an outgoing payment in its response. Amounts must
// be non-negative integers; a script that computes a fractional or
// negative amount has a bug in its own arithmetic, not a protocol-level
// edge case, so it is a FormulaFatal rather than a silent floor/clamp.
func execSend(ctx context.Context, env *Env, budget *Budget, args []interface{}) error {
	if len(args) != 3 {
		return dag.New(dag.KindFormulaFatal, "send takes exactly 3 arguments (asset, address, amount)")
	}
	asset, err := evaluate(ctx, env, budget, args[0], 0)
	if err != nil {
		return err
	}
	address, err := evaluate(ctx, env, budget, args[1], 0)
	if err != nil {
		return err
	}
	amount, err := evaluate(ctx, env, budget, args[2], 0)
	if err != nil {
		return err
	}
	amtDec, err := amount.AsDecimal()
	if err != nil {
		return err
	}
	if amtDec.IsNegative() || !amtDec.Equal(amtDec.Truncate(0)) {
		return dag.New(dag.KindFormulaFatal, "send amount must be a non-negative integer, got %s", amtDec.String())
	}
	env.addPayment(Payment{Asset: asset.AsString(), Address: address.AsString(), Amount: uint64(amtDec.IntPart())})
	return nil
}

// encodeForLengthCheck renders v the same way pkg/kvstore would persist
// it, so MAX_STATE_VAR_VALUE_LENGTH is enforced against the actual
// on-disk size rather than an in-memory approximation.
func encodeForLengthCheck(v Value) []byte {
	switch v.Kind {
	case KindDecimal:
		return []byte(v.Dec.String())
	case KindString:
		return []byte(v.Str)
	case KindBool:
		if v.Bool {
			return []byte{1}
		}
		return []byte{0}
	case KindObject:
		b, err := json.Marshal(v.Obj)
		if err != nil {
			return nil
		}
		return b
	default:
		return nil
	}
}
