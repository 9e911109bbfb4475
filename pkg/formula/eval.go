// Copyright 2025 Certen Protocol

package formula

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/dagchain/corenode/pkg/dag"
)

// Evaluate walks expr and returns its Value, charging budget for every
// node visited — the same depth/complexity/op-count discipline
// pkg/definition.Evaluate uses, generalized from a boolean-only result
// to the four-kind Value sum type formulas produce.
func Evaluate(ctx context.Context, env *Env, budget *Budget, expr interface{}) (Value, error) {
	return evaluate(ctx, env, budget, expr, 0)
}

func evaluate(ctx context.Context, env *Env, budget *Budget, expr interface{}, depth int) (Value, error) {
	if depth > budget.maxDepth {
		return Value{}, dag.New(dag.KindFormulaFatal, "formula nesting exceeds %d", budget.maxDepth)
	}

	switch e := expr.(type) {
	case bool:
		return Bool(e), nil
	case string:
		return String(e), nil
	case map[string]interface{}:
		return Object(e), nil
	case nil:
		return Value{}, dag.New(dag.KindFormulaFatal, "null is not a valid formula value")
	case []interface{}:
		if len(e) == 0 {
			return Value{}, dag.New(dag.KindFormulaFatal, "empty expression node")
		}
		op, ok := e[0].(string)
		if !ok {
			return Value{}, dag.New(dag.KindFormulaFatal, "expression node missing an operator name")
		}
		if err := budget.charge(1); err != nil {
			return Value{}, err
		}
		return evalOp(ctx, env, budget, op, e[1:], depth)
	default:
		return Value{}, dag.New(dag.KindFormulaFatal, "unrepresentable expression node %T", expr)
	}
}

func evalOp(ctx context.Context, env *Env, budget *Budget, op string, args []interface{}, depth int) (Value, error) {
	arg := func(i int) (Value, error) {
		if i >= len(args) {
			return Value{}, dag.New(dag.KindFormulaFatal, "%s: missing argument %d", op, i)
		}
		return evaluate(ctx, env, budget, args[i], depth+1)
	}
	decArg := func(i int) (decimal.Decimal, error) {
		v, err := arg(i)
		if err != nil {
			return decimal.Zero, err
		}
		return v.AsDecimal()
	}

	switch op {
	case "dec":
		s, ok := args[0].(string)
		if !ok {
			return Value{}, dag.New(dag.KindFormulaFatal, "dec: literal must be a string")
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return Value{}, dag.New(dag.KindFormulaFatal, "dec: invalid decimal literal %q", s)
		}
		return Decimal(d), nil

	case "local":
		name, _ := args[0].(string)
		if v, ok := env.local(name); ok {
			return v, nil
		}
		return Zero, nil

	case "+", "-", "*", "/", "%", "^":
		return evalArith(op, decArg)

	case "neg":
		d, err := decArg(0)
		if err != nil {
			return Value{}, err
		}
		return Decimal(d.Neg()), nil

	case "concat":
		var out string
		for i := range args {
			v, err := arg(i)
			if err != nil {
				return Value{}, err
			}
			out += v.AsString()
		}
		return String(out), nil

	case "eq", "neq":
		a, err := arg(0)
		if err != nil {
			return Value{}, err
		}
		b, err := arg(1)
		if err != nil {
			return Value{}, err
		}
		eq := Equal(a, b)
		if op == "neq" {
			eq = !eq
		}
		return Bool(eq), nil

	case "lt", "lte", "gt", "gte":
		return evalCompare(op, decArg)

	case "and":
		for i := range args {
			v, err := arg(i)
			if err != nil {
				return Value{}, err
			}
			if !v.IsTruthy() {
				return False, nil
			}
		}
		return True, nil

	case "or":
		for i := range args {
			v, err := arg(i)
			if err != nil {
				return Value{}, err
			}
			if v.IsTruthy() {
				return True, nil
			}
		}
		return False, nil

	case "not":
		v, err := arg(0)
		if err != nil {
			return Value{}, err
		}
		return Bool(!v.IsTruthy()), nil

	case "if":
		cond, err := arg(0)
		if err != nil {
			return Value{}, err
		}
		if cond.IsTruthy() {
			return arg(1)
		}
		return arg(2)

	case "length":
		v, err := arg(0)
		if err != nil {
			return Value{}, err
		}
		return Decimal(decimal.NewFromInt(int64(objectLength(v)))), nil

	case "keys":
		v, err := arg(0)
		if err != nil {
			return Value{}, err
		}
		m, ok := v.Obj.(map[string]interface{})
		if !ok {
			return Value{}, dag.New(dag.KindFormulaFatal, "keys: not an object")
		}
		keys := make([]interface{}, 0, len(m))
		for _, k := range sortedKeys(m) {
			keys = append(keys, k)
		}
		return Object(keys), nil

	case "reverse":
		v, err := arg(0)
		if err != nil {
			return Value{}, err
		}
		switch o := v.Obj.(type) {
		case []interface{}:
			out := make([]interface{}, len(o))
			for i, x := range o {
				out[len(o)-1-i] = x
			}
			return Object(out), nil
		default:
			runes := []rune(v.AsString())
			for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
				runes[i], runes[j] = runes[j], runes[i]
			}
			return String(string(runes)), nil
		}

	case "index":
		v, err := arg(0)
		if err != nil {
			return Value{}, err
		}
		key, err := arg(1)
		if err != nil {
			return Value{}, err
		}
		return indexObject(v, key)

	case "var":
		name, err := arg(0)
		if err != nil {
			return Value{}, err
		}
		return env.getVar(name.AsString())

	case "balance":
		asset := dag.BaseAsset
		if len(args) > 0 {
			v, err := arg(0)
			if err != nil {
				return Value{}, err
			}
			asset = v.AsString()
		}
		if env.Data == nil {
			return Zero, nil
		}
		return env.Data.Balance(ctx, env.AAAddress, asset)

	case "asset":
		assetName, err := arg(0)
		if err != nil {
			return Value{}, err
		}
		if env.Data == nil {
			return Value{}, dag.New(dag.KindFormulaFatal, "asset: no data source configured")
		}
		meta, ok, err := env.Data.AssetMeta(ctx, assetName.AsString())
		if err != nil {
			return Value{}, err
		}
		if !ok {
			return Value{}, dag.New(dag.KindFormulaFatal, "asset: unknown asset %q", assetName.AsString())
		}
		return Object(meta), nil

	case "data_feed":
		return evalDataFeed(ctx, env, args, arg)

	case "in_data_feed":
		v, err := evalDataFeed(ctx, env, args, arg)
		if err != nil {
			if dag.IsKind(err, dag.KindFormulaFatal) {
				return False, nil
			}
			return Value{}, err
		}
		return Bool(v.AsString() != ""), nil

	case "attestation":
		attestor, err := arg(0)
		if err != nil {
			return Value{}, err
		}
		address, err := arg(1)
		if err != nil {
			return Value{}, err
		}
		field, err := arg(2)
		if err != nil {
			return Value{}, err
		}
		if env.Data == nil {
			return False, nil
		}
		val, ok, err := env.Data.AttestationValue(ctx, attestor.AsString(), address.AsString(), field.AsString())
		if err != nil {
			return Value{}, err
		}
		if !ok {
			return False, nil
		}
		return String(val), nil

	case "trigger":
		field, err := arg(0)
		if err != nil {
			return Value{}, err
		}
		return evalTriggerField(env, field.AsString())

	case "response_unit":
		return String(env.ResponseUnit), nil

	case "now":
		return Decimal(decimal.NewFromInt(env.Trigger.Timestamp)), nil

	case "sha256":
		v, err := arg(0)
		if err != nil {
			return Value{}, err
		}
		return hashSHA256(v)

	case "sha1":
		v, err := arg(0)
		if err != nil {
			return Value{}, err
		}
		return hashSHA1(v)

	case "chash160":
		v, err := arg(0)
		if err != nil {
			return Value{}, err
		}
		return hashChash160(v)

	case "base32":
		v, err := arg(0)
		if err != nil {
			return Value{}, err
		}
		return encodeBase32(v)

	case "base64":
		v, err := arg(0)
		if err != nil {
			return Value{}, err
		}
		return encodeBase64(v)

	case "hex":
		v, err := arg(0)
		if err != nil {
			return Value{}, err
		}
		return encodeHex(v)

	default:
		return Value{}, dag.New(dag.KindFormulaFatal, "unknown formula operator %q", op)
	}
}

func evalArith(op string, decArg func(int) (decimal.Decimal, error)) (Value, error) {
	a, err := decArg(0)
	if err != nil {
		return Value{}, err
	}
	b, err := decArg(1)
	if err != nil {
		return Value{}, err
	}
	switch op {
	case "+":
		return Decimal(a.Add(b)), nil
	case "-":
		return Decimal(a.Sub(b)), nil
	case "*":
		return Decimal(a.Mul(b)), nil
	case "/":
		if b.IsZero() {
			return Value{}, dag.New(dag.KindFormulaFatal, "division by zero")
		}
		return Decimal(a.Div(b)), nil
	case "%":
		if b.IsZero() {
			return Value{}, dag.New(dag.KindFormulaFatal, "modulo by zero")
		}
		return Decimal(a.Mod(b)), nil
	case "^":
		return Decimal(a.Pow(b)), nil
	default:
		return Value{}, dag.New(dag.KindFormulaFatal, "unreachable arithmetic operator %q", op)
	}
}

func evalCompare(op string, decArg func(int) (decimal.Decimal, error)) (Value, error) {
	a, err := decArg(0)
	if err != nil {
		return Value{}, err
	}
	b, err := decArg(1)
	if err != nil {
		return Value{}, err
	}
	cmp := a.Cmp(b)
	switch op {
	case "lt":
		return Bool(cmp < 0), nil
	case "lte":
		return Bool(cmp <= 0), nil
	case "gt":
		return Bool(cmp > 0), nil
	case "gte":
		return Bool(cmp >= 0), nil
	default:
		return Value{}, dag.New(dag.KindFormulaFatal, "unreachable comparison operator %q", op)
	}
}

func evalDataFeed(ctx context.Context, env *Env, args []interface{}, arg func(int) (Value, error)) (Value, error) {
	oracle, err := arg(0)
	if err != nil {
		return Value{}, err
	}
	feed, err := arg(1)
	if err != nil {
		return Value{}, err
	}
	if env.Data == nil {
		return Value{}, dag.New(dag.KindFormulaFatal, "data_feed: no data source configured")
	}
	candidates, err := env.Data.DataFeedCandidates(ctx, oracle.AsString(), feed.AsString())
	if err != nil {
		return Value{}, err
	}
	if len(candidates) == 0 {
		return Value{}, dag.New(dag.KindFormulaFatal, "data_feed: no value posted for %s/%s", oracle.AsString(), feed.AsString())
	}
	sortCandidatesForTieBreak(candidates)
	return String(candidates[0].Value), nil
}

func evalTriggerField(env *Env, field string) (Value, error) {
	t := env.Trigger
	switch field {
	case "address":
		return String(t.Address), nil
	case "initial_address":
		return String(t.InitialAddress), nil
	case "unit":
		return String(t.Unit), nil
	case "initial_unit":
		return String(t.InitialUnit), nil
	case "data":
		if t.Data == nil {
			return Object(map[string]interface{}{}), nil
		}
		return Object(t.Data), nil
	case "outputs":
		out := make(map[string]interface{}, len(t.Outputs))
		for asset, amount := range t.Outputs {
			out[asset] = decimal.NewFromInt(int64(amount)).String()
		}
		return Object(out), nil
	default:
		return Value{}, dag.New(dag.KindFormulaFatal, "trigger: unknown field %q", field)
	}
}

func objectLength(v Value) int {
	switch o := v.Obj.(type) {
	case nil:
		return len(v.AsString())
	case []interface{}:
		return len(o)
	case map[string]interface{}:
		return len(o)
	default:
		return len(v.AsString())
	}
}

func indexObject(v, key Value) (Value, error) {
	switch o := v.Obj.(type) {
	case map[string]interface{}:
		child, ok := o[key.AsString()]
		if !ok {
			return Value{}, nil
		}
		return toValue(child)
	case []interface{}:
		idx, err := key.AsDecimal()
		if err != nil {
			return Value{}, err
		}
		i := int(idx.IntPart())
		if i < 0 || i >= len(o) {
			return Value{}, dag.New(dag.KindFormulaFatal, "index: %d out of range", i)
		}
		return toValue(o[i])
	default:
		return Value{}, dag.New(dag.KindFormulaFatal, "index: value is not indexable")
	}
}

// toValue lifts a raw JSON-like value (as stored inside a wrapped_object)
// back into a formula Value for further operations.
func toValue(raw interface{}) (Value, error) {
	switch r := raw.(type) {
	case string:
		return String(r), nil
	case bool:
		return Bool(r), nil
	case decimal.Decimal:
		return Decimal(r), nil
	case json.Number:
		d, err := decimal.NewFromString(r.String())
		if err != nil {
			return Value{}, fmt.Errorf("formula: nested value %q is not a valid number: %w", r.String(), err)
		}
		return Decimal(d), nil
	case map[string]interface{}, []interface{}:
		return Object(r), nil
	case nil:
		return Value{}, nil
	default:
		return Value{}, fmt.Errorf("formula: unrepresentable nested value %T", raw)
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
