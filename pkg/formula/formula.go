// Copyright 2025 Certen Protocol
//
// Package formula implements the AA expression language of spec §4.8
// (C8): a side-effect-free language over Decimal/string/boolean/
// wrapped_object values, evaluated with an explicit complexity/op-count
// budget rather than Go's call stack or a panic/recover exception style,
// matching pkg/definition's evaluator discipline. Expressions are the
// same nested-array/map shape pkg/definition walks: a literal value, or
// an operator node `[]interface{}{opName, args...}`.
package formula

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/dagchain/corenode/pkg/dag"
)

// Kind reuses dag.StateVarKind's tag byte set since a formula Value and a
// persisted AA state variable are the same four-way sum type; adding a
// fifth case here would need a matching kvstore encoding anyway.
type Kind = dag.StateVarKind

const (
	KindDecimal Kind = dag.StateVarDecimal
	KindString  Kind = dag.StateVarString
	KindBool    Kind = dag.StateVarBool
	KindObject  Kind = dag.StateVarObject
)

// Value is one formula-evaluated value: exactly one of Dec/Str/Bool/Obj is
// meaningful, selected by Kind. Object holds a wrapped_object: a
// map[string]interface{} or []interface{} of further Values/JSON-like
// data, immutable once constructed — operators that "modify" an object
// build a new map rather than mutating in place.
type Value struct {
	Kind Kind
	Dec  decimal.Decimal
	Str  string
	Bool bool
	Obj  interface{}
}

func Decimal(d decimal.Decimal) Value { return Value{Kind: KindDecimal, Dec: d} }
func String(s string) Value           { return Value{Kind: KindString, Str: s} }
func Bool(b bool) Value               { return Value{Kind: KindBool, Bool: b} }
func Object(o interface{}) Value      { return Value{Kind: KindObject, Obj: o} }

var (
	False = Bool(false)
	True  = Bool(true)
	Zero  = Decimal(decimal.Zero)
)

// IsTruthy follows the same rule the teacher's and pack's scripting
// examples use for a non-boolean condition: zero/empty is false, anything
// else is true. A formula `if` condition that isn't already boolean
// coerces through this rather than being a type error, since AA scripts
// commonly test a Decimal or string directly.
func (v Value) IsTruthy() bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindDecimal:
		return !v.Dec.IsZero()
	case KindString:
		return v.Str != ""
	case KindObject:
		return v.Obj != nil
	default:
		return false
	}
}

// AsString renders v for concatenation/hashing, matching the wire
// convention that a Decimal's string form is its exact decimal digits
// (no scientific notation, no trailing-zero trimming beyond what
// decimal.Decimal.String already does) so hash inputs stay deterministic
// across nodes.
func (v Value) AsString() string {
	switch v.Kind {
	case KindDecimal:
		return v.Dec.String()
	case KindString:
		return v.Str
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case KindObject:
		return fmt.Sprintf("%v", v.Obj)
	default:
		return ""
	}
}

// AsDecimal coerces v to a Decimal for arithmetic; a non-numeric string
// that fails to parse is a fatal formula error rather than silently
// becoming zero, since AA math must never paper over an author's mistake.
func (v Value) AsDecimal() (decimal.Decimal, error) {
	switch v.Kind {
	case KindDecimal:
		return v.Dec, nil
	case KindString:
		d, err := decimal.NewFromString(v.Str)
		if err != nil {
			return decimal.Zero, dag.New(dag.KindFormulaFatal, "cannot convert %q to a number", v.Str)
		}
		return d, nil
	case KindBool:
		if v.Bool {
			return decimal.NewFromInt(1), nil
		}
		return decimal.Zero, nil
	default:
		return decimal.Zero, dag.New(dag.KindFormulaFatal, "value of kind %q is not numeric", v.Kind)
	}
}

// Equal implements the formula `eq` operator: Decimal compares by value
// (1 == 1.0), everything else compares by AsString — the same loose
// equality the pack's scripting-language examples apply to dynamically
// typed operands.
func Equal(a, b Value) bool {
	if a.Kind == KindDecimal && b.Kind == KindDecimal {
		return a.Dec.Equal(b.Dec)
	}
	return a.AsString() == b.AsString()
}

// sortCandidatesForTieBreak orders data_feed candidates with identical
// (latest_included_mc_index, level) by unit_hash ascending — spec §4.8's
// "must never throw an untyped error on 'cannot sort'; tie-breaking is
// total" requirement, implemented as a plain deterministic total order
// rather than relying on map iteration or a partial comparator.
func sortCandidatesForTieBreak(candidates []DataFeedCandidate) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.MCI != b.MCI {
			return a.MCI > b.MCI
		}
		if a.Level != b.Level {
			return a.Level > b.Level
		}
		return a.UnitHash < b.UnitHash
	})
}
