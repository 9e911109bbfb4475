// Copyright 2025 Certen Protocol

package formula

import "github.com/dagchain/corenode/pkg/dag"

// ToStateVar projects a StateChange into the persisted form
// pkg/kvstore.StateStore writes — pkg/composer calls this once a
// trigger's execution finishes to build the KV batch for that trigger's
// own state changes.
func ToStateVar(address string, c StateChange) *dag.StateVar {
	if c.Deleted {
		return &dag.StateVar{Address: address, Name: c.Name, Kind: dag.StateVarObject, Object: nil}
	}
	return &dag.StateVar{
		Address: address,
		Name:    c.Name,
		Kind:    c.Value.Kind,
		Decimal: c.Value.Dec,
		Str:     c.Value.Str,
		Bool:    c.Value.Bool,
		Object:  c.Value.Obj,
	}
}

// FromStateVar lifts a persisted state variable back into a Value, the
// inverse used by a StateStore implementation's Get.
func FromStateVar(sv *dag.StateVar) Value {
	switch sv.Kind {
	case dag.StateVarDecimal:
		return Decimal(sv.Decimal)
	case dag.StateVarString:
		return String(sv.Str)
	case dag.StateVarBool:
		return Bool(sv.Bool)
	default:
		return Object(sv.Object)
	}
}
