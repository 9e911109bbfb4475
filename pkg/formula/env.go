// Copyright 2025 Certen Protocol

package formula

import (
	"context"
	"sort"
)

// Trigger is the immutable input object spec §4.9 step 2 builds for one
// AA execution: `{address, initial_address, unit, initial_unit, outputs,
// data}`. initial_* carry the top-level trigger's identity through
// nested AA-to-AA responses so a deeply nested AA can still see who
// started the chain.
type Trigger struct {
	Address        string
	InitialAddress string
	Unit           string
	InitialUnit    string
	Outputs        map[string]uint64 // asset -> amount paid to this AA by this trigger
	Data           interface{}       // wrapped_object, or nil
	Timestamp      int64             // the trigger unit's timestamp — the only clock a formula may read
}

// DataFeedCandidate is one unstable or stable unit posting a value to an
// oracle's feed, carrying the fields data_feed's tie-break needs.
type DataFeedCandidate struct {
	Value    string
	UnitHash string
	MCI      uint64
	Level    uint64
}

// DataSource resolves every external (non-state, non-trigger) lookup a
// formula can make: AA/address balances, asset metadata, oracle data
// feeds, and attestations. pkg/composer supplies the production
// implementation backed by pkg/storage; tests supply a fake.
type DataSource interface {
	Balance(ctx context.Context, address, asset string) (Value, error)
	AssetMeta(ctx context.Context, asset string) (map[string]interface{}, bool, error)
	DataFeedCandidates(ctx context.Context, oracle, feedName string) ([]DataFeedCandidate, error)
	AttestationValue(ctx context.Context, attestor, address, field string) (string, bool, error)
}

// StateStore is the subset of AA state-variable access a formula needs:
// read-through to the KV store, and local accumulation of this
// execution's pending writes so a formula can read back a value it just
// set earlier in the same script (spec §4.8's `var['k']` / `var['k']
// ||= e` statements). pkg/kvstore.StateStore plus an in-memory overlay
// satisfies this in production; pkg/composer owns committing the
// accumulated changes atomically once the whole trigger finishes.
type StateStore interface {
	Get(address, name string) (Value, bool, error)
}

// Env bundles everything one formula evaluation needs beyond the
// expression tree itself: the trigger, external data, persistent AA
// state, and this execution's local ($x) variables and pending state
// writes.
type Env struct {
	Trigger      Trigger
	Data         DataSource
	State        StateStore
	AAAddress    string // the executing AA's own address, for var[]/balance[] with no explicit address
	ResponseUnit string // the not-yet-hashed response unit hash, once known; "" before assembly

	locals   map[string]Value
	pending  map[string]StateChange // name -> most recent change this execution staged
	payments []Payment
}

// NewEnv constructs an Env ready for one top-level (or nested) AA
// execution.
func NewEnv(trigger Trigger, data DataSource, state StateStore, aaAddress string) *Env {
	return &Env{
		Trigger:   trigger,
		Data:      data,
		State:     state,
		AAAddress: aaAddress,
		locals:    make(map[string]Value),
		pending:   make(map[string]StateChange),
	}
}

// Payment is one outgoing payment a `send` statement staged — pkg/composer
// groups these by asset to build the response unit's payment message
// outputs once the whole script finishes.
type Payment struct {
	Asset   string
	Address string
	Amount  uint64
}

func (e *Env) addPayment(p Payment) { e.payments = append(e.payments, p) }

// Payments returns every payment this execution staged, in the order the
// script issued them — message order is part of a response unit's
// deterministic content, so this is never re-sorted.
func (e *Env) Payments() []Payment { return e.payments }

func (e *Env) setLocal(name string, v Value) { e.locals[name] = v }

func (e *Env) local(name string) (Value, bool) {
	v, ok := e.locals[name]
	return v, ok
}

// StateChangeOp names how a state-assignment statement combines with the
// variable's prior value.
type StateChangeOp string

const (
	StateOpSet      StateChangeOp = "="
	StateOpSetOnce  StateChangeOp = "||="
	StateOpAdd      StateChangeOp = "+="
	StateOpSubtract StateChangeOp = "-="
	StateOpDelete   StateChangeOp = "delete"
)

// StateChange is one accumulated var['name'] mutation, resolved to its
// final value by the time ExecStatements returns — pkg/composer commits
// one trigger's StateChanges together with that trigger's own outcome.
// Responses the trigger sets off are committed separately, one commit
// per trigger, not as one batch for the whole top-level trigger.
type StateChange struct {
	Name    string
	Deleted bool
	Value   Value
}

// Changes returns every state variable this execution staged, in a
// deterministic name-sorted order so replay produces byte-identical
// journal rows.
func (e *Env) Changes() []StateChange {
	out := make([]StateChange, 0, len(e.pending))
	for _, c := range e.pending {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// getVar resolves a var['name'] read: this execution's own pending write
// first (so `$x = var['k']; var['k'] = $x + 1` sees its own prior
// assignment), then the persistent store, then the type's zero value.
func (e *Env) getVar(name string) (Value, error) {
	v, _, err := e.getVarExists(name)
	return v, err
}

// getVarExists is getVar plus whether the name has ever been set — the
// distinction `var['k'] ||= e` needs, since an explicitly stored zero
// Decimal must still count as "already set."
func (e *Env) getVarExists(name string) (Value, bool, error) {
	if c, ok := e.pending[name]; ok {
		if c.Deleted {
			return Zero, false, nil
		}
		return c.Value, true, nil
	}
	if e.State == nil {
		return Zero, false, nil
	}
	v, ok, err := e.State.Get(e.AAAddress, name)
	if err != nil {
		return Value{}, false, err
	}
	if !ok {
		return Zero, false, nil
	}
	return v, true, nil
}
