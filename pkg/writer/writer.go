// Copyright 2025 Certen Protocol
//
// Package writer implements save_joint, spec §4.7's (C7) single atomic
// entry point for persisting a validated unit: one relational transaction
// covering the unit's rows, spend/balance bookkeeping, and main-chain
// propagation/stabilization, followed by a post-commit phase (event
// emission, AA composer dispatch) that runs outside the write lock and
// outside the transaction. The cache is updated inside the transaction
// and rolled back with it on failure.
package writer

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cometbft/cometbft/libs/log"
	"github.com/shopspring/decimal"

	"github.com/dagchain/corenode/pkg/cache"
	"github.com/dagchain/corenode/pkg/dag"
	"github.com/dagchain/corenode/pkg/graph"
	"github.com/dagchain/corenode/pkg/keymutex"
	"github.com/dagchain/corenode/pkg/mainchain"
	"github.com/dagchain/corenode/pkg/storage"
	"github.com/dagchain/corenode/pkg/validator"
)

// EventBus publishes domain events; main.go wires this to whatever the
// network/API layers subscribe through. A channel-backed implementation
// is provided below for single-process wiring.
type EventBus interface {
	Publish(event, unitHash string)
}

// Composer dispatches newly enqueued AA triggers. Invoked only after
// SaveJoint's transaction has committed and its write lock has been
// released, per spec §4.7. pkg/composer (C9) implements this; nil is a
// valid no-op for configurations that don't run the AA layer.
type Composer interface {
	HandleTriggers(ctx context.Context, triggers []mainchain.AAPaidOutput)
}

// Writer is the C7 writer component.
type Writer struct {
	client *storage.Client
	repos  *storage.Repositories
	locks  *keymutex.Locks
	graph  *graph.Graph
	cache  *cache.Cache
	events EventBus
	comp   Composer
	logger log.Logger
}

func New(client *storage.Client, repos *storage.Repositories, locks *keymutex.Locks, g *graph.Graph, c *cache.Cache, events EventBus, comp Composer, logger log.Logger) *Writer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if events == nil {
		events = NewChannelEventBus(0)
	}
	return &Writer{client: client, repos: repos, locks: locks, graph: g, cache: c, events: events, comp: comp, logger: logger}
}

// SetComposer wires the AA composer after construction, for the one
// caller (main.go) whose Writer and Composer depend on each other:
// Composer.New takes the *Writer that dispatches its response units, so
// the Writer itself must exist first, with its Composer attached here
// once the Composer is built.
func (w *Writer) SetComposer(comp Composer) { w.comp = comp }

// Result is the outcome of one save_joint call.
type Result struct {
	Unit        *dag.Unit
	StableTo    uint64
	NewTriggers []mainchain.AAPaidOutput
}

func inputKey(srcUnit string, srcMessageIndex, srcOutputIndex int) string {
	return fmt.Sprintf("%s:%d:%d", srcUnit, srcMessageIndex, srcOutputIndex)
}

// SaveJoint persists vr.Unit and, within the same transaction, propagates
// the main chain and advances stability as far as the new tip set allows.
// It acquires the global write lock for the duration of the transaction
// only — the lock is released before cache refresh, event emission, and
// any AA composer dispatch, none of which may run while it is held.
func (w *Writer) SaveJoint(ctx context.Context, vr *validator.Result) (*Result, error) {
	u := vr.Unit

	w.locks.Write.Lock()
	locked := true
	unlock := func() {
		if locked {
			w.locks.Write.Unlock()
			locked = false
		}
	}
	defer unlock()

	tx, err := w.client.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("writer: begin tx: %w", err)
	}
	ex := tx.Raw()

	result, err := w.saveInTx(ctx, ex, u, vr)
	if err != nil {
		w.cache.Remove(u.UnitHash) // undo the speculative Put saveInTx made
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		w.cache.Remove(u.UnitHash)
		return nil, fmt.Errorf("writer: commit: %w", err)
	}

	unlock()

	w.events.Publish("saved_unit", u.UnitHash)

	if len(result.NewTriggers) > 0 && w.comp != nil {
		// Outside the write lock and outside the transaction, per spec §4.7.
		w.comp.HandleTriggers(ctx, result.NewTriggers)
	}

	return result, nil
}

// saveInTx runs every step spec §4.7 describes as part of one relational
// transaction: unit/parenthood/message/input/output rows, spend and AA
// balance bookkeeping, double-spend pairing, and main-chain propagation
// through stabilization.
func (w *Writer) saveInTx(ctx context.Context, ex *sql.Tx, u *dag.Unit, vr *validator.Result) (*Result, error) {
	if err := w.repos.Units.Insert(ctx, ex, u); err != nil {
		return nil, fmt.Errorf("writer: insert unit: %w", err)
	}

	// Speculatively cache the unit's props before the transaction commits:
	// the write lock serializes every SaveJoint call, so this is the only
	// way the main-chain graph queries below can see a tip that was just
	// inserted in this same, still-open transaction. Undone via
	// cache.Remove if this function returns an error.
	w.cache.Put(unitProps(u))

	for _, a := range u.Authors {
		if a.Definition == nil {
			continue
		}
		if err := w.repos.Definitions.Insert(ctx, ex, a.Address, a.Definition, u.UnitHash); err != nil {
			return nil, fmt.Errorf("writer: insert definition: %w", err)
		}
	}

	conflictKeys := make(map[string]bool, len(vr.ConflictingInputs))
	for _, c := range vr.ConflictingInputs {
		conflictKeys[inputKey(c.SrcUnit, c.SrcMessageIndex, c.SrcOutputIndex)] = true
	}

	for _, m := range u.Messages {
		if m.App != dag.AppPayment {
			continue
		}

		for _, in := range m.Inputs {
			if in.Type != dag.InputTransfer {
				continue
			}
			if conflictKeys[inputKey(in.SrcUnit, in.SrcMessageIndex, in.SrcOutputIndex)] {
				others, err := w.repos.Outputs.SpentByUnits(ctx, ex, in.SrcUnit, in.SrcMessageIndex, in.SrcOutputIndex, u.UnitHash)
				if err != nil {
					return nil, fmt.Errorf("writer: resolve conflict: %w", err)
				}
				for _, other := range others {
					if err := w.repos.Conflicts.Record(ctx, ex, u.UnitHash, other); err != nil {
						return nil, fmt.Errorf("writer: record conflict: %w", err)
					}
				}
				continue // the first claimant already holds this output spent
			}
			if err := w.repos.Outputs.MarkSpent(ctx, ex, in.SrcUnit, in.SrcMessageIndex, in.SrcOutputIndex); err != nil {
				return nil, fmt.Errorf("writer: mark spent: %w", err)
			}
		}

		for _, out := range m.Outputs {
			isAA, err := w.repos.AA.IsAA(ctx, out.Address)
			if err != nil {
				return nil, fmt.Errorf("writer: check aa address: %w", err)
			}
			if !isAA {
				continue
			}
			if err := w.repos.AA.AdjustBalance(ctx, ex, out.Address, out.Asset, decimal.NewFromInt(int64(out.Amount))); err != nil {
				return nil, fmt.Errorf("writer: adjust aa balance: %w", err)
			}
		}
	}

	adapter := &mainchainAdapter{ex: ex, repos: w.repos}
	engine := mainchain.New(adapter, w.graph, w.cache, w.logger)

	if _, err := engine.PropagateMainChain(ctx, u.Witnesses, u.UnitHash); err != nil {
		return nil, fmt.Errorf("writer: propagate main chain: %w", err)
	}

	lastStable, err := w.repos.Units.LastStableMCI(ctx)
	if err != nil {
		return nil, fmt.Errorf("writer: read last stable mci: %w", err)
	}

	tips, err := w.repos.Units.FreeUnitsEx(ctx, ex)
	if err != nil {
		return nil, fmt.Errorf("writer: list tips: %w", err)
	}

	stableTo, err := engine.DetermineStableTo(ctx, u.Witnesses, tips, lastStable)
	if err != nil {
		return nil, fmt.Errorf("writer: determine stable to: %w", err)
	}

	result := &Result{Unit: u, StableTo: lastStable}
	if stableTo > lastStable {
		adv, err := engine.AdvanceStability(ctx, lastStable, stableTo)
		if err != nil {
			return nil, fmt.Errorf("writer: advance stability: %w", err)
		}
		result.StableTo = stableTo
		result.NewTriggers = adv.NewTriggers
	}
	return result, nil
}

func unitProps(u *dag.Unit) *dag.UnitProps {
	addrs := make([]string, len(u.Authors))
	for i, a := range u.Authors {
		addrs[i] = a.Address
	}
	var lim uint64
	if u.LatestIncludedMCIndex != nil {
		lim = *u.LatestIncludedMCIndex
	}
	return &dag.UnitProps{
		UnitHash:              u.UnitHash,
		ParentUnits:           u.ParentUnits,
		Level:                 u.Level,
		LatestIncludedMCIndex: lim,
		MainChainIndex:        u.MainChainIndex,
		IsOnMainChain:         u.IsOnMainChain,
		IsStable:              u.IsStable,
		IsFree:                u.IsFree,
		Sequence:              u.Sequence,
		WitnessListUnit:       u.WitnessListUnit,
		AuthorAddresses:       addrs,
		Timestamp:             u.Timestamp,
	}
}
