// Copyright 2025 Certen Protocol
//
// Package mainchain implements the main-chain engine of spec §4.6 (C6):
// propagating latest_included_mc_index forward, periodically evaluating
// stability, and atomically promoting units from unstable to stable
// across one relational transaction and one key-value batch.
package mainchain

import (
	"context"
	"sort"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/dagchain/corenode/pkg/dag"
	"github.com/dagchain/corenode/pkg/graph"
)

// Store is the persistence surface the engine needs, scoped to a single
// transaction the caller (pkg/writer) opens and commits — this package
// never opens its own transaction or KV batch, matching spec §4.6 step
// 2's "one relational transaction and one key-value batch" requirement.
type Store interface {
	GetUnit(ctx context.Context, unitHash string) (*dag.Unit, error)
	UnitsAtMCI(ctx context.Context, mci uint64) ([]string, error)
	ParentUnits(ctx context.Context, unitHash string) ([]string, error)
	MainChainUnitAt(ctx context.Context, mci uint64) (string, bool, error)
	SetMainChainPath(ctx context.Context, unitHash string, mci uint64) error
	MarkStable(ctx context.Context, unitHash string, mci uint64, seq dag.Sequence) error
	AuthorAddresses(ctx context.Context, unitHash string) ([]string, error)
	BestParentChainRank(ctx context.Context, unitHash string) (int, error)
	BallForUnit(ctx context.Context, unitHash string) (string, bool, error)
	InsertBall(ctx context.Context, b *dag.Ball) (ballHash string, err error)
	ConflictingUnits(ctx context.Context, unitHash string) ([]string, error)
	AAPaidOutputs(ctx context.Context, unitHash string) ([]AAPaidOutput, error)
	EnqueueTrigger(ctx context.Context, mci uint64, unitHash, address string) error
	SetLastStableMCI(ctx context.Context, mci uint64) error
}

// AAPaidOutput names an output at a stabilizing unit that pays an AA
// address, triggering an execution once the unit becomes stable.
type AAPaidOutput struct {
	Unit    string
	Address string
}

// Watermark advances the cache's eviction boundary once stability moves;
// pkg/cache satisfies it.
type Watermark interface {
	AdvanceWatermark(mci uint64)
}

type Engine struct {
	store     Store
	graph     *graph.Graph
	watermark Watermark
	logger    log.Logger
}

func New(store Store, g *graph.Graph, watermark Watermark, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Engine{store: store, graph: g, watermark: watermark, logger: logger}
}

// StableCandidate reports whether earlier is stable in view of the
// current tips, per spec §4.6's definition, delegating the DAG
// structural check to pkg/graph.
func (e *Engine) StableCandidate(ctx context.Context, witnesses []string, earlier string, tips []string) (bool, error) {
	return e.graph.IsStableInViewOf(ctx, witnesses, earlier, tips)
}

// skiplistDistances are the geometric MCI offsets a stabilizing unit
// checks for an earlier main-chain unit to skip-reference, letting
// prepare_witness_proof and catchup-chain preparation (§4.10) skip long
// stretches of the main chain instead of walking it ball by ball.
var skiplistDistances = []uint64{10, 100, 1000, 10000}

// AdvanceResult summarizes one call to AdvanceStability.
type AdvanceResult struct {
	From, To    uint64
	NewTriggers []AAPaidOutput
	StableUnits []string
}

// AdvanceStability promotes every MCI in (from, to] from unstable to
// stable: for each MCI in order, it marks units stable, resolves
// temp-bad conflicts via the best-parent-chain-rank tie-break (spec
// §4.6 / the Open Question decision recorded in DESIGN.md), inserts
// balls with parent and skiplist references, and enqueues AA triggers
// for AA-paid outputs.
func (e *Engine) AdvanceStability(ctx context.Context, from, to uint64) (*AdvanceResult, error) {
	result := &AdvanceResult{From: from, To: to}

	for mci := from + 1; mci <= to; mci++ {
		units, err := e.store.UnitsAtMCI(ctx, mci)
		if err != nil {
			return nil, err
		}
		sort.Strings(units) // deterministic processing order within an MCI

		for _, u := range units {
			seq, err := e.resolveSequence(ctx, u)
			if err != nil {
				return nil, err
			}
			if err := e.store.MarkStable(ctx, u, mci, seq); err != nil {
				return nil, err
			}
			result.StableUnits = append(result.StableUnits, u)

			parentBalls, err := e.parentBalls(ctx, u)
			if err != nil {
				return nil, err
			}
			skiplistUnits, skiplistBalls, err := e.skiplistFor(ctx, mci)
			if err != nil {
				return nil, err
			}
			_ = skiplistUnits // retained on the unit row by the caller via storage.BallRepository.Insert's paired skiplist_units write

			if _, err := e.store.InsertBall(ctx, &dag.Ball{
				Unit:          u,
				ParentBalls:   parentBalls,
				SkiplistBalls: skiplistBalls,
				IsNonserial:   seq != dag.SequenceGood,
			}); err != nil {
				return nil, err
			}

			paid, err := e.store.AAPaidOutputs(ctx, u)
			if err != nil {
				return nil, err
			}
			for _, p := range paid {
				if err := e.store.EnqueueTrigger(ctx, mci, p.Unit, p.Address); err != nil {
					return nil, err
				}
				result.NewTriggers = append(result.NewTriggers, p)
			}
		}
	}

	if err := e.store.SetLastStableMCI(ctx, to); err != nil {
		return nil, err
	}
	if e.watermark != nil {
		e.watermark.AdvanceWatermark(to)
	}

	e.logger.Info("advanced stability", "from", from, "to", to, "units", len(result.StableUnits), "triggers", len(result.NewTriggers))
	return result, nil
}

// parentBalls resolves the balls of unitHash's DAG parents — by
// induction every parent of a stabilizing unit stabilized no later than
// it did, so each parent already has a ball.
func (e *Engine) parentBalls(ctx context.Context, unitHash string) ([]string, error) {
	parents, err := e.store.ParentUnits(ctx, unitHash)
	if err != nil {
		return nil, err
	}
	balls := make([]string, 0, len(parents))
	for _, p := range parents {
		b, ok, err := e.store.BallForUnit(ctx, p)
		if err != nil {
			return nil, err
		}
		if ok {
			balls = append(balls, b)
		}
	}
	return balls, nil
}

// PropagateMainChain walks from tip back via best_parent until it meets a
// unit already marked on_main_chain (or genesis), then assigns the
// walked stretch sequential main_chain_index values continuing from
// there — spec §4.6's "on every saved unit, propagate ... forward"
// bounded to the stretch that actually changed.
func (e *Engine) PropagateMainChain(ctx context.Context, witnesses []string, tip string) (uint64, error) {
	var path []string
	cur := tip
	var baseMCI uint64

	for {
		u, err := e.store.GetUnit(ctx, cur)
		if err != nil {
			return 0, err
		}
		if u.IsOnMainChain {
			if u.MainChainIndex != nil {
				baseMCI = *u.MainChainIndex
			}
			break
		}
		if len(u.ParentUnits) == 0 {
			// Genesis has no main-chain predecessor to count forward from —
			// it is main_chain_index 0 by definition, not baseMCI+1 like
			// every other unit walked onto the path below.
			if err := e.store.SetMainChainPath(ctx, cur, 0); err != nil {
				return 0, err
			}
			return 0, nil
		}
		path = append(path, cur)
		best, err := e.graph.BestParent(ctx, witnesses, u.ParentUnits)
		if err != nil {
			return 0, err
		}
		cur = best
	}

	// path was built tip-to-root; assign ascending MCIs root-to-tip.
	last := baseMCI
	for i := len(path) - 1; i >= 0; i-- {
		last++
		if err := e.store.SetMainChainPath(ctx, path[i], last); err != nil {
			return 0, err
		}
	}
	return last, nil
}

// DetermineStableTo scans forward from the current last_stable_mci,
// returning the highest mci whose main-chain unit is stable in view of
// tips, per spec §4.6's periodic stability evaluation. It stops at the
// first mci that either has no assigned main-chain unit yet or is not
// yet stable — stability only ever advances contiguously.
func (e *Engine) DetermineStableTo(ctx context.Context, witnesses []string, tips []string, from uint64) (uint64, error) {
	to := from
	for mci := from + 1; ; mci++ {
		u, ok, err := e.store.MainChainUnitAt(ctx, mci)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		stable, err := e.StableCandidate(ctx, witnesses, u, tips)
		if err != nil {
			return 0, err
		}
		if !stable {
			break
		}
		to = mci
	}
	return to, nil
}

// skiplistFor looks up the main-chain units (and their balls, where
// present) at the geometric skip distances behind mci.
func (e *Engine) skiplistFor(ctx context.Context, mci uint64) (units, balls []string, err error) {
	for _, d := range skiplistDistances {
		if mci <= d {
			continue
		}
		u, ok, err := e.store.MainChainUnitAt(ctx, mci-d)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		units = append(units, u)
		if b, ok, err := e.store.BallForUnit(ctx, u); err != nil {
			return nil, nil, err
		} else if ok {
			balls = append(balls, b)
		}
	}
	return units, balls, nil
}
