// Copyright 2025 Certen Protocol

package network

import (
	"context"
	"fmt"

	"github.com/dagchain/corenode/pkg/dag"
	"github.com/dagchain/corenode/pkg/storage"
)

// Catchup implements the two RPCs a new or resyncing peer bootstraps
// through (spec §4.10): prepare_witness_proof hands over the unstable
// tail of the main chain plus the witness-list/definition changes a
// light client needs to trust it, and prepare_catchup_chain hands over
// the stable ball chain between two main-chain indices.
type Catchup struct {
	repos *storage.Repositories
}

func NewCatchup(repos *storage.Repositories) *Catchup {
	return &Catchup{repos: repos}
}

// WitnessProof is the response to prepare_witness_proof: the unstable
// main-chain joints above the requester's last stable MCI, plus the
// witness-list/definition-change joints found among them, or
// AlreadyCurrent if the requester has nothing left to catch up on.
type WitnessProof struct {
	AlreadyCurrent bool
	UnstableMC     []*dag.Unit
	DefChanges     []*dag.Unit
}

// PrepareWitnessProof returns the joints a node at requesterLastStableMCI
// needs to verify the current tip is reachable through a witness
// majority it already trusts. The "already current" response is
// returned iff requesterLastStableMCI strictly exceeds the last-ball MCI
// of the newest unstable main-chain unit — equality still returns the
// unstable joints (spec §4.10, exact boundary).
// witnesses names the requester's currently trusted witness list; it
// isn't used to filter the definition-change joints below since the
// requester re-validates every included joint itself regardless of
// whether it touches a witness it already trusts — the parameter exists
// so a future optimization can narrow DefChanges without changing this
// method's signature.
func (c *Catchup) PrepareWitnessProof(ctx context.Context, requesterLastStableMCI uint64, witnesses []string) (*WitnessProof, error) {
	unstableHashes, err := c.repos.Units.UnstableMainChainAbove(ctx, requesterLastStableMCI)
	if err != nil {
		return nil, fmt.Errorf("network: load unstable main chain: %w", err)
	}
	if len(unstableHashes) == 0 {
		return &WitnessProof{AlreadyCurrent: true}, nil
	}

	newest, err := c.repos.Units.GetByHash(ctx, unstableHashes[len(unstableHashes)-1])
	if err != nil {
		return nil, fmt.Errorf("network: load newest unstable unit: %w", err)
	}
	lastBallMCI, err := c.lastBallMCI(ctx, newest)
	if err != nil {
		return nil, err
	}
	if requesterLastStableMCI > lastBallMCI {
		return &WitnessProof{AlreadyCurrent: true}, nil
	}

	proof := &WitnessProof{}
	for _, h := range unstableHashes {
		u, err := c.repos.Units.GetByHash(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("network: load unstable unit %s: %w", h, err)
		}
		proof.UnstableMC = append(proof.UnstableMC, u)
		if definesWitnessOrAddress(u) {
			proof.DefChanges = append(proof.DefChanges, u)
		}
	}
	return proof, nil
}

func (c *Catchup) lastBallMCI(ctx context.Context, u *dag.Unit) (uint64, error) {
	if u.LastBallUnit == "" {
		return 0, nil
	}
	lastBall, err := c.repos.Units.GetByHash(ctx, u.LastBallUnit)
	if err != nil {
		return 0, fmt.Errorf("network: load last ball unit %s: %w", u.LastBallUnit, err)
	}
	if lastBall.MainChainIndex == nil {
		return 0, nil
	}
	return *lastBall.MainChainIndex, nil
}

func definesWitnessOrAddress(u *dag.Unit) bool {
	for _, m := range u.Messages {
		if m.App == dag.AppDefinition || m.App == dag.AppDefinitionTemplate {
			return true
		}
	}
	return false
}

// Ball is one entry of a prepare_catchup_chain response: the ball hash
// plus the parent/skiplist ball references a light client needs to
// re-derive the hash chain without refetching every unit.
type Ball struct {
	BallHash      string
	Unit          string
	ParentBalls   []string
	SkiplistBalls []string
}

// CatchupErrorFunc reports a server-side inconsistency found while
// preparing a catchup chain (a supposedly stable unit with no ball row)
// — spec §4.10 requires this surface via callback, never a raised
// exception, since it reflects corrupted local state rather than a bad
// request from the peer.
type CatchupErrorFunc func(unit string, err error)

// PrepareCatchupChain returns the balls for main-chain units with index
// in (from, to], in ascending order, each with its parent/skiplist ball
// references. Only units with both a main_chain_index and a ball row
// are eligible (spec §4.10); a main-chain unit in range with no ball row
// indicates the local store disagrees with itself about what's stable,
// so it is reported through onError rather than silently dropped or
// raised as an exception.
func (c *Catchup) PrepareCatchupChain(ctx context.Context, from, to uint64, onError CatchupErrorFunc) ([]Ball, error) {
	var balls []Ball
	for mci := from + 1; mci <= to; mci++ {
		unit, ok, err := c.repos.Units.MainChainUnitAtMCI(ctx, mci)
		if err != nil {
			return nil, fmt.Errorf("network: load main chain unit at %d: %w", mci, err)
		}
		if !ok {
			continue
		}
		ballHash, err := c.repos.Balls.ByUnit(ctx, unit)
		if err == storage.ErrBallNotFound {
			if onError != nil {
				onError(unit, fmt.Errorf("network: unit %s at mci %d has no ball row", unit, mci))
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("network: load ball for unit %s: %w", unit, err)
		}
		parents, skiplist, err := c.repos.Balls.Refs(ctx, ballHash)
		if err != nil {
			if onError != nil {
				onError(unit, err)
			}
			continue
		}
		balls = append(balls, Ball{BallHash: ballHash, Unit: unit, ParentBalls: parents, SkiplistBalls: skiplist})
	}
	return balls, nil
}
