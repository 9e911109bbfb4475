// Copyright 2025 Certen Protocol

package writer

import (
	"context"
	"database/sql"

	"github.com/dagchain/corenode/pkg/canon"
	"github.com/dagchain/corenode/pkg/dag"
	"github.com/dagchain/corenode/pkg/mainchain"
	"github.com/dagchain/corenode/pkg/storage"
)

// mainchainAdapter binds pkg/mainchain.Store to the single in-flight
// transaction a SaveJoint call owns, so PropagateMainChain, DetermineStableTo
// and AdvanceStability all see the unit this call just inserted even though
// it has not committed yet. A fresh adapter (and a fresh *mainchain.Engine
// over it) is built per call — unlike the other long-lived collaborators on
// Writer, this one cannot be constructed once at startup.
type mainchainAdapter struct {
	ex    *sql.Tx
	repos *storage.Repositories
}

func (a *mainchainAdapter) GetUnit(ctx context.Context, unitHash string) (*dag.Unit, error) {
	return a.repos.Units.GetByHashEx(ctx, a.ex, unitHash)
}

func (a *mainchainAdapter) UnitsAtMCI(ctx context.Context, mci uint64) ([]string, error) {
	return a.repos.Units.UnitsAtMCI(ctx, a.ex, mci)
}

func (a *mainchainAdapter) ParentUnits(ctx context.Context, unitHash string) ([]string, error) {
	return a.repos.Units.ParentUnits(ctx, a.ex, unitHash)
}

func (a *mainchainAdapter) MainChainUnitAt(ctx context.Context, mci uint64) (string, bool, error) {
	return a.repos.Units.MainChainUnitAt(ctx, a.ex, mci)
}

func (a *mainchainAdapter) SetMainChainPath(ctx context.Context, unitHash string, mci uint64) error {
	return a.repos.Units.SetMainChainPath(ctx, a.ex, unitHash, mci)
}

func (a *mainchainAdapter) MarkStable(ctx context.Context, unitHash string, mci uint64, seq dag.Sequence) error {
	return a.repos.Units.MarkStable(ctx, a.ex, unitHash, mci, seq)
}

func (a *mainchainAdapter) AuthorAddresses(ctx context.Context, unitHash string) ([]string, error) {
	return a.repos.Units.AuthorAddresses(ctx, a.ex, unitHash)
}

func (a *mainchainAdapter) BestParentChainRank(ctx context.Context, unitHash string) (int, error) {
	return a.repos.Units.BestParentChainRank(ctx, a.ex, unitHash)
}

func (a *mainchainAdapter) BallForUnit(ctx context.Context, unitHash string) (string, bool, error) {
	return a.repos.Balls.ForUnit(ctx, a.ex, unitHash)
}

// InsertBall computes the ball hash here, not in pkg/storage, keeping
// canon-package knowledge out of the storage layer (it only ever persists
// an already-computed hash).
func (a *mainchainAdapter) InsertBall(ctx context.Context, b *dag.Ball) (string, error) {
	hash, err := canon.BallHash(b.Unit, b.ParentBalls, b.SkiplistBalls, b.IsNonserial)
	if err != nil {
		return "", err
	}
	if err := a.repos.Balls.Insert(ctx, a.ex, hash, b.Unit, b.ParentBalls, b.SkiplistBalls, b.IsNonserial); err != nil {
		return "", err
	}
	return hash, nil
}

func (a *mainchainAdapter) ConflictingUnits(ctx context.Context, unitHash string) ([]string, error) {
	return a.repos.Conflicts.Of(ctx, a.ex, unitHash)
}

func (a *mainchainAdapter) AAPaidOutputs(ctx context.Context, unitHash string) ([]mainchain.AAPaidOutput, error) {
	addrs, err := a.repos.AA.PaidOutputsForUnit(ctx, a.ex, unitHash)
	if err != nil {
		return nil, err
	}
	out := make([]mainchain.AAPaidOutput, len(addrs))
	for i, addr := range addrs {
		out[i] = mainchain.AAPaidOutput{Unit: unitHash, Address: addr}
	}
	return out, nil
}

func (a *mainchainAdapter) EnqueueTrigger(ctx context.Context, mci uint64, unitHash, address string) error {
	return a.repos.AA.EnqueueTrigger(ctx, a.ex, mci, unitHash, address)
}

func (a *mainchainAdapter) SetLastStableMCI(ctx context.Context, mci uint64) error {
	return a.repos.Units.SetLastStableMCI(ctx, a.ex, mci)
}
