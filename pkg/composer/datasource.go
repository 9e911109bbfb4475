// Copyright 2025 Certen Protocol

package composer

import (
	"context"

	"github.com/dagchain/corenode/pkg/dag"
	"github.com/dagchain/corenode/pkg/formula"
	"github.com/dagchain/corenode/pkg/storage"
)

// storageDataSource implements formula.DataSource over pkg/storage,
// giving every AA execution the production view of balances, asset
// metadata, data feeds, and attestations.
type storageDataSource struct {
	repos *storage.Repositories
}

func newDataSource(repos *storage.Repositories) *storageDataSource {
	return &storageDataSource{repos: repos}
}

func (d *storageDataSource) Balance(ctx context.Context, address, asset string) (formula.Value, error) {
	bal, err := d.repos.AA.Balance(ctx, address, asset)
	if err != nil {
		return formula.Value{}, err
	}
	return formula.Decimal(bal), nil
}

func (d *storageDataSource) AssetMeta(ctx context.Context, asset string) (map[string]interface{}, bool, error) {
	if asset == dag.BaseAsset {
		return map[string]interface{}{"is_private": false}, true, nil
	}
	return d.repos.DataFeed.AssetMeta(ctx, asset)
}

func (d *storageDataSource) DataFeedCandidates(ctx context.Context, oracle, feedName string) ([]formula.DataFeedCandidate, error) {
	cands, err := d.repos.DataFeed.Candidates(ctx, oracle, feedName)
	if err != nil {
		return nil, err
	}
	out := make([]formula.DataFeedCandidate, len(cands))
	for i, c := range cands {
		out[i] = formula.DataFeedCandidate{Value: c.Value, UnitHash: c.UnitHash, MCI: c.MCI, Level: c.Level}
	}
	return out, nil
}

func (d *storageDataSource) AttestationValue(ctx context.Context, attestor, address, field string) (string, bool, error) {
	return d.repos.DataFeed.AttestationValue(ctx, attestor, address, field)
}
