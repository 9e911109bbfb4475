// Copyright 2025 Certen Protocol

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DataFeedRepository resolves the three "read a typed message payload
// back out of the DAG" lookups pkg/formula's DataSource needs: oracle
// data feeds, attestations, and asset definitions. All three are
// projections of the same messages table keyed by app, so they live
// together rather than as three near-identical single-method files.
type DataFeedRepository struct {
	c *Client
}

func NewDataFeedRepository(c *Client) *DataFeedRepository { return &DataFeedRepository{c: c} }

// DataFeedCandidate is one unit where oracle posted a value under
// feedName, carrying the fields pkg/formula.sortCandidatesForTieBreak
// needs to pick a winner deterministically.
type DataFeedCandidate struct {
	Value    string
	UnitHash string
	MCI      uint64
	Level    uint64
}

// Candidates returns every candidate value oracle has posted for
// feedName, across both stable and not-yet-stable units — the formula
// evaluator, not this query, performs the (mci, level, unit_hash)
// tie-break (spec §4.8).
func (r *DataFeedRepository) Candidates(ctx context.Context, oracle, feedName string) ([]DataFeedCandidate, error) {
	rows, err := r.c.execer().QueryContext(ctx, `
		SELECT u.unit_hash, u.level, COALESCE(u.main_chain_index, 0), m.payload->>$3
		FROM messages m
		JOIN units u ON u.unit_hash = m.unit
		JOIN unit_authors ua ON ua.unit = m.unit
		WHERE m.app = 'data_feed' AND ua.address = $1 AND m.payload ? $3`,
		oracle, feedName, feedName)
	if err != nil {
		return nil, fmt.Errorf("storage: data feed candidates: %w", err)
	}
	defer rows.Close()

	var out []DataFeedCandidate
	for rows.Next() {
		var c DataFeedCandidate
		if err := rows.Scan(&c.UnitHash, &c.Level, &c.MCI, &c.Value); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AttestationValue returns the most recent (highest main_chain_index)
// value attestor has posted for address's field, nested under the
// conventional top-level "profile" key of an attestation payload.
func (r *DataFeedRepository) AttestationValue(ctx context.Context, attestor, address, field string) (string, bool, error) {
	var v sql.NullString
	err := r.c.execer().QueryRowContext(ctx, `
		SELECT m.payload->'profile'->>$3
		FROM messages m
		JOIN units u ON u.unit_hash = m.unit
		JOIN unit_authors ua ON ua.unit = m.unit
		WHERE m.app = 'attestation' AND ua.address = $1 AND m.payload->>'address' = $2
		ORDER BY u.main_chain_index DESC NULLS LAST, u.level DESC
		LIMIT 1`,
		attestor, address, field).Scan(&v)
	if err == sql.ErrNoRows || !v.Valid {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: attestation value: %w", err)
	}
	return v.String, true, nil
}

// AssetMeta loads an asset's defining payload, keyed by the hash of the
// unit that posted the 'asset' message — the convention this protocol,
// like the pack's other ledger examples, uses to identify an asset.
func (r *DataFeedRepository) AssetMeta(ctx context.Context, asset string) (map[string]interface{}, bool, error) {
	var raw []byte
	err := r.c.execer().QueryRowContext(ctx,
		`SELECT payload FROM messages WHERE unit = $1 AND app = 'asset' LIMIT 1`, asset).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: asset meta: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, false, fmt.Errorf("storage: unmarshal asset meta: %w", err)
	}
	return meta, true, nil
}
