// Copyright 2025 Certen Protocol

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DefinitionRepository persists plain address definitions (posted via
// 'definition' messages, distinct from AA definitions in aa_addresses)
// and the per-asset bounce fees an AA declares acceptable.
type DefinitionRepository struct {
	c *Client
}

func NewDefinitionRepository(c *Client) *DefinitionRepository { return &DefinitionRepository{c: c} }

func (r *DefinitionRepository) Insert(ctx context.Context, ex execer, address string, definition interface{}, unit string) error {
	b, err := json.Marshal(definition)
	if err != nil {
		return fmt.Errorf("storage: marshal address definition: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO address_definitions (address, definition, unit) VALUES ($1,$2,$3)
		 ON CONFLICT (address) DO NOTHING`, address, b, unit)
	if err != nil {
		return fmt.Errorf("storage: insert address definition: %w", err)
	}
	return nil
}

// DefinitionFor loads the on-file definition for address, used by
// pkg/validator step 6 when a unit's author omits an inline definition.
func (r *DefinitionRepository) DefinitionFor(ctx context.Context, address string) (interface{}, error) {
	var raw []byte
	err := r.c.execer().QueryRowContext(ctx,
		`SELECT definition FROM address_definitions WHERE address = $1`, address).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("storage: no definition on file for %s", address)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: definition for: %w", err)
	}
	var def interface{}
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("storage: unmarshal definition: %w", err)
	}
	return def, nil
}

func (r *DefinitionRepository) SetBounceFee(ctx context.Context, ex execer, address, asset string, minFee uint64) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO aa_bounce_fees (address, asset, min_fee) VALUES ($1,$2,$3)
		 ON CONFLICT (address, asset) DO UPDATE SET min_fee = EXCLUDED.min_fee`,
		address, asset, minFee)
	if err != nil {
		return fmt.Errorf("storage: set bounce fee: %w", err)
	}
	return nil
}

// BounceFees returns every asset -> minimum accepted amount an AA has
// declared, keyed by asset.
func (r *DefinitionRepository) BounceFees(ctx context.Context, aaAddress string) (map[string]uint64, error) {
	rows, err := r.c.execer().QueryContext(ctx,
		`SELECT asset, min_fee FROM aa_bounce_fees WHERE address = $1`, aaAddress)
	if err != nil {
		return nil, fmt.Errorf("storage: bounce fees: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var asset string
		var fee uint64
		if err := rows.Scan(&asset, &fee); err != nil {
			return nil, err
		}
		out[asset] = fee
	}
	return out, rows.Err()
}
