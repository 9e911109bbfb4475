// Copyright 2025 Certen Protocol

package storage

import (
	"context"
	"fmt"
)

// ConflictRepository records double-spend pairs flagged at validation
// time (spec §4.5 step 8) for pkg/mainchain to resolve at stabilization.
type ConflictRepository struct {
	c *Client
}

func NewConflictRepository(c *Client) *ConflictRepository { return &ConflictRepository{c: c} }

// Record flags unit and other as a conflicting pair, symmetrically.
func (r *ConflictRepository) Record(ctx context.Context, ex execer, unit, other string) error {
	if _, err := ex.ExecContext(ctx,
		`INSERT INTO unit_conflicts (unit, other_unit) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		unit, other); err != nil {
		return fmt.Errorf("storage: record conflict: %w", err)
	}
	if _, err := ex.ExecContext(ctx,
		`INSERT INTO unit_conflicts (unit, other_unit) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		other, unit); err != nil {
		return fmt.Errorf("storage: record conflict: %w", err)
	}
	return nil
}

// Of returns every unit flagged as conflicting with unit.
func (r *ConflictRepository) Of(ctx context.Context, ex execer, unit string) ([]string, error) {
	rows, err := ex.QueryContext(ctx,
		`SELECT other_unit FROM unit_conflicts WHERE unit = $1`, unit)
	if err != nil {
		return nil, fmt.Errorf("storage: conflicts of: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
