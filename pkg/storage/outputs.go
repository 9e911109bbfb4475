// Copyright 2025 Certen Protocol

package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// OutputRepository implements output lookups and the single-spend
// invariant (I5: an output is spent by at most one input across all
// stable units).
type OutputRepository struct {
	c *Client
}

func NewOutputRepository(c *Client) *OutputRepository { return &OutputRepository{c: c} }

// IsSpent reports whether (unit, messageIndex, outputIndex) already has
// is_spent = true.
func (r *OutputRepository) IsSpent(ctx context.Context, unit string, messageIndex, outputIndex int) (bool, error) {
	var spent bool
	err := r.c.execer().QueryRowContext(ctx,
		`SELECT is_spent FROM outputs WHERE unit=$1 AND message_index=$2 AND output_index=$3`,
		unit, messageIndex, outputIndex).Scan(&spent)
	if err == sql.ErrNoRows {
		return false, ErrOutputNotFound
	}
	if err != nil {
		return false, fmt.Errorf("storage: is_spent: %w", err)
	}
	return spent, nil
}

// MarkSpent flips is_spent for the referenced output inside a caller-
// managed transaction, so a double-spend attempt inside the same batch of
// writes is visible to the next check within that transaction.
func (r *OutputRepository) MarkSpent(ctx context.Context, ex execer, unit string, messageIndex, outputIndex int) error {
	res, err := ex.ExecContext(ctx,
		`UPDATE outputs SET is_spent = true WHERE unit=$1 AND message_index=$2 AND output_index=$3 AND is_spent = false`,
		unit, messageIndex, outputIndex)
	if err != nil {
		return fmt.Errorf("storage: mark spent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: mark spent rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage: output %s[%d][%d] already spent or missing", unit, messageIndex, outputIndex)
	}
	return nil
}

// OutputOwner resolves the (address, asset, amount) triple for an output
// reference, used by pkg/validator to check input ownership and asset
// matching (spec §4.5 step 7).
func (r *OutputRepository) OutputOwner(ctx context.Context, unit string, messageIndex, outputIndex int) (address, asset string, amount uint64, err error) {
	err = r.c.execer().QueryRowContext(ctx,
		`SELECT address, asset, amount FROM outputs WHERE unit=$1 AND message_index=$2 AND output_index=$3`,
		unit, messageIndex, outputIndex).Scan(&address, &asset, &amount)
	if err == sql.ErrNoRows {
		return "", "", 0, ErrOutputNotFound
	}
	if err != nil {
		return "", "", 0, fmt.Errorf("storage: output owner: %w", err)
	}
	return address, asset, amount, nil
}

// SpentByUnits returns every unit (other than excludeUnit) whose inputs
// table already references (unit, messageIndex, outputIndex) — used by
// pkg/writer to pair up a newly flagged double-spend (spec §4.5 step 8)
// into symmetric unit_conflicts rows.
func (r *OutputRepository) SpentByUnits(ctx context.Context, ex execer, unit string, messageIndex, outputIndex int, excludeUnit string) ([]string, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT DISTINCT unit FROM inputs
		WHERE src_unit=$1 AND src_message_index=$2 AND src_output_index=$3 AND unit != $4`,
		unit, messageIndex, outputIndex, excludeUnit)
	if err != nil {
		return nil, fmt.Errorf("storage: spent by units: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// OutputsTo sums every output in unit addressed to address, grouped by
// asset — how pkg/composer builds a trigger's `outputs` object (spec
// §4.9 step 2) from the paying unit without caring which message or
// output index carried each amount.
func (r *OutputRepository) OutputsTo(ctx context.Context, unit, address string) (map[string]uint64, error) {
	rows, err := r.c.execer().QueryContext(ctx,
		`SELECT asset, amount FROM outputs WHERE unit=$1 AND address=$2`, unit, address)
	if err != nil {
		return nil, fmt.Errorf("storage: outputs to: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var asset string
		var amount uint64
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, err
		}
		out[asset] += amount
	}
	return out, rows.Err()
}

// BalanceForAddress sums unspent outputs for (address, asset) — used by
// pkg/writer to recompute aa_balances from first principles (invariant
// I7) after a crash, as a reconciliation check against the incremental
// aa_balances table.
func (r *OutputRepository) BalanceForAddress(ctx context.Context, address, asset string) (int64, error) {
	var sum sql.NullInt64
	err := r.c.execer().QueryRowContext(ctx,
		`SELECT SUM(amount) FROM outputs WHERE address=$1 AND asset=$2 AND is_spent = false`,
		address, asset).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("storage: balance for address: %w", err)
	}
	return sum.Int64, nil
}
