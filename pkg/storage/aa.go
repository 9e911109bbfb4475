// Copyright 2025 Certen Protocol

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dagchain/corenode/pkg/dag"
)

// AARepository persists Autonomous Agent addresses, their asset balances
// (aa_balances, maintained incrementally per I7), the pending trigger
// queue (aa_triggers), and recorded responses (aa_responses).
type AARepository struct {
	c *Client
}

func NewAARepository(c *Client) *AARepository { return &AARepository{c: c} }

func (r *AARepository) InsertDefinition(ctx context.Context, ex execer, address string, definition interface{}, unit string, mci uint64, baseAA string) error {
	defBytes, err := json.Marshal(definition)
	if err != nil {
		return fmt.Errorf("storage: marshal aa definition: %w", err)
	}
	var base sql.NullString
	if baseAA != "" {
		base = sql.NullString{String: baseAA, Valid: true}
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO aa_addresses (address, definition, unit, mci, base_aa) VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (address) DO NOTHING`,
		address, defBytes, unit, mci, base)
	if err != nil {
		return fmt.Errorf("storage: insert aa definition: %w", err)
	}
	return nil
}

// GetDefinition loads the on-file template for an AA address — the
// composer's starting point for resolving base_aa/param substitution and
// evaluating init/messages (spec §4.9 step 1).
func (r *AARepository) GetDefinition(ctx context.Context, address string) (*dag.AADefinition, error) {
	var (
		raw    []byte
		unit   string
		mci    uint64
		baseAA sql.NullString
	)
	err := r.c.execer().QueryRowContext(ctx,
		`SELECT definition, unit, mci, base_aa FROM aa_addresses WHERE address = $1`, address).
		Scan(&raw, &unit, &mci, &baseAA)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("storage: no aa definition on file for %s", address)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get aa definition: %w", err)
	}

	var template map[string]interface{}
	if err := json.Unmarshal(raw, &template); err != nil {
		return nil, fmt.Errorf("storage: unmarshal aa definition for %s: %w", address, err)
	}

	def := &dag.AADefinition{Address: address, Unit: unit, MCI: mci, Template: template}
	if baseAA.Valid {
		def.BaseAA = baseAA.String
		if params, ok := template["params"].(map[string]interface{}); ok {
			def.Params = params
		}
	}
	return def, nil
}

func (r *AARepository) IsAA(ctx context.Context, address string) (bool, error) {
	var exists bool
	err := r.c.execer().QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM aa_addresses WHERE address = $1)`, address).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: is_aa: %w", err)
	}
	return exists, nil
}

func (r *AARepository) Balance(ctx context.Context, address, asset string) (decimal.Decimal, error) {
	var s sql.NullString
	err := r.c.execer().QueryRowContext(ctx,
		`SELECT balance FROM aa_balances WHERE address=$1 AND asset=$2`, address, asset).Scan(&s)
	if err == sql.ErrNoRows || !s.Valid {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("storage: aa balance: %w", err)
	}
	return decimal.NewFromString(s.String)
}

// AdjustBalance applies a signed delta to an AA's asset balance, creating
// the row on first use.
func (r *AARepository) AdjustBalance(ctx context.Context, ex execer, address, asset string, delta decimal.Decimal) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO aa_balances (address, asset, balance) VALUES ($1,$2,$3)
		ON CONFLICT (address, asset) DO UPDATE SET balance = aa_balances.balance + EXCLUDED.balance`,
		address, asset, delta.String())
	if err != nil {
		return fmt.Errorf("storage: adjust aa balance: %w", err)
	}
	return nil
}

// PaidOutputsForUnit returns (address) for every output in unitHash that
// pays a known AA address — the set pkg/mainchain turns into aa_triggers
// once the unit stabilizes (spec §4.6).
func (r *AARepository) PaidOutputsForUnit(ctx context.Context, ex execer, unitHash string) ([]string, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT DISTINCT o.address
		FROM outputs o
		JOIN aa_addresses a ON a.address = o.address
		WHERE o.unit = $1`, unitHash)
	if err != nil {
		return nil, fmt.Errorf("storage: paid outputs for unit: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AARepository) EnqueueTrigger(ctx context.Context, ex execer, mci uint64, unit, address string) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO aa_triggers (mci, unit, address) VALUES ($1,$2,$3)
		 ON CONFLICT (mci, unit, address) DO NOTHING`, mci, unit, address)
	if err != nil {
		return fmt.Errorf("storage: enqueue aa trigger: %w", err)
	}
	return nil
}

// PendingTriggers returns queued triggers in (mci, unit, address) order —
// the composer (pkg/composer) processes them in this deterministic order
// so replay on every node produces the same sequence of response units.
func (r *AARepository) PendingTriggers(ctx context.Context) ([]Trigger, error) {
	rows, err := r.c.execer().QueryContext(ctx,
		`SELECT mci, unit, address FROM aa_triggers ORDER BY mci, unit, address`)
	if err != nil {
		return nil, fmt.Errorf("storage: pending triggers: %w", err)
	}
	defer rows.Close()

	var out []Trigger
	for rows.Next() {
		var t Trigger
		if err := rows.Scan(&t.MCI, &t.Unit, &t.Address); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Trigger is the storage projection of dag.AATrigger.
type Trigger struct {
	MCI     uint64
	Unit    string
	Address string
}

// DequeueTrigger removes a trigger row atomically with the response write
// that handled it — spec scenario 2 requires "aa_triggers row removed
// atomically with state write."
func (r *AARepository) DequeueTrigger(ctx context.Context, ex execer, mci uint64, unit, address string) error {
	_, err := ex.ExecContext(ctx,
		`DELETE FROM aa_triggers WHERE mci=$1 AND unit=$2 AND address=$3`, mci, unit, address)
	if err != nil {
		return fmt.Errorf("storage: dequeue trigger: %w", err)
	}
	return nil
}

func (r *AARepository) RecordResponse(ctx context.Context, ex execer, mci uint64, triggerUnit, aaAddress, responseUnit string, bounced bool, response interface{}) error {
	var respBytes sql.NullString
	if response != nil {
		rb, err := json.Marshal(response)
		if err != nil {
			return fmt.Errorf("storage: marshal response: %w", err)
		}
		respBytes = sql.NullString{String: string(rb), Valid: true}
	}
	var ru sql.NullString
	if responseUnit != "" {
		ru = sql.NullString{String: responseUnit, Valid: true}
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO aa_responses (mci, trigger_unit, aa_address, response_unit, bounced, response)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (trigger_unit, aa_address) DO UPDATE SET
			response_unit = EXCLUDED.response_unit, bounced = EXCLUDED.bounced, response = EXCLUDED.response`,
		mci, triggerUnit, aaAddress, ru, bounced, respBytes)
	if err != nil {
		return fmt.Errorf("storage: record aa response: %w", err)
	}
	return nil
}
