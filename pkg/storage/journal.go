// Copyright 2025 Certen Protocol

package storage

import (
	"context"
	"fmt"
)

// JournalRepository implements the atomicity contract of SPEC_FULL.md
// §4.2: a KV-store mutation set is first durably recorded here, in the
// same relational transaction as the SQL writes it accompanies, then
// applied to the KV store, then marked applied. If the process dies
// between the SQL commit and the KV apply, pkg/kvstore's Replayer finds
// the unapplied row on startup and re-applies it before accepting new
// units — this is what makes "if a process is killed at any instant, on
// restart the relational and key-value stores agree" (the contract
// clause) hold.
type JournalRepository struct {
	c *Client
}

func NewJournalRepository(c *Client) *JournalRepository { return &JournalRepository{c: c} }

// Append writes an unapplied journal row carrying the serialized KV batch
// (payload). Must be called within the same transaction as the relational
// writes it is paired with.
func (r *JournalRepository) Append(ctx context.Context, ex execer, payload []byte) (int64, error) {
	var id int64
	err := ex.QueryRowContext(ctx,
		`INSERT INTO journal_entries (applied, payload) VALUES (false, $1) RETURNING id`,
		payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("storage: append journal entry: %w", err)
	}
	return id, nil
}

// MarkApplied flips a journal row to applied, after the KV batch has been
// durably written (batch_write with sync:true — pkg/kvstore.Adapter).
func (r *JournalRepository) MarkApplied(ctx context.Context, id int64) error {
	_, err := r.c.execer().ExecContext(ctx, `UPDATE journal_entries SET applied = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: mark journal applied: %w", err)
	}
	return nil
}

// JournalEntry is the storage projection of one journal row.
type JournalEntry struct {
	ID      int64
	Payload []byte
}

// Unapplied returns every journal row not yet marked applied, oldest
// first — the exact replay order a restarting node must use.
func (r *JournalRepository) Unapplied(ctx context.Context) ([]JournalEntry, error) {
	rows, err := r.c.execer().QueryContext(ctx,
		`SELECT id, payload FROM journal_entries WHERE applied = false ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: unapplied journal entries: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
