// Copyright 2025 Certen Protocol

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dagchain/corenode/pkg/dag"
)

// UnhandledJointRepository queues joints waiting on missing parents
// (NeedParents, spec §7) alongside the dependency edges that let the
// validator re-drive a joint once its last missing parent arrives.
type UnhandledJointRepository struct {
	c *Client
}

func NewUnhandledJointRepository(c *Client) *UnhandledJointRepository {
	return &UnhandledJointRepository{c: c}
}

func (r *UnhandledJointRepository) Enqueue(ctx context.Context, unit string, jointJSON []byte, peer string, missingParents []string) error {
	tx, err := r.c.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var peerCol sql.NullString
	if peer != "" {
		peerCol = sql.NullString{String: peer, Valid: true}
	}
	if _, err := tx.Raw().ExecContext(ctx,
		`INSERT INTO unhandled_joints (unit, json, peer) VALUES ($1,$2,$3)
		 ON CONFLICT (unit) DO NOTHING`, unit, jointJSON, peerCol); err != nil {
		return fmt.Errorf("storage: enqueue unhandled joint: %w", err)
	}
	for _, dep := range missingParents {
		if _, err := tx.Raw().ExecContext(ctx,
			`INSERT INTO dependencies (unit, depends_on_unit) VALUES ($1,$2)
			 ON CONFLICT (unit, depends_on_unit) DO NOTHING`, unit, dep); err != nil {
			return fmt.Errorf("storage: insert dependency: %w", err)
		}
	}
	return tx.Commit()
}

// ReadyAfter returns units whose dependency on parentUnit is now resolved
// and have no other unresolved dependency.
func (r *UnhandledJointRepository) ReadyAfter(ctx context.Context, parentUnit string) ([]string, error) {
	rows, err := r.c.execer().QueryContext(ctx, `
		DELETE FROM dependencies WHERE depends_on_unit = $1
		RETURNING unit`, parentUnit)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve dependencies: %w", err)
	}
	defer rows.Close()

	var candidates []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		candidates = append(candidates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var ready []string
	for _, u := range candidates {
		var remaining int
		if err := r.c.execer().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM dependencies WHERE unit = $1`, u).Scan(&remaining); err != nil {
			return nil, fmt.Errorf("storage: count remaining dependencies: %w", err)
		}
		if remaining == 0 {
			ready = append(ready, u)
		}
	}
	return ready, nil
}

func (r *UnhandledJointRepository) Pop(ctx context.Context, unit string) ([]byte, error) {
	var j []byte
	err := r.c.execer().QueryRowContext(ctx,
		`DELETE FROM unhandled_joints WHERE unit = $1 RETURNING json`, unit).Scan(&j)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: pop unhandled joint: %w", err)
	}
	return j, nil
}

// PurgeDependents transitively removes every unhandled joint that
// directly or indirectly depends on badUnit, batching each level's
// fan-out query at batchSize rows (spec §4.10: "large fan-outs must be
// batched, chunk size ≤ 500") so one bad unit with a deep unhandled
// subtree never builds an unbounded IN (...) clause. Returns the purged
// unit hashes.
func (r *UnhandledJointRepository) PurgeDependents(ctx context.Context, badUnit string, batchSize int) ([]string, error) {
	if batchSize <= 0 || batchSize > dag.PurgeBatchSize {
		batchSize = dag.PurgeBatchSize
	}

	var purged []string
	seen := map[string]bool{badUnit: true}
	frontier := []string{badUnit}

	for len(frontier) > 0 {
		var next []string
		for start := 0; start < len(frontier); start += batchSize {
			end := start + batchSize
			if end > len(frontier) {
				end = len(frontier)
			}
			children, err := r.directDependents(ctx, frontier[start:end])
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				if !seen[c] {
					seen[c] = true
					next = append(next, c)
				}
			}
		}
		purged = append(purged, next...)
		frontier = next
	}

	for start := 0; start < len(purged); start += batchSize {
		end := start + batchSize
		if end > len(purged) {
			end = len(purged)
		}
		if err := r.deleteBatch(ctx, purged[start:end]); err != nil {
			return nil, err
		}
	}
	return purged, nil
}

func (r *UnhandledJointRepository) directDependents(ctx context.Context, parents []string) ([]string, error) {
	if len(parents) == 0 {
		return nil, nil
	}
	args, placeholders := placeholderArgs(parents)
	query := fmt.Sprintf(`SELECT DISTINCT unit FROM dependencies WHERE depends_on_unit IN (%s)`, placeholders)
	rows, err := r.c.execer().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: direct dependents: %w", err)
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

func (r *UnhandledJointRepository) deleteBatch(ctx context.Context, units []string) error {
	if len(units) == 0 {
		return nil
	}
	args, placeholders := placeholderArgs(units)
	if _, err := r.c.execer().ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM unhandled_joints WHERE unit IN (%s)`, placeholders), args...); err != nil {
		return fmt.Errorf("storage: purge unhandled joints: %w", err)
	}
	if _, err := r.c.execer().ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM dependencies WHERE unit IN (%s)`, placeholders), args...); err != nil {
		return fmt.Errorf("storage: purge dependencies: %w", err)
	}
	return nil
}

func placeholderArgs(values []string) (args []interface{}, placeholders string) {
	args = make([]interface{}, len(values))
	parts := make([]string, len(values))
	for i, v := range values {
		args[i] = v
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return args, strings.Join(parts, ",")
}
