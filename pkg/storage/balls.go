// Copyright 2025 Certen Protocol

package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// BallRepository persists balls, their parent/skiplist ball references,
// and the skiplist_units table — balls exist only for stable units (I6).
type BallRepository struct {
	c *Client
}

func NewBallRepository(c *Client) *BallRepository { return &BallRepository{c: c} }

func (r *BallRepository) Insert(ctx context.Context, ex execer, ballHash, unit string, parentBalls, skiplistBalls []string, isNonserial bool) error {
	if _, err := ex.ExecContext(ctx,
		`INSERT INTO balls (ball_hash, unit, is_nonserial) VALUES ($1,$2,$3)
		 ON CONFLICT (ball_hash) DO NOTHING`,
		ballHash, unit, isNonserial); err != nil {
		return fmt.Errorf("storage: insert ball: %w", err)
	}

	for _, pb := range parentBalls {
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO ball_parents (ball, parent_ball) VALUES ($1,$2)
			 ON CONFLICT (ball, parent_ball) DO NOTHING`, ballHash, pb); err != nil {
			return fmt.Errorf("storage: insert ball parent: %w", err)
		}
	}
	for _, sl := range skiplistBalls {
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO ball_skiplist (ball, skiplist_ball) VALUES ($1,$2)
			 ON CONFLICT (ball, skiplist_ball) DO NOTHING`, ballHash, sl); err != nil {
			return fmt.Errorf("storage: insert ball skiplist: %w", err)
		}
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO skiplist_units (unit, skiplist_unit) VALUES ($1,$2)
			 ON CONFLICT (unit, skiplist_unit) DO NOTHING`, unit, sl); err != nil {
			return fmt.Errorf("storage: insert skiplist unit: %w", err)
		}
	}
	return nil
}

func (r *BallRepository) ByUnit(ctx context.Context, unit string) (ballHash string, err error) {
	err = r.c.execer().QueryRowContext(ctx, `SELECT ball_hash FROM balls WHERE unit = $1`, unit).Scan(&ballHash)
	if err == sql.ErrNoRows {
		return "", ErrBallNotFound
	}
	if err != nil {
		return "", fmt.Errorf("storage: ball by unit: %w", err)
	}
	return ballHash, nil
}

// ForUnit is the execer-scoped, bool-result variant of ByUnit for callers
// (pkg/writer, driving pkg/mainchain mid-transaction) that treat "no ball
// yet" as a normal case rather than an error.
func (r *BallRepository) ForUnit(ctx context.Context, ex execer, unit string) (string, bool, error) {
	var ballHash string
	err := ex.QueryRowContext(ctx, `SELECT ball_hash FROM balls WHERE unit = $1`, unit).Scan(&ballHash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: ball for unit: %w", err)
	}
	return ballHash, true, nil
}

// Refs returns ballHash's parent and skiplist ball hashes, for
// prepare_catchup_chain's per-ball parent/skiplist ball references.
func (r *BallRepository) Refs(ctx context.Context, ballHash string) (parentBalls, skiplistBalls []string, err error) {
	rows, err := r.c.execer().QueryContext(ctx, `SELECT parent_ball FROM ball_parents WHERE ball = $1`, ballHash)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: ball parents: %w", err)
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, nil, err
		}
		parentBalls = append(parentBalls, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = r.c.execer().QueryContext(ctx, `SELECT skiplist_ball FROM ball_skiplist WHERE ball = $1`, ballHash)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: ball skiplist: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, nil, err
		}
		skiplistBalls = append(skiplistBalls, s)
	}
	return parentBalls, skiplistBalls, rows.Err()
}
