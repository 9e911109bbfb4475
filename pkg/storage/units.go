// Copyright 2025 Certen Protocol

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dagchain/corenode/pkg/dag"
)

// UnitRepository persists units, their parenthoods, authors, messages,
// inputs and outputs. Every write method accepts an execer so the writer
// package (pkg/writer) can compose several repository calls into one
// caller-managed transaction — see spec §4.7's atomic save_joint.
type UnitRepository struct {
	c *Client
}

func NewUnitRepository(c *Client) *UnitRepository { return &UnitRepository{c: c} }

// Insert writes a unit and all of its child rows (parenthoods, authors,
// messages, inputs, outputs). The caller is expected to run this inside a
// transaction started with Client.BeginTx so partial writes never become
// visible to other readers.
func (r *UnitRepository) Insert(ctx context.Context, ex execer, u *dag.Unit) error {
	var mci, lim sql.NullInt64
	if u.MainChainIndex != nil {
		mci = sql.NullInt64{Int64: int64(*u.MainChainIndex), Valid: true}
	}
	if u.LatestIncludedMCIndex != nil {
		lim = sql.NullInt64{Int64: int64(*u.LatestIncludedMCIndex), Valid: true}
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO units (unit_hash, version, alt_chain_id, witness_list_unit, last_ball,
			last_ball_unit, headers_commission, payload_commission, main_chain_index, level,
			latest_included_mc_index, is_on_main_chain, is_stable, is_free, sequence, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (unit_hash) DO NOTHING`,
		u.UnitHash, u.Version, u.AltChainID, u.WitnessListUnit, u.LastBall, u.LastBallUnit,
		u.HeadersCommission, u.PayloadCommission, mci, u.Level, lim,
		u.IsOnMainChain, u.IsStable, u.IsFree, string(u.Sequence), u.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("storage: insert unit %s: %w", u.UnitHash, err)
	}

	for i, p := range u.ParentUnits {
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO parenthoods (child_unit, parent_unit, ordinal) VALUES ($1,$2,$3)
			 ON CONFLICT (child_unit, parent_unit) DO NOTHING`,
			u.UnitHash, p, i); err != nil {
			return fmt.Errorf("storage: insert parenthood: %w", err)
		}
		// A unit's parents are no longer free once it has a child.
		if _, err := ex.ExecContext(ctx, `UPDATE units SET is_free = false WHERE unit_hash = $1`, p); err != nil {
			return fmt.Errorf("storage: clear parent free flag: %w", err)
		}
	}

	for _, a := range u.Authors {
		authBytes, err := json.Marshal(a.Authentifiers)
		if err != nil {
			return fmt.Errorf("storage: marshal authentifiers: %w", err)
		}
		var defChash sql.NullString
		if a.Definition != nil {
			defChash = sql.NullString{String: fmt.Sprintf("%v", a.Definition), Valid: true}
		}
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO unit_authors (unit, address, definition_chash, authentifiers)
			 VALUES ($1,$2,$3,$4) ON CONFLICT (unit, address) DO NOTHING`,
			u.UnitHash, a.Address, defChash, authBytes); err != nil {
			return fmt.Errorf("storage: insert unit author: %w", err)
		}
	}

	for mi, m := range u.Messages {
		var payload sql.NullString
		if m.Payload != nil {
			pb, err := json.Marshal(m.Payload)
			if err != nil {
				return fmt.Errorf("storage: marshal payload: %w", err)
			}
			payload = sql.NullString{String: string(pb), Valid: true}
		}
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO messages (unit, message_index, app, payload_location, payload_hash, payload)
			 VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (unit, message_index) DO NOTHING`,
			u.UnitHash, mi, string(m.App), string(m.PayloadLocation), m.PayloadHash, payload); err != nil {
			return fmt.Errorf("storage: insert message: %w", err)
		}

		for ii, in := range m.Inputs {
			if _, err := ex.ExecContext(ctx,
				`INSERT INTO inputs (unit, message_index, input_index, type, src_unit,
					src_message_index, src_output_index, serial_number, amount, asset, address)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
				 ON CONFLICT (unit, message_index, input_index) DO NOTHING`,
				u.UnitHash, mi, ii, string(in.Type), nullIfEmpty(in.SrcUnit), in.SrcMessageIndex,
				in.SrcOutputIndex, in.SerialNumber, in.Amount, in.Asset, nullIfEmpty(in.Address)); err != nil {
				return fmt.Errorf("storage: insert input: %w", err)
			}
		}

		for oi, out := range m.Outputs {
			if _, err := ex.ExecContext(ctx,
				`INSERT INTO outputs (unit, message_index, output_index, address, amount, asset,
					blinding, is_spent, denomination)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
				 ON CONFLICT (unit, message_index, output_index) DO NOTHING`,
				u.UnitHash, mi, oi, out.Address, out.Amount, out.Asset,
				nullIfEmpty(out.Blinding), out.IsSpent, out.Denomination); err != nil {
				return fmt.Errorf("storage: insert output: %w", err)
			}
		}
	}

	return nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// GetByHash loads a unit's header row. Messages/inputs/outputs are loaded
// lazily by OutputRepository/graph queries rather than eagerly here — most
// callers (best_parent, witnessed_level) only need the header fields.
func (r *UnitRepository) GetByHash(ctx context.Context, unitHash string) (*dag.Unit, error) {
	row := r.c.execer().QueryRowContext(ctx, `
		SELECT unit_hash, version, alt_chain_id, witness_list_unit, last_ball, last_ball_unit,
			headers_commission, payload_commission, main_chain_index, level,
			latest_included_mc_index, is_on_main_chain, is_stable, is_free, sequence, timestamp
		FROM units WHERE unit_hash = $1`, unitHash)

	u := &dag.Unit{}
	var mci, lim sql.NullInt64
	var seq string
	if err := row.Scan(&u.UnitHash, &u.Version, &u.AltChainID, &u.WitnessListUnit, &u.LastBall,
		&u.LastBallUnit, &u.HeadersCommission, &u.PayloadCommission, &mci, &u.Level, &lim,
		&u.IsOnMainChain, &u.IsStable, &u.IsFree, &seq, &u.Timestamp); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUnitNotFound
		}
		return nil, fmt.Errorf("storage: get unit %s: %w", unitHash, err)
	}
	if mci.Valid {
		v := uint64(mci.Int64)
		u.MainChainIndex = &v
	}
	if lim.Valid {
		v := uint64(lim.Int64)
		u.LatestIncludedMCIndex = &v
	}
	u.Sequence = dag.Sequence(seq)

	parents, err := r.parentUnits(ctx, unitHash)
	if err != nil {
		return nil, err
	}
	u.ParentUnits = parents
	return u, nil
}

// GetByHashEx is the execer-scoped form of GetByHash for pkg/mainchain's
// PropagateMainChain, which must see a unit inserted earlier in the same
// transaction before that transaction commits.
func (r *UnitRepository) GetByHashEx(ctx context.Context, ex execer, unitHash string) (*dag.Unit, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT unit_hash, version, alt_chain_id, witness_list_unit, last_ball, last_ball_unit,
			headers_commission, payload_commission, main_chain_index, level,
			latest_included_mc_index, is_on_main_chain, is_stable, is_free, sequence, timestamp
		FROM units WHERE unit_hash = $1`, unitHash)

	u := &dag.Unit{}
	var mci, lim sql.NullInt64
	var seq string
	if err := row.Scan(&u.UnitHash, &u.Version, &u.AltChainID, &u.WitnessListUnit, &u.LastBall,
		&u.LastBallUnit, &u.HeadersCommission, &u.PayloadCommission, &mci, &u.Level, &lim,
		&u.IsOnMainChain, &u.IsStable, &u.IsFree, &seq, &u.Timestamp); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUnitNotFound
		}
		return nil, fmt.Errorf("storage: get unit %s: %w", unitHash, err)
	}
	if mci.Valid {
		v := uint64(mci.Int64)
		u.MainChainIndex = &v
	}
	if lim.Valid {
		v := uint64(lim.Int64)
		u.LatestIncludedMCIndex = &v
	}
	u.Sequence = dag.Sequence(seq)

	parents, err := r.ParentUnits(ctx, ex, unitHash)
	if err != nil {
		return nil, err
	}
	u.ParentUnits = parents
	return u, nil
}

func (r *UnitRepository) parentUnits(ctx context.Context, unitHash string) ([]string, error) {
	rows, err := r.c.execer().QueryContext(ctx,
		`SELECT parent_unit FROM parenthoods WHERE child_unit = $1 ORDER BY ordinal`, unitHash)
	if err != nil {
		return nil, fmt.Errorf("storage: list parents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadUnitProps satisfies pkg/cache.UnitLoader, projecting a unit row (plus
// its author addresses) into the subset pkg/graph's queries need.
func (r *UnitRepository) LoadUnitProps(ctx context.Context, unitHash string) (*dag.UnitProps, error) {
	u, err := r.GetByHash(ctx, unitHash)
	if err != nil {
		return nil, err
	}
	addrs, err := r.AuthorAddresses(ctx, r.c.execer(), unitHash)
	if err != nil {
		return nil, err
	}
	var lim uint64
	if u.LatestIncludedMCIndex != nil {
		lim = *u.LatestIncludedMCIndex
	}
	return &dag.UnitProps{
		UnitHash:              u.UnitHash,
		ParentUnits:           u.ParentUnits,
		Level:                 u.Level,
		LatestIncludedMCIndex: lim,
		MainChainIndex:        u.MainChainIndex,
		IsOnMainChain:         u.IsOnMainChain,
		IsStable:              u.IsStable,
		IsFree:                u.IsFree,
		Sequence:              u.Sequence,
		WitnessListUnit:       u.WitnessListUnit,
		AuthorAddresses:       addrs,
		Timestamp:             u.Timestamp,
	}, nil
}

// Children returns unit hashes whose parenthoods reference unitHash, used
// by the cache and graph layers to propagate latest_included_mc_index and
// witnessed_level to descendants without a full-table scan.
func (r *UnitRepository) Children(ctx context.Context, unitHash string) ([]string, error) {
	rows, err := r.c.execer().QueryContext(ctx,
		`SELECT child_unit FROM parenthoods WHERE parent_unit = $1`, unitHash)
	if err != nil {
		return nil, fmt.Errorf("storage: list children: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FreeUnits returns the hashes of units with no recorded child — the
// candidate parent set for the next unit a local author posts.
func (r *UnitRepository) FreeUnits(ctx context.Context) ([]string, error) {
	rows, err := r.c.execer().QueryContext(ctx, `SELECT unit_hash FROM units WHERE is_free = true`)
	if err != nil {
		return nil, fmt.Errorf("storage: list free units: %w", err)
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

// FreeUnitsEx is the execer-scoped form of FreeUnits, so pkg/writer sees
// the is_free flips its own unit insert just made within the same
// transaction when it collects tips for stability evaluation.
func (r *UnitRepository) FreeUnitsEx(ctx context.Context, ex execer) ([]string, error) {
	rows, err := ex.QueryContext(ctx, `SELECT unit_hash FROM units WHERE is_free = true`)
	if err != nil {
		return nil, fmt.Errorf("storage: list free units: %w", err)
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

// MarkStable transitions a unit into the stable set within the given
// execer (always a transaction started by pkg/mainchain's stability pass —
// spec §4.6 requires this under the global write lock, one commit).
func (r *UnitRepository) MarkStable(ctx context.Context, ex execer, unitHash string, mci uint64, seq dag.Sequence) error {
	_, err := ex.ExecContext(ctx,
		`UPDATE units SET is_stable = true, main_chain_index = $2, sequence = $3 WHERE unit_hash = $1`,
		unitHash, mci, string(seq))
	if err != nil {
		return fmt.Errorf("storage: mark unit stable: %w", err)
	}
	return nil
}

// SetLatestIncludedMCIndex updates the propagated watermark used by
// is_stable_in_view_of — see spec §4.4.
func (r *UnitRepository) SetLatestIncludedMCIndex(ctx context.Context, ex execer, unitHash string, lim uint64) error {
	_, err := ex.ExecContext(ctx,
		`UPDATE units SET latest_included_mc_index = $2 WHERE unit_hash = $1 AND
			(latest_included_mc_index IS NULL OR latest_included_mc_index < $2)`,
		unitHash, lim)
	if err != nil {
		return fmt.Errorf("storage: set latest_included_mc_index: %w", err)
	}
	return nil
}

// ParentUnits is the exported, execer-scoped form of parentUnits so a
// caller mid-transaction (pkg/writer, driving pkg/mainchain) sees its own
// uncommitted writes rather than reading through the pooled connection.
func (r *UnitRepository) ParentUnits(ctx context.Context, ex execer, unitHash string) ([]string, error) {
	rows, err := ex.QueryContext(ctx,
		`SELECT parent_unit FROM parenthoods WHERE child_unit = $1 ORDER BY ordinal`, unitHash)
	if err != nil {
		return nil, fmt.Errorf("storage: list parents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MainChainUnitAt returns the unit on the main chain at the given MCI, if
// one has been assigned yet.
// MainChainUnitAtMCI is the repository-scoped form of MainChainUnitAt
// for read-only callers (pkg/network catchup) outside any caller-managed
// transaction.
func (r *UnitRepository) MainChainUnitAtMCI(ctx context.Context, mci uint64) (string, bool, error) {
	return r.MainChainUnitAt(ctx, r.c.execer(), mci)
}

func (r *UnitRepository) MainChainUnitAt(ctx context.Context, ex execer, mci uint64) (string, bool, error) {
	var u string
	err := ex.QueryRowContext(ctx,
		`SELECT unit_hash FROM units WHERE main_chain_index = $1 AND is_on_main_chain = true`, mci).Scan(&u)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: main chain unit at: %w", err)
	}
	return u, true, nil
}

// IsFinalBad reports whether unitHash has sequence='final-bad'. Used by
// pkg/validator step 3 to reject a unit that builds on a unit the main
// chain has already excluded.
func (r *UnitRepository) IsFinalBad(ctx context.Context, unitHash string) (bool, error) {
	var seq string
	err := r.c.execer().QueryRowContext(ctx, `SELECT sequence FROM units WHERE unit_hash = $1`, unitHash).Scan(&seq)
	if err == sql.ErrNoRows {
		return false, ErrUnitNotFound
	}
	if err != nil {
		return false, fmt.Errorf("storage: is final bad: %w", err)
	}
	return dag.Sequence(seq) == dag.SequenceFinalBad, nil
}

// IsStable reports whether unitHash has been promoted to stable, without
// requiring it also sit on the main chain — the weaker predicate
// pkg/witness needs to confirm a witness_list_unit is settled before
// trusting the address list it published.
func (r *UnitRepository) IsStable(ctx context.Context, unitHash string) (bool, error) {
	var isStable bool
	err := r.c.execer().QueryRowContext(ctx, `SELECT is_stable FROM units WHERE unit_hash = $1`, unitHash).Scan(&isStable)
	if err == sql.ErrNoRows {
		return false, ErrUnitNotFound
	}
	if err != nil {
		return false, fmt.Errorf("storage: is stable: %w", err)
	}
	return isStable, nil
}

// IsStableOnMainChain reports whether unitHash is both stable and on the
// main chain — the predicate spec §4.5 step 4 checks for last_ball_unit.
func (r *UnitRepository) IsStableOnMainChain(ctx context.Context, unitHash string) (bool, error) {
	var isStable, onChain bool
	err := r.c.execer().QueryRowContext(ctx,
		`SELECT is_stable, is_on_main_chain FROM units WHERE unit_hash = $1`, unitHash).Scan(&isStable, &onChain)
	if err == sql.ErrNoRows {
		return false, ErrUnitNotFound
	}
	if err != nil {
		return false, fmt.Errorf("storage: is stable on main chain: %w", err)
	}
	return isStable && onChain, nil
}

// UnitsAtMCI returns every unit assigned the given main_chain_index, for
// pkg/mainchain's per-MCI stabilization loop.
func (r *UnitRepository) UnitsAtMCI(ctx context.Context, ex execer, mci uint64) ([]string, error) {
	rows, err := ex.QueryContext(ctx, `SELECT unit_hash FROM units WHERE main_chain_index = $1`, mci)
	if err != nil {
		return nil, fmt.Errorf("storage: units at mci: %w", err)
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

// AuthorAddresses returns the addresses that authored unitHash, used by
// pkg/mainchain's best-parent-chain-rank tie-break.
func (r *UnitRepository) AuthorAddresses(ctx context.Context, ex execer, unitHash string) ([]string, error) {
	rows, err := ex.QueryContext(ctx, `SELECT address FROM unit_authors WHERE unit = $1`, unitHash)
	if err != nil {
		return nil, fmt.Errorf("storage: author addresses: %w", err)
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

// HasAuthored reports whether address has authored any unit on file,
// satisfying the "seen address" predicate pkg/definition's seen-address
// operator needs (spec §3): an address definition referencing
// ["seen-address", {address}] is true once that address has posted at
// least one unit, stable or not.
func (r *UnitRepository) HasAuthored(ctx context.Context, address string) (bool, error) {
	var exists bool
	err := r.c.execer().QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM unit_authors WHERE address = $1)`, address).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: has authored: %w", err)
	}
	return exists, nil
}

// BestParentChainRank returns unitHash's position (0 = earliest) on its
// own best-parent chain counted back from genesis, approximated here by
// its level — the chain from genesis to any unit visits exactly one unit
// per level on the best-parent path, so level is a monotonic proxy for
// chain position, which is all the conflict tie-break (spec §4.6 /
// DESIGN.md's Open Question decision) needs.
func (r *UnitRepository) BestParentChainRank(ctx context.Context, ex execer, unitHash string) (int, error) {
	var level uint64
	err := ex.QueryRowContext(ctx, `SELECT level FROM units WHERE unit_hash = $1`, unitHash).Scan(&level)
	if err == sql.ErrNoRows {
		return 0, ErrUnitNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("storage: best parent chain rank: %w", err)
	}
	return int(level), nil
}

// LastStableMCI reads the chain_state watermark.
func (r *UnitRepository) LastStableMCI(ctx context.Context) (uint64, error) {
	var mci uint64
	err := r.c.execer().QueryRowContext(ctx, `SELECT last_stable_mci FROM chain_state WHERE id = 1`).Scan(&mci)
	if err != nil {
		return 0, fmt.Errorf("storage: last stable mci: %w", err)
	}
	return mci, nil
}

// SetLastStableMCI updates the chain_state watermark within ex, the same
// transaction as the stability-advancing writes (spec §4.6 step 2).
func (r *UnitRepository) SetLastStableMCI(ctx context.Context, ex execer, mci uint64) error {
	_, err := ex.ExecContext(ctx, `UPDATE chain_state SET last_stable_mci = $1 WHERE id = 1`, mci)
	if err != nil {
		return fmt.Errorf("storage: set last stable mci: %w", err)
	}
	return nil
}

// SetMainChainPath marks unitHash as on the main chain at the given MCI —
// used while walking the best-parent chain forward from the prior stable
// point, independent of the final stability transition.
func (r *UnitRepository) SetMainChainPath(ctx context.Context, ex execer, unitHash string, mci uint64) error {
	_, err := ex.ExecContext(ctx,
		`UPDATE units SET is_on_main_chain = true, main_chain_index = $2 WHERE unit_hash = $1`,
		unitHash, mci)
	if err != nil {
		return fmt.Errorf("storage: set main chain path: %w", err)
	}
	return nil
}

// UnstableMainChainAbove returns, in ascending main_chain_index order,
// the hashes of every main-chain unit assigned an index greater than
// afterMCI that has not yet stabilized — prepare_witness_proof's
// candidate set (spec §4.10). main_chain_index is assigned by
// PropagateMainChain independently of stabilization, so this is a plain
// column filter, not a recomputation of the main chain.
func (r *UnitRepository) UnstableMainChainAbove(ctx context.Context, afterMCI uint64) ([]string, error) {
	rows, err := r.c.execer().QueryContext(ctx, `
		SELECT unit_hash FROM units
		WHERE is_on_main_chain = true AND is_stable = false AND main_chain_index > $1
		ORDER BY main_chain_index`, afterMCI)
	if err != nil {
		return nil, fmt.Errorf("storage: unstable main chain above: %w", err)
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
