// Copyright 2025 Certen Protocol
//
// Package validator implements the joint validation pipeline of spec
// §4.5 (C5): structure, hash match, parent resolution, last-ball check,
// witness-list resolution, author/signature verification, message and
// payment conservation, double-spend flagging, and the AA bounce-fee
// precheck. Every outcome is returned as a *dag.Error — nothing here
// panics across the async boundary the network/writer layers schedule
// this on.
package validator

import (
	"context"
	"fmt"

	"github.com/dagchain/corenode/pkg/canon"
	"github.com/dagchain/corenode/pkg/dag"
	"github.com/dagchain/corenode/pkg/definition"
	"github.com/dagchain/corenode/pkg/graph"
	"github.com/dagchain/corenode/pkg/witness"
)

// Store is the read surface the validator needs from the relational
// store and cache; pkg/storage + pkg/cache satisfy it in production.
type Store interface {
	GetUnit(ctx context.Context, unitHash string) (*dag.Unit, error)
	IsFinalBad(ctx context.Context, unitHash string) (bool, error)
	IsStableOnMainChain(ctx context.Context, unitHash string) (bool, error)
	BallForUnit(ctx context.Context, unitHash string) (string, error)
	OutputIsSpent(ctx context.Context, unit string, messageIndex, outputIndex int) (bool, error)
	OutputOwner(ctx context.Context, unit string, messageIndex, outputIndex int) (address, asset string, amount uint64, err error)
	DefinitionFor(ctx context.Context, address string) (interface{}, error)
	LastStableMCI(ctx context.Context) (uint64, error)
	IsAA(ctx context.Context, address string) (bool, error)
	BounceFees(ctx context.Context, aaAddress string) (map[string]uint64, error)
}

// DefinitionContext adapts Store into the definition.Context a
// definition.Evaluate call needs (signature verification, seen-address,
// data feeds, attestations) — kept as a separate small interface so
// tests can fake just the parts a given definition exercises.
type DefinitionContext = definition.Context

type Validator struct {
	store     Store
	graph     *graph.Graph
	defCtx    DefinitionContext
	witnesses witness.DefinitionResolver
}

func New(store Store, g *graph.Graph, defCtx DefinitionContext, witnesses witness.DefinitionResolver) *Validator {
	return &Validator{store: store, graph: g, defCtx: defCtx, witnesses: witnesses}
}

// Result is the successful outcome of validation: the unit with derived
// fields (level, computed witnessed parent info) filled in, ready for
// pkg/writer to persist.
type Result struct {
	Unit               *dag.Unit
	ConflictingInputs  []ConflictingInput // flagged per step 8, resolved at stability
}

// ConflictingInput names a (src_unit, src_message_index, src_output_index)
// that this unit's input also references, already spent-or-claimed by
// another unstable unit — the serial/non-serial decision is deferred to
// stability (spec §4.5 step 8).
type ConflictingInput struct {
	SrcUnit         string
	SrcMessageIndex int
	SrcOutputIndex  int
	OtherUnit       string
}

// Validate runs the full pipeline against joint, under the caller's
// author-address-keyed mutex (pkg/keymutex). It takes a snapshot of
// last_stable_mci up front so every "is this stable?" predicate inside
// this call (witness list, last ball, seen-address) agrees, even if
// pkg/mainchain advances stability concurrently on another goroutine.
func (v *Validator) Validate(ctx context.Context, u *dag.Unit) (*Result, error) {
	if err := v.checkStructure(u); err != nil {
		return nil, err
	}
	if err := v.checkHash(u); err != nil {
		return nil, err
	}

	level, missingParents, err := v.checkParents(ctx, u)
	if err != nil {
		return nil, err
	}
	if len(missingParents) > 0 {
		return nil, dag.NeedParents(missingParents)
	}
	u.Level = level

	if err := v.checkLastBall(ctx, u); err != nil {
		return nil, err
	}

	wList, err := witness.Resolve(ctx, v.witnesses, u.WitnessListUnit)
	if err != nil {
		return nil, err
	}
	u.Witnesses = wList.Addresses

	if err := v.checkAuthors(ctx, u); err != nil {
		return nil, err
	}

	conflicts, err := v.checkMessagesAndPayments(ctx, u)
	if err != nil {
		return nil, err
	}

	if err := v.checkAATriggers(ctx, u); err != nil {
		return nil, err
	}

	return &Result{Unit: u, ConflictingInputs: conflicts}, nil
}

// --- Step 1: structure ---

func (v *Validator) checkStructure(u *dag.Unit) error {
	if len(u.ParentUnits) == 0 || len(u.ParentUnits) > dag.MaxParentsPerUnit {
		return dag.New(dag.KindStructural, "unit must have 1..%d parents, got %d", dag.MaxParentsPerUnit, len(u.ParentUnits))
	}
	if len(u.Authors) == 0 || len(u.Authors) > dag.MaxAuthorsPerUnit {
		return dag.New(dag.KindStructural, "unit must have 1..%d authors, got %d", dag.MaxAuthorsPerUnit, len(u.Authors))
	}
	if len(u.Messages) == 0 || len(u.Messages) > dag.MaxMessagesPerUnit {
		return dag.New(dag.KindStructural, "unit must have 1..%d messages, got %d", dag.MaxMessagesPerUnit, len(u.Messages))
	}

	seen := make(map[string]bool, len(u.ParentUnits))
	for _, p := range u.ParentUnits {
		if seen[p] {
			return dag.New(dag.KindStructural, "duplicate parent %s", p)
		}
		seen[p] = true
	}

	for i, m := range u.Messages {
		if len(m.Inputs) > dag.MaxInputsPerMessage {
			return dag.New(dag.KindStructural, "message %d has too many inputs", i)
		}
		if len(m.Outputs) > dag.MaxOutputsPerMessage {
			return dag.New(dag.KindStructural, "message %d has too many outputs", i)
		}
	}
	return nil
}

// --- Step 2: hash match ---

func (v *Validator) checkHash(u *dag.Unit) error {
	authors := make([]interface{}, len(u.Authors))
	for i, a := range u.Authors {
		authors[i] = map[string]interface{}{"address": a.Address}
	}
	messages := make([]interface{}, len(u.Messages))
	for i, m := range u.Messages {
		messages[i] = map[string]interface{}{
			"app":             string(m.App),
			"payload_location": string(m.PayloadLocation),
			"payload_hash":    m.PayloadHash,
		}
	}

	got, err := canon.UnitHash(canon.UnitForHashing{
		Version:           u.Version,
		AltChainID:        u.AltChainID,
		ParentUnits:       u.ParentUnits,
		LastBall:          u.LastBall,
		LastBallUnit:      u.LastBallUnit,
		WitnessListUnit:   u.WitnessListUnit,
		HeadersCommission: u.HeadersCommission,
		PayloadCommission: u.PayloadCommission,
		Authors:           authors,
		Messages:          messages,
		Timestamp:         u.Timestamp,
	})
	if err != nil {
		return dag.Wrap(dag.KindStructural, err, "computing unit_hash")
	}
	if got != u.UnitHash {
		return dag.New(dag.KindUnit, "unit_hash mismatch: claimed %s, computed %s", u.UnitHash, got)
	}
	return nil
}

// --- Step 3: parents ---

func (v *Validator) checkParents(ctx context.Context, u *dag.Unit) (level uint64, missing []string, err error) {
	var maxParentLevel uint64
	for _, p := range u.ParentUnits {
		parent, err := v.store.GetUnit(ctx, p)
		if err == dag.ErrUnitNotFound {
			missing = append(missing, p)
			continue
		}
		if err != nil {
			return 0, nil, dag.Wrap(dag.KindStorage, err, "loading parent %s", p)
		}
		finalBad, err := v.store.IsFinalBad(ctx, p)
		if err != nil {
			return 0, nil, dag.Wrap(dag.KindStorage, err, "checking parent sequence %s", p)
		}
		if finalBad {
			return 0, nil, dag.New(dag.KindUnit, "parent %s is final-bad", p)
		}
		if parent.Level > maxParentLevel {
			maxParentLevel = parent.Level
		}
	}
	if len(missing) > 0 {
		return 0, missing, nil
	}
	return maxParentLevel + 1, nil, nil
}

// --- Step 4: last ball ---

func (v *Validator) checkLastBall(ctx context.Context, u *dag.Unit) error {
	if u.LastBallUnit == "" {
		return nil // genesis or a unit not yet anchoring a ball
	}
	stable, err := v.store.IsStableOnMainChain(ctx, u.LastBallUnit)
	if err != nil {
		return dag.Wrap(dag.KindStorage, err, "checking last_ball_unit stability")
	}
	if !stable {
		stableInView, err := v.graph.IsStableInViewOf(ctx, u.Witnesses, u.LastBallUnit, u.ParentUnits)
		if err != nil {
			return dag.Wrap(dag.KindStorage, err, "checking stability-in-view-of for last_ball_unit")
		}
		if stableInView {
			return dag.Transient("last ball just advanced, try again")
		}
		return dag.New(dag.KindUnit, "last_ball_unit %s is not stable", u.LastBallUnit)
	}

	ball, err := v.store.BallForUnit(ctx, u.LastBallUnit)
	if err != nil {
		return dag.Wrap(dag.KindStorage, err, "loading ball for last_ball_unit")
	}
	if ball != u.LastBall {
		return dag.New(dag.KindUnit, "last_ball %s does not match ball of last_ball_unit %s (%s)", u.LastBall, u.LastBallUnit, ball)
	}
	return nil
}

// --- Step 6: authors ---

func (v *Validator) checkAuthors(ctx context.Context, u *dag.Unit) error {
	budget := definition.NewBudget()
	for _, a := range u.Authors {
		def := a.Definition
		if def == nil {
			stored, err := v.store.DefinitionFor(ctx, a.Address)
			if err != nil {
				return dag.Wrap(dag.KindUnit, err, "no definition on file for address %s", a.Address)
			}
			def = stored
		} else {
			chash, err := canon.Chash160(def)
			if err != nil {
				return dag.Wrap(dag.KindStructural, err, "hashing definition for %s", a.Address)
			}
			if chash != a.Address {
				return dag.New(dag.KindUnit, "definition chash %s does not match author address %s", chash, a.Address)
			}
		}

		ok, err := definition.Evaluate(ctx, v.defCtx, budget, def, a.Authentifiers, "r", 0)
		if err != nil {
			return err
		}
		if !ok {
			return dag.New(dag.KindUnit, "definition for %s did not evaluate true", a.Address)
		}
	}
	return nil
}

// --- Step 7/8: messages, payments, double-spend ---

func (v *Validator) checkMessagesAndPayments(ctx context.Context, u *dag.Unit) ([]ConflictingInput, error) {
	authorAddrs := make(map[string]bool, len(u.Authors))
	for _, a := range u.Authors {
		authorAddrs[a.Address] = true
	}

	var conflicts []ConflictingInput
	serialsSeen := make(map[string]uint64) // address -> highest serial number seen in this unit, per asset handled by caller

	for mi, m := range u.Messages {
		if m.App != dag.AppPayment {
			continue
		}

		var sumIn, sumOut uint64
		seenSrc := make(map[string]bool)

		for _, in := range m.Inputs {
			key := fmt.Sprintf("%s:%d:%d", in.SrcUnit, in.SrcMessageIndex, in.SrcOutputIndex)
			if seenSrc[key] {
				return nil, dag.New(dag.KindUnit, "message %d has a duplicate input %s", mi, key)
			}
			seenSrc[key] = true

			switch in.Type {
			case dag.InputIssue:
				sumIn += in.Amount
				continue
			case dag.InputTransfer:
			default:
				sumIn += in.Amount
				continue
			}

			owner, asset, amount, err := v.store.OutputOwner(ctx, in.SrcUnit, in.SrcMessageIndex, in.SrcOutputIndex)
			if err != nil {
				return nil, dag.Wrap(dag.KindUnit, err, "resolving input source %s", key)
			}
			if !authorAddrs[owner] {
				return nil, dag.New(dag.KindUnit, "input %s is not owned by any author of this unit", key)
			}
			if asset != in.Asset {
				return nil, dag.New(dag.KindUnit, "input %s asset mismatch", key)
			}

			spent, err := v.store.OutputIsSpent(ctx, in.SrcUnit, in.SrcMessageIndex, in.SrcOutputIndex)
			if err != nil {
				return nil, dag.Wrap(dag.KindStorage, err, "checking output spent state")
			}
			if spent {
				conflicts = append(conflicts, ConflictingInput{
					SrcUnit: in.SrcUnit, SrcMessageIndex: in.SrcMessageIndex, SrcOutputIndex: in.SrcOutputIndex,
				})
				continue // deferred to stability, not a hard rejection
			}

			if in.SerialNumber > 0 {
				if prev, ok := serialsSeen[owner]; ok && in.SerialNumber <= prev {
					return nil, dag.New(dag.KindUnit, "serial number for %s did not strictly increase", owner)
				}
				serialsSeen[owner] = in.SerialNumber
			}

			sumIn += amount
		}

		for _, out := range m.Outputs {
			sumOut += out.Amount
		}

		if sumIn != sumOut+u.HeadersCommission+u.PayloadCommission {
			return nil, dag.New(dag.KindUnit, "message %d inputs (%d) do not conserve against outputs+commissions (%d)",
				mi, sumIn, sumOut+u.HeadersCommission+u.PayloadCommission)
		}
	}
	return conflicts, nil
}

// --- Step 9: AA trigger precheck ---

func (v *Validator) checkAATriggers(ctx context.Context, u *dag.Unit) error {
	for _, m := range u.Messages {
		if m.App != dag.AppPayment {
			continue
		}
		for _, out := range m.Outputs {
			isAA, err := v.store.IsAA(ctx, out.Address)
			if err != nil {
				return dag.Wrap(dag.KindStorage, err, "checking AA address %s", out.Address)
			}
			if !isAA {
				continue
			}
			fees, err := v.store.BounceFees(ctx, out.Address)
			if err != nil {
				return dag.Wrap(dag.KindStorage, err, "loading bounce fees for %s", out.Address)
			}
			min, ok := fees[out.Asset]
			if !ok {
				min, ok = fees[dag.BaseAsset]
			}
			if !ok {
				return dag.New(dag.KindAssetNotAccepted, "asset %s not accepted by AA %s", out.Asset, out.Address)
			}
			if out.Amount < min {
				return dag.New(dag.KindAssetNotAccepted, "amount %d below bounce fee %d for asset %s at AA %s", out.Amount, min, out.Asset, out.Address)
			}
		}
	}
	return nil
}
