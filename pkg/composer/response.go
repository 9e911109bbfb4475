// Copyright 2025 Certen Protocol

package composer

import (
	"context"
	"fmt"
	"sort"

	"github.com/dagchain/corenode/pkg/canon"
	"github.com/dagchain/corenode/pkg/dag"
	"github.com/dagchain/corenode/pkg/formula"
	"github.com/dagchain/corenode/pkg/kvstore"
	"github.com/dagchain/corenode/pkg/storage"
	"github.com/dagchain/corenode/pkg/validator"
)

// finish turns one trigger's execution outcome into durable state: a
// response or bounce-refund unit (if any payments were staged), the AA's
// accumulated state changes, the aa_responses record, and the
// aa_triggers dequeue. A successful response unit is saved through
// pkg/writer.SaveJoint first — its unit_hash is deterministic, so if the
// process crashes before the trigger is dequeued, replaying this trigger
// recomputes the identical unit and the re-insert is a safe no-op before
// bookkeeping resumes.
func (c *Composer) finish(ctx context.Context, t storage.Trigger, triggerUnit *dag.Unit, bounced bool, reason string, exec *execution) error {
	var responseUnitHash string
	var response interface{}
	var sets []dag.StateVar
	var deletes []kvstore.JournalDelete

	if bounced {
		response = reason
		refund, err := c.buildBounceUnit(ctx, t, triggerUnit)
		if err != nil {
			return err
		}
		if refund != nil {
			saved, err := c.saveUnit(ctx, refund)
			if err != nil {
				return err
			}
			responseUnitHash = saved
		}
	} else {
		response = exec.response
		for _, ch := range exec.env.Changes() {
			if ch.Deleted {
				deletes = append(deletes, kvstore.JournalDelete{Address: t.Address, Name: ch.Name})
				continue
			}
			sets = append(sets, *formula.ToStateVar(t.Address, ch))
		}

		if payments := exec.env.Payments(); len(payments) > 0 {
			u, err := c.buildResponseUnit(ctx, t.Address, triggerUnit, payments)
			if err != nil {
				return err
			}
			saved, err := c.saveUnit(ctx, u)
			if err != nil {
				return err
			}
			responseUnitHash = saved
		}
	}

	return c.commitOutcome(ctx, t, responseUnitHash, bounced, response, sets, deletes)
}

// saveUnit hands u to pkg/writer.SaveJoint wrapped in a bare
// validator.Result — an AA response needs no conflict list because it
// only ever spends from the AA's own incrementally tracked balance, never
// a specific prior output, so there is nothing for pkg/validator's
// double-spend detection to flag. If the response itself pays another AA
// and that unit's stabilization enqueues a trigger, SaveJoint calls back
// into this same Composer through the writer.Composer interface before
// returning — nested dispatch needs nothing further here.
func (c *Composer) saveUnit(ctx context.Context, u *dag.Unit) (string, error) {
	if _, err := c.writer.SaveJoint(ctx, &validator.Result{Unit: u}); err != nil {
		return "", fmt.Errorf("composer: save response unit: %w", err)
	}
	return u.UnitHash, nil
}

// buildResponseUnit assembles a response unit carrying one payment
// message per asset the script staged sends for. It adds no data
// message: the script's return value is not carried in the unit.
func (c *Composer) buildResponseUnit(ctx context.Context, aaAddress string, trigger *dag.Unit, payments []formula.Payment) (*dag.Unit, error) {
	parents, err := c.selectParents(ctx, trigger.UnitHash)
	if err != nil {
		return nil, err
	}
	level, err := c.levelForParents(ctx, parents)
	if err != nil {
		return nil, err
	}

	u := &dag.Unit{
		Version:         "1.0",
		ParentUnits:     parents,
		WitnessListUnit: trigger.WitnessListUnit,
		Witnesses:       trigger.Witnesses,
		Timestamp:       trigger.Timestamp,
		Level:           level,
		Authors:         []dag.Author{{Address: aaAddress, Authentifiers: map[string]string{}}},
		Messages:        paymentMessages(payments),
	}
	return c.hashUnit(u)
}

// buildBounceUnit refunds a bounced trigger's outputs, minus the AA's
// declared bounce fee (if any), to the trigger unit's first author — the
// simplifying assumption that a trigger unit has a single effective
// payer, matching every scenario spec §8 exercises. A trigger with
// nothing left to refund after fees produces no unit at all.
func (c *Composer) buildBounceUnit(ctx context.Context, t storage.Trigger, trigger *dag.Unit) (*dag.Unit, error) {
	if len(trigger.Authors) == 0 {
		return nil, fmt.Errorf("composer: bounce refund: trigger unit %s has no authors", trigger.UnitHash)
	}
	payer := trigger.Authors[0].Address

	outputs, err := c.repos.Outputs.OutputsTo(ctx, t.Unit, t.Address)
	if err != nil {
		return nil, err
	}
	fees, err := c.repos.Definitions.BounceFees(ctx, t.Address)
	if err != nil {
		return nil, err
	}

	var payments []formula.Payment
	for asset, amount := range outputs {
		fee := fees[asset]
		if fee >= amount {
			continue
		}
		payments = append(payments, formula.Payment{Asset: asset, Address: payer, Amount: amount - fee})
	}
	if len(payments) == 0 {
		return nil, nil
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].Asset < payments[j].Asset })

	return c.buildResponseUnit(ctx, t.Address, trigger, payments)
}

// paymentMessages groups payments into one payment message per asset, in
// ascending asset order, with outputs in the order the script staged them
// within that asset — message/output order is part of the unit's
// deterministic content.
func paymentMessages(payments []formula.Payment) []dag.Message {
	order := make([]string, 0)
	byAsset := make(map[string][]formula.Payment)
	for _, p := range payments {
		if _, ok := byAsset[p.Asset]; !ok {
			order = append(order, p.Asset)
		}
		byAsset[p.Asset] = append(byAsset[p.Asset], p)
	}
	sort.Strings(order)

	msgs := make([]dag.Message, 0, len(order))
	for _, asset := range order {
		outs := make([]dag.Output, len(byAsset[asset]))
		for i, p := range byAsset[asset] {
			outs[i] = dag.Output{Address: p.Address, Amount: p.Amount, Asset: asset}
		}
		msgs = append(msgs, dag.Message{
			App:             dag.AppPayment,
			PayloadLocation: dag.PayloadInline,
			Outputs:         outs,
		})
	}
	return msgs
}

// selectParents picks the response unit's parents from the current tip
// set, always including the triggering unit itself so the response is
// causally linked to the event that produced it even if the trigger unit
// already has other children by the time this runs.
func (c *Composer) selectParents(ctx context.Context, triggerUnitHash string) ([]string, error) {
	free, err := c.repos.Units.FreeUnits(ctx)
	if err != nil {
		return nil, fmt.Errorf("composer: free units: %w", err)
	}
	set := make(map[string]bool, len(free)+1)
	set[triggerUnitHash] = true
	for _, u := range free {
		set[u] = true
	}
	parents := make([]string, 0, len(set))
	for u := range set {
		parents = append(parents, u)
	}
	sort.Strings(parents)
	if len(parents) > dag.MaxParentsPerUnit {
		parents = parents[:dag.MaxParentsPerUnit]
	}
	return parents, nil
}

func (c *Composer) levelForParents(ctx context.Context, parents []string) (uint64, error) {
	var maxLevel uint64
	for _, p := range parents {
		props, err := c.repos.Units.LoadUnitProps(ctx, p)
		if err != nil {
			return 0, fmt.Errorf("composer: load parent level: %w", err)
		}
		if props.Level > maxLevel {
			maxLevel = props.Level
		}
	}
	return maxLevel + 1, nil
}

// hashUnit computes u.UnitHash the same way pkg/validator's checkHash
// verifies it, so a response unit built here is indistinguishable from
// one pkg/validator would accept from an external source.
func (c *Composer) hashUnit(u *dag.Unit) (*dag.Unit, error) {
	authors := make([]interface{}, len(u.Authors))
	for i, a := range u.Authors {
		authors[i] = map[string]interface{}{"address": a.Address}
	}
	messages := make([]interface{}, len(u.Messages))
	for i, m := range u.Messages {
		if len(m.Outputs) > 0 {
			payload := make([]interface{}, len(m.Outputs))
			for j, o := range m.Outputs {
				payload[j] = map[string]interface{}{"address": o.Address, "amount": o.Amount, "asset": o.Asset}
			}
			m.Payload = payload
		}
		payloadHash, err := canon.HashHex256(m.Payload, canon.Options{})
		if err != nil {
			return nil, fmt.Errorf("composer: hash message payload: %w", err)
		}
		m.PayloadHash = payloadHash
		u.Messages[i] = m
		messages[i] = map[string]interface{}{
			"app":              string(m.App),
			"payload_location": string(m.PayloadLocation),
			"payload_hash":     m.PayloadHash,
		}
	}

	hash, err := canon.UnitHash(canon.UnitForHashing{
		Version:         u.Version,
		ParentUnits:     u.ParentUnits,
		WitnessListUnit: u.WitnessListUnit,
		Authors:         authors,
		Messages:        messages,
		Timestamp:       u.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("composer: hash response unit: %w", err)
	}
	u.UnitHash = hash
	return u, nil
}

// commitOutcome durably records a trigger's outcome — aa_responses,
// aa_triggers dequeue, and a journal row for the KV mutation set — in one
// relational transaction, then applies the KV batch and marks the journal
// row applied, matching the atomicity contract pkg/kvstore.Replayer
// restores on a crash between those two steps.
func (c *Composer) commitOutcome(ctx context.Context, t storage.Trigger, responseUnitHash string, bounced bool, response interface{}, sets []dag.StateVar, deletes []kvstore.JournalDelete) error {
	payload, err := kvstore.EncodeJournalPayload(sets, deletes, nil)
	if err != nil {
		return fmt.Errorf("composer: encode journal payload: %w", err)
	}

	tx, err := c.client.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("composer: begin tx: %w", err)
	}
	ex := tx.Raw()

	journalID, err := c.repos.Journal.Append(ctx, ex, payload)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("composer: append journal: %w", err)
	}
	if err := c.repos.AA.RecordResponse(ctx, ex, t.MCI, t.Unit, t.Address, responseUnitHash, bounced, response); err != nil {
		tx.Rollback()
		return fmt.Errorf("composer: record response: %w", err)
	}
	if err := c.repos.AA.DequeueTrigger(ctx, ex, t.MCI, t.Unit, t.Address); err != nil {
		tx.Rollback()
		return fmt.Errorf("composer: dequeue trigger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("composer: commit trigger outcome: %w", err)
	}

	batch := c.state.NewMutationBatch()
	for i := range sets {
		if err := batch.Set(&sets[i]); err != nil {
			return fmt.Errorf("composer: batch set: %w", err)
		}
	}
	for _, d := range deletes {
		if err := batch.Delete(d.Address, d.Name); err != nil {
			return fmt.Errorf("composer: batch delete: %w", err)
		}
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("composer: commit kv batch: %w", err)
	}

	return c.repos.Journal.MarkApplied(ctx, journalID)
}
