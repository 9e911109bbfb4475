// Copyright 2025 Certen Protocol
//
// Package composer implements the AA trigger dispatcher of spec §4.9
// (C9): for each queued aa_triggers row, it loads the Autonomous Agent's
// definition, resolves base_aa/param templates, evaluates init then
// messages through pkg/formula, and turns the result into either a
// bounce refund or a response unit carrying the script's staged payments
// and state changes. Response units carry no author signature — their
// validity comes from every node deterministically replaying the same
// formula against the same stable state, not from a cryptographic
// authorization check — so they are handed directly to pkg/writer's
// save_joint pipeline rather than through pkg/validator.
package composer

import (
	"context"
	"fmt"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/dagchain/corenode/pkg/dag"
	"github.com/dagchain/corenode/pkg/formula"
	"github.com/dagchain/corenode/pkg/kvstore"
	"github.com/dagchain/corenode/pkg/mainchain"
	"github.com/dagchain/corenode/pkg/storage"
	"github.com/dagchain/corenode/pkg/writer"
)

// Composer dispatches queued AA triggers. It implements writer.Composer,
// so pkg/writer calls HandleTriggers once per save_joint that stabilizes
// new trigger-bearing units, outside the write lock and outside the
// transaction that produced them (spec §4.7).
type Composer struct {
	client *storage.Client
	repos  *storage.Repositories
	state  *kvstore.StateStore
	writer *writer.Writer
	logger log.Logger
}

var _ writer.Composer = (*Composer)(nil)

func New(client *storage.Client, repos *storage.Repositories, state *kvstore.StateStore, w *writer.Writer, logger log.Logger) *Composer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Composer{client: client, repos: repos, state: state, writer: w, logger: logger}
}

type nestingDepthKey struct{}

func nestingDepth(ctx context.Context) int {
	d, _ := ctx.Value(nestingDepthKey{}).(int)
	return d
}

func withNestingDepth(ctx context.Context, d int) context.Context {
	return context.WithValue(ctx, nestingDepthKey{}, d)
}

// HandleTriggers is woken by pkg/writer whenever stabilization enqueues
// new aa_triggers rows. The triggers argument is only a wake-up signal —
// the authoritative queue is aa_triggers itself, read fresh and processed
// in (mci, unit, address) order so every node that wakes (whether from
// this batch or a later one) replays the same sequence.
//
// ctx's nesting depth is one level deeper than whatever depth the caller
// was already at: a top-level call (no depth in ctx yet) processes its
// triggers at depth 1; a call reached via saveUnit -> writer.SaveJoint ->
// this same Composer while already handling a depth-D trigger processes
// its triggers at depth D+1. This is how MAX_AA_NESTING is enforced
// across the context boundary HandleTriggers's signature otherwise loses.
func (c *Composer) HandleTriggers(ctx context.Context, triggers []mainchain.AAPaidOutput) {
	if len(triggers) == 0 {
		return
	}
	depth := nestingDepth(ctx) + 1
	pending, err := c.repos.AA.PendingTriggers(ctx)
	if err != nil {
		c.logger.Error("composer: load pending triggers", "err", err)
		return
	}
	for _, t := range pending {
		if err := c.processTrigger(withNestingDepth(ctx, depth), t); err != nil {
			c.logger.Error("composer: process trigger", "unit", t.Unit, "address", t.Address, "err", err)
		}
	}
}

// processTrigger executes one AA against its trigger and dequeues it
// atomically with recording the outcome. A bounce or a nesting-depth
// refusal still dequeues the trigger: a trigger is handled exactly once,
// whether or not the AA produced a response.
func (c *Composer) processTrigger(ctx context.Context, t storage.Trigger) error {
	triggerUnit, err := c.repos.Units.GetByHash(ctx, t.Unit)
	if err != nil {
		return fmt.Errorf("composer: load trigger unit: %w", err)
	}

	depth := nestingDepth(ctx)
	if depth > dag.MaxAANesting {
		return c.finish(ctx, t, triggerUnit, true, "MAX_AA_NESTING exceeded", nil)
	}

	def, err := c.repos.AA.GetDefinition(ctx, t.Address)
	if err != nil {
		return fmt.Errorf("composer: load definition: %w", err)
	}
	initStmts, msgStmts, err := ResolveTemplate(ctx, c.repos.AA, def)
	if err != nil {
		return fmt.Errorf("composer: resolve template: %w", err)
	}

	outputs, err := c.repos.Outputs.OutputsTo(ctx, t.Unit, t.Address)
	if err != nil {
		return fmt.Errorf("composer: load trigger outputs: %w", err)
	}

	trig := formula.Trigger{
		Address:        t.Address,
		InitialAddress: t.Address,
		Unit:           t.Unit,
		InitialUnit:    t.Unit,
		Outputs:        outputs,
		Data:           triggerData(triggerUnit),
		Timestamp:      triggerUnit.Timestamp,
	}

	env := formula.NewEnv(trig, newDataSource(c.repos), newStateStore(c.state), t.Address)
	budget := formula.NewBudget()

	out, err := formula.ExecStatements(ctx, env, budget, initStmts)
	if err == nil && !out.Bounced && !out.Returned {
		out, err = formula.ExecStatements(ctx, env, budget, msgStmts)
	}
	if err != nil {
		// A FormulaFatal mid-execution bounces exactly like an explicit
		// `bounce` statement — the script's own error is the reason.
		return c.finish(ctx, t, triggerUnit, true, err.Error(), nil)
	}

	if out.Bounced {
		return c.finish(ctx, t, triggerUnit, true, out.BounceReason, nil)
	}

	var response interface{}
	if out.Returned {
		response = out.ReturnValue.Obj
		if out.ReturnValue.Kind != formula.KindObject {
			response = out.ReturnValue.AsString()
		}
	}
	return c.finish(ctx, t, triggerUnit, false, "", &execution{
		env:      env,
		response: response,
	})
}

// execution bundles a successfully run script's side effects — the
// accumulated state changes and staged payments — for finish to turn
// into a response unit.
type execution struct {
	env      *formula.Env
	response interface{}
}

// triggerData returns the payload of the first 'data' message in u, or
// nil if the trigger carried none.
func triggerData(u *dag.Unit) interface{} {
	for _, m := range u.Messages {
		if m.App == dag.AppData {
			return m.Payload
		}
	}
	return nil
}
