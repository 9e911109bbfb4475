// Copyright 2025 Certen Protocol

package network

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/dagchain/corenode/pkg/dag"
	"github.com/dagchain/corenode/pkg/storage"
	"github.com/dagchain/corenode/pkg/validator"
	"github.com/dagchain/corenode/pkg/writer"
)

// badUnitCacheCapacity bounds the ingress layer's rejected-hash memory;
// sized generously above one day of plausible spam at mainnet-scale
// joint volume without needing to be exact.
const badUnitCacheCapacity = 100_000

// RequestParents issues get_joint requests to peer for each hash in
// missing, so the ingress pipeline's missing-parents classification
// actually drives the gap closed instead of waiting passively for the
// parent to arrive unprompted.
type RequestParents func(ctx context.Context, peer string, missing []string)

// Ingress implements spec §4.10's joint classification pipeline: every
// incoming joint is known-good (already saved, drop), known-bad (drop,
// caller may disconnect the sender), missing-parents (queue and request
// the gap), or new (validate and save). Classification and validation of
// unrelated author sets proceed concurrently; pkg/keymutex serializes
// only joints that share an author.
type Ingress struct {
	repos          *storage.Repositories
	validator      *validator.Validator
	writer         *writer.Writer
	authorLk       authorLocker
	badUnits       *badUnitCache
	requestParents RequestParents
	logger         log.Logger
}

// authorLocker is the per-author-address critical section pkg/keymutex
// provides; narrowed to the one method Ingress needs so tests can supply
// a no-op.
type authorLocker interface {
	WithLock(key string, fn func() error) error
}

// SetRequestParents wires the missing-parent callback after construction,
// for the one caller (main.go) whose Dispatcher depends on the Ingress it
// is itself registered into: Ingress must exist before Dispatcher can
// close over it, so Dispatcher.RequestParents is attached here once both
// exist.
func (ig *Ingress) SetRequestParents(requestParents RequestParents) { ig.requestParents = requestParents }

func NewIngress(repos *storage.Repositories, v *validator.Validator, w *writer.Writer, authorLk authorLocker, requestParents RequestParents, logger log.Logger) *Ingress {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Ingress{
		repos:          repos,
		validator:      v,
		writer:         w,
		authorLk:       authorLk,
		badUnits:       newBadUnitCache(badUnitCacheCapacity),
		requestParents: requestParents,
		logger:         logger,
	}
}

// Outcome classifies how Handle disposed of one joint.
type Outcome int

const (
	OutcomeKnownGood Outcome = iota
	OutcomeKnownBad
	OutcomeMissingParents
	OutcomeSaved
)

// Handle runs the full classification/validation pipeline for one
// incoming joint from peer. jointJSON is the raw frame body, already
// passed DecodeFrame's MAX_MESSAGE_SIZE gate.
func (ig *Ingress) Handle(ctx context.Context, peer string, jointJSON []byte) (Outcome, error) {
	var j Joint
	if err := json.Unmarshal(jointJSON, &j); err != nil {
		return OutcomeKnownBad, fmt.Errorf("network: decode joint: %w", err)
	}
	if j.Unit == nil || j.Unit.UnitHash == "" {
		return OutcomeKnownBad, fmt.Errorf("network: joint missing unit")
	}
	return ig.handleUnit(ctx, peer, jointJSON, j.Unit)
}

func (ig *Ingress) handleUnit(ctx context.Context, peer string, jointJSON []byte, u *dag.Unit) (Outcome, error) {
	if ig.badUnits.Contains(u.UnitHash) {
		return OutcomeKnownBad, nil
	}
	if _, err := ig.repos.Units.GetByHash(ctx, u.UnitHash); err == nil {
		return OutcomeKnownGood, nil
	} else if err != storage.ErrUnitNotFound {
		return OutcomeKnownBad, fmt.Errorf("network: lookup existing unit: %w", err)
	}

	authorKey := authorSetKey(u)
	var (
		result *validator.Result
		vErr   error
	)
	lockFn := func() error {
		result, vErr = ig.validator.Validate(ctx, u)
		return nil
	}
	if ig.authorLk != nil {
		// Lock each distinct author address, outermost first in sorted
		// order, so joints sharing any one author are serialized.
		run, prev := lockFn, ""
		addrs := strings.Split(authorKey, ",")
		for i := len(addrs) - 1; i >= 0; i-- {
			addr, inner := addrs[i], run
			if i < len(addrs)-1 && addr == prev {
				continue
			}
			prev = addr
			run = func() error { return ig.authorLk.WithLock(addr, inner) }
		}
		_ = run()
	} else {
		_ = lockFn()
	}

	if vErr != nil {
		if de, ok := asDagError(vErr); ok {
			switch de.Kind {
			case dag.KindNeedParents:
				if err := ig.repos.Unhandled.Enqueue(ctx, u.UnitHash, jointJSON, peer, de.MissingParents); err != nil {
					return OutcomeMissingParents, fmt.Errorf("network: enqueue unhandled joint: %w", err)
				}
				if ig.requestParents != nil {
					ig.requestParents(ctx, peer, de.MissingParents)
				}
				return OutcomeMissingParents, nil
			case dag.KindTransient, dag.KindStorage:
				// Not this joint's fault; don't blacklist it.
				return OutcomeKnownBad, vErr
			}
		}
		ig.badUnits.Add(u.UnitHash)
		if _, err := ig.repos.Unhandled.PurgeDependents(ctx, u.UnitHash, dag.PurgeBatchSize); err != nil {
			ig.logger.Error("network: purge dependents of bad joint", "unit", u.UnitHash, "err", err)
		}
		return OutcomeKnownBad, vErr
	}

	if _, err := ig.writer.SaveJoint(ctx, result); err != nil {
		return OutcomeKnownBad, fmt.Errorf("network: save joint: %w", err)
	}

	if err := ig.replayUnblocked(ctx, peer, u.UnitHash); err != nil {
		ig.logger.Error("network: replay unblocked joints", "unit", u.UnitHash, "err", err)
	}
	return OutcomeSaved, nil
}

// replayUnblocked re-drives every unhandled joint that was waiting on
// unitHash, now that it has arrived (spec §4.10: "on successful save,
// re-queue unhandled_joints children whose parents are now complete").
func (ig *Ingress) replayUnblocked(ctx context.Context, peer string, unitHash string) error {
	ready, err := ig.repos.Unhandled.ReadyAfter(ctx, unitHash)
	if err != nil {
		return err
	}
	for _, childHash := range ready {
		childJSON, err := ig.repos.Unhandled.Pop(ctx, childHash)
		if err != nil {
			ig.logger.Error("network: pop unhandled joint", "unit", childHash, "err", err)
			continue
		}
		if childJSON == nil {
			continue
		}
		if _, err := ig.Handle(ctx, peer, childJSON); err != nil {
			ig.logger.Error("network: replay unhandled joint", "unit", childHash, "err", err)
		}
	}
	return nil
}

func authorSetKey(u *dag.Unit) string {
	addrs := make([]string, len(u.Authors))
	for i, a := range u.Authors {
		addrs[i] = a.Address
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}

func asDagError(err error) (*dag.Error, bool) {
	de, ok := err.(*dag.Error)
	return de, ok
}
