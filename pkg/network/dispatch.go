// Copyright 2025 Certen Protocol
//
// Dispatcher is the Reactor's single onFrame callback: it classifies a
// decoded Frame by kind/subject and routes it to Ingress (new joints),
// PendingRequests (responses to a tag this node is waiting on), or
// Catchup (the two bootstrap RPCs), replying over the same peer
// connection the frame arrived on. This is the one place in the package
// that routes decoded Frames to the rest of C10's components — Ingress
// and PendingRequests take raw bodies, not Frames.

package network

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/dagchain/corenode/pkg/storage"
)

// Dispatcher wires Reactor's decoded frames to Ingress, PendingRequests
// and Catchup.
type Dispatcher struct {
	repos   *storage.Repositories
	ingress *Ingress
	pending *PendingRequests
	catchup *Catchup
	logger  log.Logger
}

func NewDispatcher(repos *storage.Repositories, ingress *Ingress, pending *PendingRequests, catchup *Catchup, logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Dispatcher{repos: repos, ingress: ingress, pending: pending, catchup: catchup, logger: logger}
}

// getJointParams is the request body of a get_joint request: the unit
// hash the peer wants this node to send back as a "joint" response.
type getJointParams struct {
	UnitHash string `json:"unit_hash"`
}

// catchupParams is the request body of a catchup request: the exclusive
// lower and inclusive upper main-chain index bounds to return balls for.
type catchupParams struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// getWitnessesParams is the request body of a get_witnesses request.
type getWitnessesParams struct {
	LastStableMCI uint64   `json:"last_stable_mci"`
	Witnesses     []string `json:"witnesses"`
}

// OnFrame is installed as the Reactor's onFrame callback and runs on the
// reactor's receive path: Ingress/Catchup work runs synchronously here,
// same as the teacher's ABCI handlers run synchronously on the consensus
// goroutine, so the receive loop waits until each frame is handled.
func (d *Dispatcher) OnFrame(peer PeerSender, f Frame) {
	ctx := context.Background()
	peerID := string(peer.ID())

	switch f.Kind {
	case FrameResponse:
		d.pending.Deliver(f.Tag, f.Body)

	case FrameJustsaying:
		d.handleJustsaying(ctx, peer, peerID, f)

	case FrameRequest:
		d.handleRequest(ctx, peer, peerID, f)
	}
}

func (d *Dispatcher) handleJustsaying(ctx context.Context, peer PeerSender, peerID string, f Frame) {
	switch f.Subject {
	case SubjectVersion:
		var v VersionBody
		if err := json.Unmarshal(f.Body, &v); err != nil {
			d.logger.Error("network: decode version body", "peer", peerID, "err", err)
			return
		}
		if err := v.Validate(); err != nil {
			d.logger.Error("network: reject version body", "peer", peerID, "err", err)
		}

	case SubjectJoint:
		if _, err := d.ingress.Handle(ctx, peerID, f.Body); err != nil {
			d.logger.Error("network: handle joint", "peer", peerID, "err", err)
		}
	}
}

func (d *Dispatcher) handleRequest(ctx context.Context, peer PeerSender, peerID string, f Frame) {
	switch f.Subject {
	case SubjectGetJoint:
		var p getJointParams
		if err := json.Unmarshal(f.Body, &p); err != nil {
			d.replyError(peer, f.Tag, err)
			return
		}
		u, err := d.repos.Units.GetByHash(ctx, p.UnitHash)
		if err != nil {
			d.replyError(peer, f.Tag, err)
			return
		}
		d.reply(peer, SubjectJoint, f.Tag, Joint{Unit: u})

	case SubjectCatchup:
		var p catchupParams
		if err := json.Unmarshal(f.Body, &p); err != nil {
			d.replyError(peer, f.Tag, err)
			return
		}
		balls, err := d.catchup.PrepareCatchupChain(ctx, p.From, p.To, func(unit string, err error) {
			d.logger.Error("network: catchup chain inconsistency", "unit", unit, "err", err)
		})
		if err != nil {
			d.replyError(peer, f.Tag, err)
			return
		}
		d.reply(peer, SubjectCatchup, f.Tag, struct {
			Balls []Ball `json:"balls"`
		}{Balls: balls})

	case SubjectGetWitnesses:
		var p getWitnessesParams
		if err := json.Unmarshal(f.Body, &p); err != nil {
			d.replyError(peer, f.Tag, err)
			return
		}
		proof, err := d.catchup.PrepareWitnessProof(ctx, p.LastStableMCI, p.Witnesses)
		if err != nil {
			d.replyError(peer, f.Tag, err)
			return
		}
		d.reply(peer, SubjectGetWitnesses, f.Tag, proof)
	}
}

func (d *Dispatcher) reply(peer PeerSender, subject, tag string, v interface{}) {
	if err := SendFrame(peer, Frame{Kind: FrameResponse, Subject: subject, Tag: tag, Body: encodeBody(v)}); err != nil {
		d.logger.Error("network: send response", "subject", subject, "err", err)
	}
}

// RequestParents implements the RequestParents callback Ingress uses to
// close a missing-parent gap: it issues a get_joint request for each
// missing hash, and on response hands the returned joint straight back
// to Ingress.Handle — replayUnblocked then drains whatever that unblocks.
func (d *Dispatcher) RequestParents(ctx context.Context, peer string, missing []string) {
	for _, hash := range missing {
		_, _ = d.pending.Send(peer, SubjectGetJoint, getJointParams{UnitHash: hash}, true, func(body []byte, err error) {
			if err != nil || body == nil {
				return
			}
			var j Joint
			if json.Unmarshal(body, &j) != nil || j.Unit == nil {
				return
			}
			if _, handleErr := d.ingress.Handle(context.Background(), peer, body); handleErr != nil {
				d.logger.Error("network: handle requested joint", "peer", peer, "unit_hash", hash, "err", handleErr)
			}
		})
	}
}

func (d *Dispatcher) replyError(peer PeerSender, tag string, err error) {
	d.logger.Error("network: request failed", "tag", tag, "err", err)
	body := encodeBody(struct {
		Error string `json:"error"`
	}{Error: fmt.Sprintf("%v", err)})
	if sendErr := SendFrame(peer, Frame{Kind: FrameResponse, Subject: SubjectError, Tag: tag, Body: body}); sendErr != nil {
		d.logger.Error("network: send error response", "err", sendErr)
	}
}
