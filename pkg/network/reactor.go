// Copyright 2025 Certen Protocol
//
// Reactor adapts this package's Frame/Joint protocol onto
// github.com/cometbft/cometbft/p2p's Switch/Reactor/Peer transport —
// reused here purely as a gossip substrate (peer discovery, session
// framing, per-channel flow control); its BFT consensus reactor is never
// wired in. Two channels are registered: one for justsaying traffic
// (new joint, version) and one for tagged request/response traffic. Each
// channel carries this package's own length-delimited JSON frames as
// opaque bytes over the legacy byte-slice Peer.Send/Reactor.Receive
// path rather than cometbft's protobuf envelope path, so this file is
// the only place in the package that depends on cometbft's exact
// wire-adapter shape — everything it calls into (Ingress, PendingRequests,
// Catchup) is plain Go, untouched by that dependency.
package network

import (
	"fmt"

	"github.com/cometbft/cometbft/libs/log"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/p2p/conn"

	"github.com/dagchain/corenode/pkg/dag"
)

const (
	// ChannelJustsaying carries one-way joint/version announcements.
	ChannelJustsaying = byte(0x30)
	// ChannelRequestResponse carries tagged catchup/get_joint traffic.
	ChannelRequestResponse = byte(0x31)
)

const (
	justsayingSendQueueCapacity = 100
	requestSendQueueCapacity    = 100
	recvBufferCapacity          = dag.MaxMessageSize
)

// PeerSender abstracts the one cometbft Peer method the Reactor needs
// to send a frame, so frame construction and dispatch can be unit
// tested without a live Switch.
type PeerSender interface {
	ID() p2p.ID
	Send(chID byte, msgBytes []byte) bool
}

// Reactor is the Switch-facing adapter. It decodes each incoming message
// into a Frame and hands it to the onFrame callback, which classifies it
// and routes it to Ingress, PendingRequests and Catchup; beyond that this
// type only handles channel registration and peer lifecycle bookkeeping.
type Reactor struct {
	p2p.BaseReactor

	pending *PendingRequests
	onFrame func(peer PeerSender, f Frame)
	peers   map[p2p.ID]PeerSender
}

// NewReactor constructs the reactor; onFrame is invoked for every
// decoded frame from any connected peer, after the MAX_MESSAGE_SIZE gate
// and JSON decode in DecodeFrame have already passed. pending may be nil
// for a reactor that only ever receives justsaying traffic.
func NewReactor(pending *PendingRequests, onFrame func(peer PeerSender, f Frame)) *Reactor {
	r := &Reactor{pending: pending, onFrame: onFrame, peers: make(map[p2p.ID]PeerSender)}
	r.BaseReactor = *p2p.NewBaseReactor("DagNetworkReactor", r)
	return r
}

// SetLogger propagates the node's logger to the embedded BaseReactor.
func (r *Reactor) SetLogger(l log.Logger) {
	r.BaseReactor.SetLogger(l)
}

// SetPending and SetOnFrame complete construction for the one caller
// (main.go) whose PendingRequests and Dispatcher both depend on this
// Reactor (for resend/choose and for peer lookups) while this Reactor
// depends on them in turn (for disconnect resolution and frame
// dispatch): the Reactor is built first with both nil, then each
// dependency is built against it, then wired back in here.
func (r *Reactor) SetPending(pending *PendingRequests) { r.pending = pending }
func (r *Reactor) SetOnFrame(onFrame func(peer PeerSender, f Frame)) { r.onFrame = onFrame }

// GetChannels declares the two channels this reactor owns. MessageType
// is left nil: frames travel as opaque length-delimited bytes through
// Receive(chID, peer, msgBytes), not through cometbft's protobuf
// envelope path, so this reactor carries no protobuf schema of its own.
func (r *Reactor) GetChannels() []*conn.ChannelDescriptor {
	return []*conn.ChannelDescriptor{
		{
			ID:                  ChannelJustsaying,
			Priority:            5,
			SendQueueCapacity:   justsayingSendQueueCapacity,
			RecvMessageCapacity: recvBufferCapacity,
		},
		{
			ID:                  ChannelRequestResponse,
			Priority:            10,
			SendQueueCapacity:   requestSendQueueCapacity,
			RecvMessageCapacity: recvBufferCapacity,
		},
	}
}

// AddPeer registers peer for outbound Send calls (reroute target
// selection, request dispatch).
func (r *Reactor) AddPeer(peer p2p.Peer) {
	r.peers[peer.ID()] = peer
}

// RemovePeer unregisters peer and resolves its outstanding pending
// requests (spec §4.10: reroute on disconnect).
func (r *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	delete(r.peers, peer.ID())
	if r.pending != nil {
		r.pending.DisconnectPeer(string(peer.ID()))
	}
}

// Receive decodes one frame off chID and hands it to onFrame. Decode
// failures and oversized frames are logged and dropped rather than
// panicking the reactor goroutine, per spec §7's "never raise across an
// async boundary" rule.
func (r *Reactor) Receive(chID byte, peer p2p.Peer, msgBytes []byte) {
	f, err := DecodeFrame(msgBytes)
	if err != nil {
		r.Logger.Error("network: decode frame", "peer", peer.ID(), "channel", chID, "err", err)
		return
	}
	sender, ok := r.peers[peer.ID()]
	if !ok {
		sender = peer
		r.peers[peer.ID()] = peer
	}
	if r.onFrame != nil {
		r.onFrame(sender, f)
	}
}

// Peer looks up a connected peer by ID, for PendingRequests' resend
// callback to resolve a peer string back into something SendFrame can
// write to.
func (r *Reactor) Peer(id string) (PeerSender, bool) {
	sender, ok := r.peers[p2p.ID(id)]
	return sender, ok
}

// Peers returns every currently connected peer ID, for reroute target
// selection (choose, passed to NewPendingRequests) and for broadcasting
// a newly saved joint.
func (r *Reactor) Peers() []string {
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, string(id))
	}
	return ids
}

// Resend implements the resend callback NewPendingRequests needs: encode
// cmd/params/tag as a request Frame and send it to peer over the
// request/response channel.
func (r *Reactor) Resend(peer, cmd string, params interface{}, tag string) error {
	sender, ok := r.Peer(peer)
	if !ok {
		return fmt.Errorf("network: peer %s not connected", peer)
	}
	return SendFrame(sender, Frame{Kind: FrameRequest, Subject: cmd, Tag: tag, Body: encodeBody(params)})
}

// Choose implements the reroute peer-selection callback NewPendingRequests
// needs: any connected peer other than exclude.
func (r *Reactor) Choose(exclude string) (string, bool) {
	for id := range r.peers {
		if string(id) != exclude {
			return string(id), true
		}
	}
	return "", false
}

// SendFrame encodes f and sends it to peer on the channel appropriate
// for its kind.
func SendFrame(peer PeerSender, f Frame) error {
	raw, err := EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("network: send frame: %w", err)
	}
	chID := ChannelJustsaying
	if f.Kind == FrameRequest || f.Kind == FrameResponse {
		chID = ChannelRequestResponse
	}
	if !peer.Send(chID, raw) {
		return fmt.Errorf("network: send frame to peer %s: queue full or peer stopped", peer.ID())
	}
	return nil
}
