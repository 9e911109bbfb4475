// Copyright 2025 Certen Protocol

package network

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dagchain/corenode/pkg/dag"
)

// ResponseHandler is invoked with the response body (or err, on timeout
// or disconnect) for a single send_request call. Every request starts
// with the handler passed to Send; AddHandler can attach more, up to
// MaxPendingHandlers, and a rerouted request keeps its handlers across
// attempts.
type ResponseHandler func(body []byte, err error)

// pendingRequest tracks the handlers waiting on one request tag.
type pendingRequest struct {
	cmd        string
	params     interface{}
	reroutable bool
	peer       string
	sentAt     time.Time
	handlers   []ResponseHandler
}

// PendingRequests multiplexes outstanding send_request calls by tag,
// capping each tag's handler fan-in at MaxPendingHandlers and rerouting
// reroutable requests to a different peer on timeout or disconnect
// (spec §4.10: "send_request(peer, command, params, reroutable,
// handler)"; ResponseTimeout governs when a request is considered
// stuck).
type PendingRequests struct {
	mu       sync.Mutex
	byTag    map[string]*pendingRequest
	resend   func(peer, cmd string, params interface{}, tag string) error
	choose   func(exclude string) (peer string, ok bool)
	logDrops func(tag string)
}

// NewPendingRequests wires resend (the transport's actual send) and
// choose (peer selection excluding a given peer, for reroute) into a
// fresh tracker.
func NewPendingRequests(resend func(peer, cmd string, params interface{}, tag string) error, choose func(exclude string) (string, bool)) *PendingRequests {
	return &PendingRequests{
		byTag:  make(map[string]*pendingRequest),
		resend: resend,
		choose: choose,
	}
}

// Send registers handler against a fresh tag and dispatches cmd/params to
// peer. It returns the tag so a caller can correlate out-of-band logging;
// most callers can ignore it since Deliver/Timeout resolve by tag
// internally.
func (p *PendingRequests) Send(peer, cmd string, params interface{}, reroutable bool, handler ResponseHandler) (string, error) {
	tag := uuid.NewString()
	p.mu.Lock()
	p.byTag[tag] = &pendingRequest{
		cmd:        cmd,
		params:     params,
		reroutable: reroutable,
		peer:       peer,
		sentAt:     now(),
		handlers:   []ResponseHandler{handler},
	}
	p.mu.Unlock()

	if err := p.resend(peer, cmd, params, tag); err != nil {
		p.mu.Lock()
		delete(p.byTag, tag)
		p.mu.Unlock()
		return "", err
	}
	return tag, nil
}

// AddHandler attaches an additional handler to an already-outstanding
// tag, up to MaxPendingHandlers; beyond the cap the extra handler is
// silently dropped rather than failing the request (spec §4.10: "at
// most H handlers per tag; exceeding drops the extra handler, not
// fatal").
func (p *PendingRequests) AddHandler(tag string, handler ResponseHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.byTag[tag]
	if !ok {
		return
	}
	if len(pr.handlers) >= dag.MaxPendingHandlers {
		if p.logDrops != nil {
			p.logDrops(tag)
		}
		return
	}
	pr.handlers = append(pr.handlers, handler)
}

// Deliver resolves tag with body, invoking and clearing every registered
// handler. A response for an unknown (already-resolved or never-issued)
// tag is ignored.
func (p *PendingRequests) Deliver(tag string, body []byte) {
	p.mu.Lock()
	pr, ok := p.byTag[tag]
	if ok {
		delete(p.byTag, tag)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	for _, h := range pr.handlers {
		h(body, nil)
	}
}

// DisconnectPeer resolves every outstanding request sent to peer as
// failed, rerouting reroutable ones to another peer and invoking the
// handlers of non-reroutable ones with an error.
func (p *PendingRequests) DisconnectPeer(peer string) {
	p.mu.Lock()
	var affected []string
	for tag, pr := range p.byTag {
		if pr.peer == peer {
			affected = append(affected, tag)
		}
	}
	p.mu.Unlock()
	for _, tag := range affected {
		p.resolveStuck(tag)
	}
}

// SweepTimeouts resolves every request that has been outstanding longer
// than ResponseTimeout (reroutable: retry against another peer;
// otherwise: fail the handlers). Callers run this on a periodic tick.
func (p *PendingRequests) SweepTimeouts() {
	cutoff := now().Add(-dag.ResponseTimeout)
	p.mu.Lock()
	var stuck []string
	for tag, pr := range p.byTag {
		if pr.sentAt.Before(cutoff) {
			stuck = append(stuck, tag)
		}
	}
	p.mu.Unlock()
	for _, tag := range stuck {
		p.resolveStuck(tag)
	}
}

func (p *PendingRequests) resolveStuck(tag string) {
	p.mu.Lock()
	pr, ok := p.byTag[tag]
	if !ok {
		p.mu.Unlock()
		return
	}
	if !pr.reroutable {
		delete(p.byTag, tag)
		p.mu.Unlock()
		for _, h := range pr.handlers {
			h(nil, errTimedOut)
		}
		return
	}

	next, hasNext := p.choose(pr.peer)
	if !hasNext {
		delete(p.byTag, tag)
		p.mu.Unlock()
		for _, h := range pr.handlers {
			h(nil, errNoPeers)
		}
		return
	}
	pr.peer = next
	pr.sentAt = now()
	p.mu.Unlock()

	if err := p.resend(next, pr.cmd, pr.params, tag); err != nil {
		p.mu.Lock()
		delete(p.byTag, tag)
		p.mu.Unlock()
		for _, h := range pr.handlers {
			h(nil, err)
		}
	}
}

// Outstanding reports the number of in-flight tags, for diagnostics.
func (p *PendingRequests) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byTag)
}

var nowFunc = time.Now

func now() time.Time { return nowFunc() }
