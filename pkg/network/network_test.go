// Copyright 2025 Certen Protocol
package network

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dagchain/corenode/pkg/dag"
)

func TestDecodeFrameRejectsOversizePayload(t *testing.T) {
	oversized := make([]byte, dag.MaxMessageSize+1)
	if _, err := DecodeFrame(oversized); err == nil {
		t.Fatal("DecodeFrame: expected error for payload exceeding MAX_MESSAGE_SIZE")
	}
}

func TestEncodeDecodeFrameRoundTrips(t *testing.T) {
	body, _ := json.Marshal(VersionBody{Program: "corenode", ProgramVersion: "1.0"})
	f := Frame{Kind: FrameJustsaying, Subject: SubjectVersion, Body: body}

	raw, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	got, err := DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if got.Kind != FrameJustsaying || got.Subject != SubjectVersion {
		t.Fatalf("DecodeFrame: round trip mismatch: %#v", got)
	}
	var v VersionBody
	if err := json.Unmarshal(got.Body, &v); err != nil || v.Program != "corenode" {
		t.Fatalf("DecodeFrame: body round trip mismatch: %#v, err=%v", v, err)
	}
}

func TestVersionBodyValidateRejectsOversizeFields(t *testing.T) {
	v := VersionBody{Program: strings.Repeat("x", maxVersionFieldLength+1), ProgramVersion: "1.0"}
	if err := v.Validate(); err == nil {
		t.Fatal("VersionBody.Validate: expected error for oversize program field")
	}
}

func TestBadUnitCacheEvictsOldestBeyondCapacity(t *testing.T) {
	c := newBadUnitCache(2)
	c.Add("a")
	c.Add("b")
	c.Add("c") // evicts "a"

	if c.Contains("a") {
		t.Fatal("badUnitCache: expected \"a\" evicted")
	}
	if !c.Contains("b") || !c.Contains("c") {
		t.Fatal("badUnitCache: expected \"b\" and \"c\" retained")
	}
}

func TestAuthorSetKeyIsOrderIndependent(t *testing.T) {
	u1 := &dag.Unit{Authors: []dag.Author{{Address: "B"}, {Address: "A"}}}
	u2 := &dag.Unit{Authors: []dag.Author{{Address: "A"}, {Address: "B"}}}
	if authorSetKey(u1) != authorSetKey(u2) {
		t.Fatalf("authorSetKey: expected order-independent key, got %q vs %q", authorSetKey(u1), authorSetKey(u2))
	}
}

func TestPendingRequestsAddHandlerDropsBeyondCap(t *testing.T) {
	p := NewPendingRequests(
		func(peer, cmd string, params interface{}, tag string) error { return nil },
		func(exclude string) (string, bool) { return "", false },
	)
	var dropped int
	p.logDrops = func(tag string) { dropped++ }

	tag, err := p.Send("peer1", "get_joint", nil, false, func([]byte, error) {})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	for i := 0; i < dag.MaxPendingHandlers+5; i++ {
		p.AddHandler(tag, func([]byte, error) {})
	}
	// Send's own handler counts toward the cap, so only
	// MaxPendingHandlers-1 of the added handlers fit.
	if dropped != 6 {
		t.Fatalf("AddHandler: expected 6 drops beyond cap, got %d", dropped)
	}
}

func TestPendingRequestsDeliverInvokesAllHandlersOnce(t *testing.T) {
	p := NewPendingRequests(
		func(peer, cmd string, params interface{}, tag string) error { return nil },
		func(exclude string) (string, bool) { return "", false },
	)
	var calls int
	tag, _ := p.Send("peer1", "get_joint", nil, false, func([]byte, error) { calls++ })
	p.AddHandler(tag, func([]byte, error) { calls++ })

	p.Deliver(tag, []byte("body"))
	p.Deliver(tag, []byte("body")) // second delivery on a resolved tag is a no-op

	if calls != 2 {
		t.Fatalf("Deliver: expected 2 handler invocations, got %d", calls)
	}
	if p.Outstanding() != 0 {
		t.Fatalf("Deliver: expected 0 outstanding after delivery, got %d", p.Outstanding())
	}
}

func TestPendingRequestsRerouteOnTimeout(t *testing.T) {
	var resentTo []string
	p := NewPendingRequests(
		func(peer, cmd string, params interface{}, tag string) error {
			resentTo = append(resentTo, peer)
			return nil
		},
		func(exclude string) (string, bool) {
			if exclude == "peer1" {
				return "peer2", true
			}
			return "", false
		},
	)
	nowFunc = func() time.Time { return time.Unix(1000, 0) }
	defer func() { nowFunc = time.Now }()

	var failed error
	tag, _ := p.Send("peer1", "catchup", nil, true, func(body []byte, err error) { failed = err })

	nowFunc = func() time.Time { return time.Unix(1000, 0).Add(dag.ResponseTimeout + time.Second) }
	p.SweepTimeouts()

	if len(resentTo) != 2 || resentTo[0] != "peer1" || resentTo[1] != "peer2" {
		t.Fatalf("SweepTimeouts: expected initial send to peer1 then reroute to peer2, got %v", resentTo)
	}
	if failed != nil {
		t.Fatalf("SweepTimeouts: reroutable request should not fail its handler, got %v", failed)
	}
	if p.Outstanding() != 1 {
		t.Fatalf("SweepTimeouts: expected request still outstanding after reroute, got %d", p.Outstanding())
	}
	_ = tag
}

func TestPendingRequestsNonReroutableFailsOnTimeout(t *testing.T) {
	p := NewPendingRequests(
		func(peer, cmd string, params interface{}, tag string) error { return nil },
		func(exclude string) (string, bool) { return "", false },
	)
	nowFunc = func() time.Time { return time.Unix(1000, 0) }
	defer func() { nowFunc = time.Now }()

	var failed error
	p.Send("peer1", "get_joint", nil, false, func(body []byte, err error) { failed = err })

	nowFunc = func() time.Time { return time.Unix(1000, 0).Add(dag.ResponseTimeout + time.Second) }
	p.SweepTimeouts()

	if !errors.Is(failed, errTimedOut) {
		t.Fatalf("SweepTimeouts: expected errTimedOut for non-reroutable request, got %v", failed)
	}
	if p.Outstanding() != 0 {
		t.Fatalf("SweepTimeouts: expected 0 outstanding after failure, got %d", p.Outstanding())
	}
}

func TestPendingRequestsDisconnectPeerReroutesReroutable(t *testing.T) {
	var resentTo []string
	p := NewPendingRequests(
		func(peer, cmd string, params interface{}, tag string) error {
			resentTo = append(resentTo, peer)
			return nil
		},
		func(exclude string) (string, bool) { return "peer2", true },
	)
	p.Send("peer1", "catchup", nil, true, func([]byte, error) {})
	p.DisconnectPeer("peer1")

	if len(resentTo) != 2 || resentTo[0] != "peer1" || resentTo[1] != "peer2" {
		t.Fatalf("DisconnectPeer: expected initial send to peer1 then reroute to peer2, got %v", resentTo)
	}
}
