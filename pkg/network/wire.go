// Copyright 2025 Certen Protocol
//
// Package network implements joint ingress, peer-request multiplexing,
// and witness-proof catchup (spec §4.10, C10): a missing-parent
// dependency graph over pkg/storage's unhandled_joints/dependencies
// tables, a bounded tagged-request tracker with reroute-on-timeout, and
// the two catchup RPCs new nodes bootstrap from. Peer transport is
// github.com/cometbft/cometbft/p2p's Switch/Reactor/Peer — reused for an
// entirely different purpose than its BFT consensus reactor, which stays
// unused (spec §1 excludes BFT voting).
package network

import (
	"encoding/json"
	"fmt"

	"github.com/dagchain/corenode/pkg/dag"
)

// FrameKind is the top-level discriminant of every wire frame (spec
// §6's `kind ∈ {"justsaying", "request", "response"}`).
type FrameKind string

const (
	FrameJustsaying FrameKind = "justsaying"
	FrameRequest    FrameKind = "request"
	FrameResponse   FrameKind = "response"
)

// Frame is the envelope every peer message is framed as. It is encoded as
// a JSON object with kind, subject, tag and body fields, not as a
// two-element `[kind, body]` array. Request/response frames carry a Tag
// correlating a response (or each of up to H handlers) to its request.
type Frame struct {
	Kind    FrameKind       `json:"kind"`
	Subject string          `json:"subject,omitempty"`
	Tag     string          `json:"tag,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Known request/justsaying subjects (spec §6).
const (
	SubjectVersion      = "version"
	SubjectJoint        = "joint"
	SubjectGetJoint     = "get_joint"
	SubjectCatchup      = "catchup"
	SubjectHashTree     = "hash_tree"
	SubjectGetWitnesses = "get_witnesses"
	SubjectPrivatePay   = "private_payment"
	SubjectError        = "error"
)

// VersionBody is the payload of a "version" justsaying, exchanged once
// per new peer session.
type VersionBody struct {
	Program        string `json:"program"`
	ProgramVersion string `json:"program_version"`
}

const maxVersionFieldLength = 1024 // 1 KiB, spec §6

// Validate rejects a version body whose program/program_version strings
// exceed the 1 KiB bound spec §6 places on each field.
func (v VersionBody) Validate() error {
	if len(v.Program) > maxVersionFieldLength {
		return fmt.Errorf("network: version.program exceeds %d bytes", maxVersionFieldLength)
	}
	if len(v.ProgramVersion) > maxVersionFieldLength {
		return fmt.Errorf("network: version.program_version exceeds %d bytes", maxVersionFieldLength)
	}
	return nil
}

// Joint is the wire envelope for a single unit, the payload of a "joint"
// justsaying or a "get_joint" response.
type Joint struct {
	Unit *dag.Unit `json:"unit"`
}

// DecodeFrame rejects payloads above MAX_MESSAGE_SIZE before ever
// unmarshaling them (spec §4.10 ingress step 1: "reject payloads
// exceeding MAX_MESSAGE_SIZE before parsing, to bound memory").
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) > dag.MaxMessageSize {
		return Frame{}, fmt.Errorf("network: frame of %d bytes exceeds MAX_MESSAGE_SIZE", len(raw))
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("network: decode frame: %w", err)
	}
	return f, nil
}

// EncodeFrame serializes f and rejects the result if it would exceed
// MAX_MESSAGE_SIZE, so a node never sends a frame its peers are bound to
// reject on receipt.
func EncodeFrame(f Frame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("network: encode frame: %w", err)
	}
	if len(raw) > dag.MaxMessageSize {
		return nil, fmt.Errorf("network: encoded frame of %d bytes exceeds MAX_MESSAGE_SIZE", len(raw))
	}
	return raw, nil
}

func encodeBody(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// v is always one of this package's own wire types; a marshal
		// failure here means a programming error, not a runtime
		// condition callers can recover from.
		panic(fmt.Sprintf("network: encode body: %v", err))
	}
	return raw
}
