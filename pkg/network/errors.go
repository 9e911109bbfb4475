// Copyright 2025 Certen Protocol

package network

import "errors"

var (
	errTimedOut = errors.New("network: request timed out")
	errNoPeers  = errors.New("network: no alternate peer to reroute to")
)
