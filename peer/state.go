// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import "time"

// LinkState is the lifecycle state of one peer link.
type LinkState string

const (
	StateNew          LinkState = "new"
	StateConnecting   LinkState = "connecting"
	StateConnected    LinkState = "connected"
	StateDisconnected LinkState = "disconnected"
	StateFailed       LinkState = "failed"
	StateClosed       LinkState = "closed"
)

// validTransitions encodes the link state machine. Close is allowed
// from any state; restart after failed/disconnected is expressed by
// replacing the link with a fresh instance, never by rewinding this
// table.
var validTransitions = map[LinkState]map[LinkState]bool{
	StateNew:          {StateConnecting: true},
	StateConnecting:   {StateConnected: true, StateFailed: true},
	StateConnected:    {StateDisconnected: true, StateFailed: true},
	StateDisconnected: {StateFailed: true},
	StateFailed:       {},
	StateClosed:       {},
}

// canTransition reports whether from → to is a legal state change.
func canTransition(from, to LinkState) bool {
	if to == StateClosed {
		return from != StateClosed
	}
	return validTransitions[from][to]
}

// Connection is the manager's projection of one peer link, delivered
// to the ProjectionSink on every state change.
type Connection struct {
	Username    string
	State       LinkState
	IsInitiator bool
	// ConnectedAt is set once the link first reaches connected.
	ConnectedAt *time.Time
}
