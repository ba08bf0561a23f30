// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to LinkState }{
		{StateNew, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnecting, StateFailed},
		{StateConnected, StateDisconnected},
		{StateConnected, StateFailed},
		{StateDisconnected, StateFailed},
	}
	for _, tc := range allowed {
		if !canTransition(tc.from, tc.to) {
			t.Errorf("canTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to LinkState }{
		{StateNew, StateConnected},
		// Failure presumes negotiation began; Start moves the link to
		// connecting before anything can fail it.
		{StateNew, StateFailed},
		{StateConnected, StateConnecting},
		{StateDisconnected, StateConnected},
		{StateFailed, StateConnecting},
		{StateFailed, StateConnected},
		{StateClosed, StateConnecting},
	}
	for _, tc := range forbidden {
		if canTransition(tc.from, tc.to) {
			t.Errorf("canTransition(%s, %s) = true, want false", tc.from, tc.to)
		}
	}
}

func TestCloseAllowedFromAnyLiveState(t *testing.T) {
	for _, from := range []LinkState{
		StateNew, StateConnecting, StateConnected, StateDisconnected, StateFailed,
	} {
		if !canTransition(from, StateClosed) {
			t.Errorf("canTransition(%s, closed) = false, want true", from)
		}
	}
	if canTransition(StateClosed, StateClosed) {
		t.Error("canTransition(closed, closed) = true, want false")
	}
}
