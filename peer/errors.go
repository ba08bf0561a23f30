// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import "errors"

var (
	// ErrDestroyed is returned by every operation on a destroyed
	// manager.
	ErrDestroyed = errors.New("peer: manager destroyed")

	// ErrInvalidTarget is returned when a target username is empty or
	// names the local identity.
	ErrInvalidTarget = errors.New("peer: invalid target username")

	// ErrTooManyPeers is returned when the concurrent link cap is
	// reached.
	ErrTooManyPeers = errors.New("peer: too many concurrent peer links")

	// ErrNoConnection is returned when an operation requires a link
	// that does not exist.
	ErrNoConnection = errors.New("peer: no connection to target")

	// ErrNotConnected is returned when an operation requires the link
	// to be in the connected state.
	ErrNotConnected = errors.New("peer: not connected to target")

	// ErrInvalidMessage is returned for empty message content.
	ErrInvalidMessage = errors.New("peer: invalid message")

	// ErrConnectionTimeout marks a link that failed to reach connected
	// within the configured window. It feeds the standard
	// reconnect/backoff path like any other failure.
	ErrConnectionTimeout = errors.New("peer: connection timeout")

	// ErrLinkClosed is returned when sending on a closed or failed
	// link.
	ErrLinkClosed = errors.New("peer: link closed")
)
