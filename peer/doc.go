// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

// Package peer negotiates and maintains direct connections to remote
// identities and carries the message/typing application protocol over
// them.
//
// [Link] is one WebRTC peer connection plus one ordered data channel
// to exactly one remote username. It runs the offer/answer/candidate
// exchange through an injected signal sender (wired to the session
// client by the manager) and queues outbound frames until the channel
// opens. Its lifecycle follows a fixed state machine: new → connecting
// → connected, with disconnected/failed/closed exits; a failed or
// disconnected link is never revived in place — the manager replaces
// it with a fresh instance.
//
// [Manager] is the sole public API of the session layer. It owns the
// username → Link map, routes inbound relay signals (creating a
// responder link on a first inbound offer), races every connection
// attempt against a timeout, applies exponential-backoff reconnection
// per peer up to a capped attempt count, and tracks message delivery
// state through the collaborator interfaces: a [MessageStore] sink and
// a [ProjectionSink] for connection/typing updates. Delivery status is
// optimistic: a message flips from pending to sent on a local timer
// after it is handed to the transport, not on remote confirmation.
package peer
