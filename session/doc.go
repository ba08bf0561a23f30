// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

// Package session maintains one relay connection per local identity.
//
// [Client] owns a single websocket to the rendezvous service. Connect
// registers the local identity; the relay's lifecycle and business
// events are surfaced through [Handlers], a typed subscription table
// with exactly one handler per event — Subscribe replaces handlers, it
// never accumulates them. This is a deliberate contract: the consumer
// of a relay event is the session manager, and two managers listening
// to one client would double-drive peer negotiation.
//
// Signal and typing sends are fire-and-forget: they return false
// immediately when the relay link is down and are never queued or
// retried at this layer. Retry policy for peer connections lives in
// the peer package; the client only retries its own relay link, with
// a bounded doubling delay, re-registering the same identity after
// each successful redial.
package session
