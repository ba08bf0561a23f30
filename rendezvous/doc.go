// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

// Package rendezvous implements the relay that ephemeral identities
// use to find each other and exchange connection negotiation signals.
//
// The service is a presence registry plus an opaque signal forwarder.
// It holds no message content: once two peer links finish negotiating,
// messages flow directly between the peers and never touch this
// service. All relay state is in memory and lost on restart.
//
// [Registry] owns the presence records. A registered username stays
// reserved for a grace window after its connection drops, so a client
// that reconnects promptly keeps its slot; after the window the entry
// is evicted and a user-offline broadcast goes out. Eviction is driven
// by per-identity timers with a periodic sweep as a safety net against
// lost timer callbacks, both running on an injected clock.Clock.
//
// [Server] terminates the websocket connections, enforces the
// registration rules, and forwards signal-private and typing traffic
// per the protocol package. Signal relay to an absent target yields a
// signal-error to the caller only; typing is fire-and-forget.
package rendezvous
