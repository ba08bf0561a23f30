// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

// Ephemera-rendezvous is the presence and signaling relay. Clients
// connect over a websocket, register an anonymous identity, and
// exchange opaque negotiation signals; chat traffic itself flows peer
// to peer and never touches this process.
//
// The relay keeps no durable state. An identity that disconnects holds
// its presence slot for a grace window so a prompt reconnect is seen
// as the same user, then it is evicted and the username is free again.
package main
