// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the relay wire protocol shared by the
// rendezvous service and the session client.
//
// Every websocket frame is an [Envelope]: a JSON object with an "event"
// name and an opaque "data" payload. The event names and payload shapes
// are fixed — see the Event* constants and the payload types in this
// package. The relay never inspects [Signal] contents; offers, answers,
// and ICE candidates are meaningful only to the two peer links that
// exchange them.
//
// [Identity] is the ephemeral, self-chosen identity an end user
// registers under. Identity.Validate enforces the registration rules
// (non-empty username, at most MaxUsernameLength characters). The
// rendezvous service applies the same validation server-side, so a
// well-behaved client never sees a register-error for length.
package protocol
