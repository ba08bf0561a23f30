// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage provides message persistence behind the peer
// manager's store interface: an in-memory store for purely ephemeral
// sessions and a SQLite store for clients that keep history across
// restarts. Conversations are keyed by the remote username; nothing
// here ever leaves the local machine.
package storage
