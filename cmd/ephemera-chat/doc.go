// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

// Ephemera-chat is a line-oriented terminal client. It registers an
// anonymous identity with a rendezvous relay, negotiates direct links
// to other users, and exchanges messages over those links; the relay
// never sees message content.
//
// Commands are slash-prefixed:
//
//	/connect <user>    dial a direct link to <user>
//	/msg <user> <text> send <text> over the link
//	/history <user>    print the stored conversation
//	/peers             list tracked peer links
//	/users             list everyone registered at the relay
//	/quit              leave
//
// By default message history lives in memory and vanishes on exit;
// pass --db to keep it in a local SQLite file.
package main
