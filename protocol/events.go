// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// Event names carried in Envelope.Event.
//
// typing-start and typing-stop are used in both directions: the client
// sends the target username as a bare JSON string, the server forwards
// a TypingFrom payload to the target.
const (
	// Client → server.
	EventRegister      = "register"       // data: Identity
	EventSignalPrivate = "signal-private" // data: PrivateSignal (ToUsername set)

	// Both directions.
	EventTypingStart = "typing-start"
	EventTypingStop  = "typing-stop"

	// Server → client.
	EventRegisterSuccess = "register-success"  // data: RegisterSuccess
	EventRegisterError   = "register-error"    // data: ErrorMessage
	EventUserList        = "user-list"         // data: []PresenceEntry
	EventUserOnline      = "user-online"       // data: PresenceEntry
	EventUserOffline     = "user-offline"      // data: UserRef
	EventUserReconnected = "user-reconnected"  // data: UserRef
	EventUserDisconnect  = "user-disconnected" // data: UserRef
	EventPrivateSignal   = "private-signal"    // data: PrivateSignal (FromUsername set)
	EventSignalError     = "signal-error"      // data: SignalError
	EventError           = "error"             // data: ErrorMessage
)
