// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MaxUsernameLength is the longest username the rendezvous service
// accepts at registration.
const MaxUsernameLength = 20

// Envelope is the outer frame for every relay websocket message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data and wraps it under the given event name.
func NewEnvelope(event string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Event: event}, nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: encoding %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: encoded}, nil
}

// DecodeData unmarshals the envelope payload into out.
func (e Envelope) DecodeData(out any) error {
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("protocol: decoding %s payload: %w", e.Event, err)
	}
	return nil
}

// PresenceStatus is the relay's view of whether an identity is
// currently reachable.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// Identity is an ephemeral, self-chosen username plus profile
// attributes. It is valid from registration until the rendezvous
// service evicts it after the offline grace window.
type Identity struct {
	Username  string   `json:"username"`
	Age       string   `json:"age,omitempty"`
	Gender    string   `json:"gender,omitempty"`
	Country   string   `json:"country,omitempty"`
	Interests []string `json:"interests,omitempty"`
}

// Validate reports whether the identity is acceptable for
// registration. The username is trimmed before checking; callers
// should persist the trimmed form returned by Normalize.
func (id Identity) Validate() error {
	username := strings.TrimSpace(id.Username)
	if username == "" {
		return fmt.Errorf("protocol: username is required")
	}
	if len(username) > MaxUsernameLength {
		return fmt.Errorf("protocol: username exceeds %d characters", MaxUsernameLength)
	}
	return nil
}

// Normalize returns a copy of the identity with the username trimmed.
func (id Identity) Normalize() Identity {
	id.Username = strings.TrimSpace(id.Username)
	return id
}

// PresenceEntry is one row of the presence list: the identity's public
// attributes plus its current status.
type PresenceEntry struct {
	Username  string         `json:"username"`
	Age       string         `json:"age,omitempty"`
	Gender    string         `json:"gender,omitempty"`
	Country   string         `json:"country,omitempty"`
	Interests []string       `json:"interests,omitempty"`
	Status    PresenceStatus `json:"status"`
}

// RegisterSuccess acknowledges a registration.
type RegisterSuccess struct {
	Username string `json:"username"`
	// ActiveConnections lists usernames this identity had established
	// relationships with before a reconnect, so the client can restart
	// those peer links.
	ActiveConnections []string `json:"activeConnections,omitempty"`
}

// ErrorMessage is the payload of register-error and error events.
type ErrorMessage struct {
	Message string `json:"message"`
}

// UserRef names another identity in presence change notifications.
type UserRef struct {
	Username string `json:"username"`
}

// SignalType discriminates the Signal union.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
)

// Signal is the opaque negotiation payload relayed between two peer
// links. Exactly one of Offer, Answer, or Candidate is set, matching
// Type. The relay forwards it verbatim.
type Signal struct {
	Type      SignalType      `json:"type"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// PrivateSignal routes a Signal through the relay. Clients set
// ToUsername when sending; the relay rewrites the frame with
// FromUsername set before forwarding to the target.
type PrivateSignal struct {
	ToUsername   string `json:"toUsername,omitempty"`
	FromUsername string `json:"fromUsername,omitempty"`
	Signal       Signal `json:"signal"`
}

// SignalError reports a relay failure for a single signal-private
// call. It is delivered only to the caller.
type SignalError struct {
	Message  string `json:"message"`
	Username string `json:"username"`
}

// TypingFrom is the server-to-client payload of typing-start and
// typing-stop.
type TypingFrom struct {
	FromUsername string `json:"fromUsername"`
}
