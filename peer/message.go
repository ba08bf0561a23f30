// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"time"

	"github.com/ephemerachat/ephemera/protocol"
)

// MessageStatus is the local delivery state of a message. Status is
// mutated only by the owning manager: pending at send, sent after the
// delivery delay (or failed on a transport error), delivered on the
// receiving side at parse time. "Sent" is optimistic local status,
// not a delivery guarantee.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// Message is one application message in a 1:1 conversation. The
// conversation id is the remote username.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Type           string         `json:"type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Status         MessageStatus  `json:"status"`
}

// MessageTypeText is the default message type.
const MessageTypeText = "text"

// Data-channel frame types.
const (
	frameMessage = "message"
	frameTyping  = "typing"
	framePing    = "ping"
	framePong    = "pong"
)

// frame is the envelope for every data-channel payload.
type frame struct {
	Type     string   `json:"type"`
	Payload  *Message `json:"payload,omitempty"`
	IsTyping bool     `json:"isTyping,omitempty"`
}

// MessageStore is the persistence collaborator. The manager records
// outbound messages as pending and inbound messages as delivered, and
// later flips outbound status to sent or failed. It never reads.
type MessageStore interface {
	Save(message Message) error
	UpdateStatus(id string, status MessageStatus) error
}

// ProjectionSink receives connection and typing updates for the
// presentation layer. Implementations must not block: calls are made
// from link and timer callbacks.
type ProjectionSink interface {
	// ConnectionUpdated is called on every link state change.
	ConnectionUpdated(connection Connection)
	// ConnectionRemoved is called exactly once when a peer is torn
	// down and removed from the manager.
	ConnectionRemoved(username string)
	// TypingChanged reports the remote user's typing state. It is
	// cleared (false) on conversation teardown.
	TypingChanged(username string, isTyping bool)
}

// SignalSender relays a negotiation signal to a remote identity,
// returning false when the relay link is down. *session.Client
// satisfies this.
type SignalSender interface {
	SendSignal(toUsername string, signal protocol.Signal) bool
}
