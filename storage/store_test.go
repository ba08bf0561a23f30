// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ephemerachat/ephemera/lib/testutil"
	"github.com/ephemerachat/ephemera/peer"
)

// messageStore is the common surface both stores provide; the suite
// below runs against each implementation.
type messageStore interface {
	peer.MessageStore
	Messages(conversationID string) ([]peer.Message, error)
	Conversations() ([]string, error)
	DeleteConversation(conversationID string) error
}

func openStores(t *testing.T) map[string]messageStore {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]messageStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func testMessage(conversation string) peer.Message {
	return peer.Message{
		ID:             testutil.UniqueID("msg"),
		ConversationID: conversation,
		SenderID:       "alice",
		Type:           peer.MessageTypeText,
		Content:        "hello",
		Timestamp:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Status:         peer.StatusPending,
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			message := testMessage("bob")
			message.Metadata = map[string]any{"replyTo": "earlier"}
			if err := store.Save(message); err != nil {
				t.Fatalf("Save: %v", err)
			}

			messages, err := store.Messages("bob")
			if err != nil {
				t.Fatalf("Messages: %v", err)
			}
			if len(messages) != 1 {
				t.Fatalf("loaded %d messages, want 1", len(messages))
			}
			loaded := messages[0]
			if loaded.ID != message.ID || loaded.Content != message.Content {
				t.Errorf("loaded %+v, want %+v", loaded, message)
			}
			if !loaded.Timestamp.Equal(message.Timestamp) {
				t.Errorf("timestamp = %v, want %v", loaded.Timestamp, message.Timestamp)
			}
			if loaded.Metadata["replyTo"] != "earlier" {
				t.Errorf("metadata = %v, want replyTo earlier", loaded.Metadata)
			}
		})
	}
}

func TestUpdateStatus(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			message := testMessage("bob")
			if err := store.Save(message); err != nil {
				t.Fatalf("Save: %v", err)
			}

			if err := store.UpdateStatus(message.ID, peer.StatusSent); err != nil {
				t.Fatalf("UpdateStatus: %v", err)
			}
			messages, err := store.Messages("bob")
			if err != nil {
				t.Fatalf("Messages: %v", err)
			}
			if messages[0].Status != peer.StatusSent {
				t.Errorf("status = %s, want sent", messages[0].Status)
			}

			if err := store.UpdateStatus("missing", peer.StatusFailed); err == nil {
				t.Error("UpdateStatus of missing message succeeded, want error")
			}
		})
	}
}

func TestConversationOrderingAndIsolation(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 3; i++ {
				message := testMessage("bob")
				message.Content = string(rune('a' + i))
				message.Timestamp = base.Add(time.Duration(i) * time.Second)
				if err := store.Save(message); err != nil {
					t.Fatalf("Save: %v", err)
				}
			}
			other := testMessage("carol")
			if err := store.Save(other); err != nil {
				t.Fatalf("Save: %v", err)
			}

			messages, err := store.Messages("bob")
			if err != nil {
				t.Fatalf("Messages: %v", err)
			}
			if len(messages) != 3 {
				t.Fatalf("conversation bob has %d messages, want 3", len(messages))
			}
			for i, message := range messages {
				if want := string(rune('a' + i)); message.Content != want {
					t.Errorf("message %d content = %q, want %q", i, message.Content, want)
				}
			}

			conversations, err := store.Conversations()
			if err != nil {
				t.Fatalf("Conversations: %v", err)
			}
			if len(conversations) != 2 || conversations[0] != "bob" || conversations[1] != "carol" {
				t.Errorf("conversations = %v, want [bob carol]", conversations)
			}
		})
	}
}

func TestDeleteConversation(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Save(testMessage("bob")); err != nil {
				t.Fatalf("Save: %v", err)
			}
			if err := store.Save(testMessage("carol")); err != nil {
				t.Fatalf("Save: %v", err)
			}

			if err := store.DeleteConversation("bob"); err != nil {
				t.Fatalf("DeleteConversation: %v", err)
			}
			messages, err := store.Messages("bob")
			if err != nil {
				t.Fatalf("Messages: %v", err)
			}
			if len(messages) != 0 {
				t.Errorf("conversation bob has %d messages after delete, want 0", len(messages))
			}
			if messages, _ := store.Messages("carol"); len(messages) != 1 {
				t.Error("delete removed another conversation's messages")
			}
		})
	}
}
