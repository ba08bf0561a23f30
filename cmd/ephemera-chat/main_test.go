// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ephemerachat/ephemera/peer"
	"github.com/ephemerachat/ephemera/protocol"
	"github.com/ephemerachat/ephemera/storage"
)

type nullSignaler struct{}

func (nullSignaler) SendSignal(string, protocol.Signal) bool { return true }

func newTestApp(t *testing.T) (*chatApp, func() string) {
	t.Helper()
	out, err := os.CreateTemp(t.TempDir(), "chat-out")
	if err != nil {
		t.Fatalf("creating output file: %v", err)
	}
	store := storage.NewMemoryStore()
	manager, err := peer.NewManager(peer.ManagerConfig{
		LocalUsername: "alice",
		Signaler:      nullSignaler{},
		Store:         store,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(manager.Destroy)

	app := &chatApp{
		manager:  manager,
		store:    store,
		out:      out,
		presence: make(map[string]protocol.PresenceEntry),
	}
	output := func() string {
		raw, err := os.ReadFile(out.Name())
		if err != nil {
			t.Fatalf("reading output: %v", err)
		}
		return string(raw)
	}
	return app, output
}

func TestQuitCommand(t *testing.T) {
	app, _ := newTestApp(t)
	if app.handleCommand("/quit") {
		t.Error("handleCommand(/quit) = true, want false")
	}
	if !app.handleCommand("") {
		t.Error("handleCommand of blank line = false, want true")
	}
}

func TestUnknownCommand(t *testing.T) {
	app, output := newTestApp(t)
	app.handleCommand("/teleport")
	if !strings.Contains(output(), "unknown command") {
		t.Errorf("output = %q, want unknown command notice", output())
	}
}

func TestMsgWithoutLinkReportsError(t *testing.T) {
	app, output := newTestApp(t)
	app.handleCommand("/msg bob hello there")
	if !strings.Contains(output(), "send to bob failed") {
		t.Errorf("output = %q, want send failure notice", output())
	}
}

func TestMsgUsage(t *testing.T) {
	app, output := newTestApp(t)
	app.handleCommand("/msg")
	app.handleCommand("/msg bob")
	if got := strings.Count(output(), "usage: /msg"); got != 2 {
		t.Errorf("printed usage %d times, want 2", got)
	}
}

func TestHistoryPrintsStoredMessages(t *testing.T) {
	app, output := newTestApp(t)
	app.store.Save(peer.Message{
		ID:             "m1",
		ConversationID: "bob",
		SenderID:       "bob",
		Type:           peer.MessageTypeText,
		Content:        "hi alice",
		Timestamp:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Status:         peer.StatusDelivered,
	})

	app.handleCommand("/history bob")
	if !strings.Contains(output(), "hi alice") {
		t.Errorf("output = %q, want stored message", output())
	}
}

func TestUsersListsPresence(t *testing.T) {
	app, output := newTestApp(t)
	app.handleCommand("/users")
	if !strings.Contains(output(), "nobody here") {
		t.Errorf("output = %q, want empty notice", output())
	}

	app.setPresence([]protocol.PresenceEntry{
		{Username: "bob", Status: protocol.StatusOnline},
	})
	app.handleCommand("/users")
	if !strings.Contains(output(), "bob (online)") {
		t.Errorf("output = %q, want bob online", output())
	}
}

func TestPeersListsConnections(t *testing.T) {
	app, output := newTestApp(t)
	app.handleCommand("/peers")
	if !strings.Contains(output(), "no peer links") {
		t.Errorf("output = %q, want empty notice", output())
	}

	if err := app.manager.ConnectToUser("bob"); err != nil {
		t.Fatalf("ConnectToUser: %v", err)
	}
	app.handleCommand("/peers")
	if !strings.Contains(output(), "bob") || !strings.Contains(output(), "initiator") {
		t.Errorf("output = %q, want bob as initiator", output())
	}
}

func TestHistoryUsesDatabaseWhenConfigured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	sqlite, err := storage.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer sqlite.Close()

	var store messageStore = sqlite
	if err := store.Save(peer.Message{ID: "m1", ConversationID: "bob", Content: "persisted"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	messages, err := store.Messages("bob")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "persisted" {
		t.Errorf("messages = %+v, want the persisted record", messages)
	}
}
