// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ephemerachat/ephemera/peer"
	"github.com/ephemerachat/ephemera/protocol"
	"github.com/ephemerachat/ephemera/session"
	"github.com/ephemerachat/ephemera/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// messageStore is the store surface the client needs: the manager's
// write side plus history reads.
type messageStore interface {
	peer.MessageStore
	Messages(conversationID string) ([]peer.Message, error)
}

func run() error {
	flags := pflag.NewFlagSet("ephemera-chat", pflag.ContinueOnError)
	var (
		serverURL = flags.String("server", "ws://localhost:8000/ws", "rendezvous websocket URL")
		username  = flags.String("username", "", "identity to register (required)")
		age       = flags.String("age", "", "optional profile age")
		gender    = flags.String("gender", "", "optional profile gender")
		country   = flags.String("country", "", "optional profile country")
		interests = flags.StringSlice("interests", nil, "optional profile interests")
		dbPath    = flags.String("db", "", "SQLite file for message history (empty keeps history in memory)")
		verbose   = flags.Bool("verbose", false, "log debug detail to stderr")
	)
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	identity := protocol.Identity{
		Username:  *username,
		Age:       *age,
		Gender:    *gender,
		Country:   *country,
		Interests: *interests,
	}
	if err := identity.Validate(); err != nil {
		return err
	}
	identity = identity.Normalize()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var store messageStore
	if *dbPath != "" {
		sqlite, err := storage.OpenSQLite(*dbPath)
		if err != nil {
			return err
		}
		defer sqlite.Close()
		store = sqlite
	} else {
		store = storage.NewMemoryStore()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &chatApp{
		out:      os.Stdout,
		store:    store,
		presence: make(map[string]protocol.PresenceEntry),
	}

	client, err := session.NewClient(session.Config{
		ServerURL: *serverURL,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer client.Disconnect()

	manager, err := peer.NewManager(peer.ManagerConfig{
		LocalUsername: identity.Username,
		Signaler:      client,
		Store:         store,
		Sink:          app,
		Logger:        logger,
		OnMessageReceived: func(message peer.Message) {
			app.printf("[%s] %s", message.SenderID, message.Content)
		},
	})
	if err != nil {
		return err
	}
	defer manager.Destroy()
	app.manager = manager
	app.client = client

	// The manager claims the signal and peer-presence events; the app
	// layers its presence display on the remaining ones.
	manager.BindRelay(client)
	client.Subscribe(session.Handlers{
		RegisterSuccess: func(success protocol.RegisterSuccess) {
			app.printf("* registered as %s", success.Username)
			for _, peerName := range success.ActiveConnections {
				app.printf("* %s was talking to you before; /connect %s to resume", peerName, peerName)
			}
		},
		RegisterError: func(message string) {
			app.printf("* registration rejected: %s", message)
			stop()
		},
		PresenceList: app.setPresence,
		UserOnline: func(entry protocol.PresenceEntry) {
			app.addPresence(entry)
			app.printf("* %s is online", entry.Username)
		},
		TransportDisconnected: func(err error) {
			app.printf("* relay link lost: %v", err)
		},
		ReconnectAttempt: func(attempt int) {
			app.printf("* redialing relay (attempt %d)", attempt)
		},
		ReconnectFailed: func() {
			app.printf("* relay unreachable, giving up")
			stop()
		},
	})

	if err := client.Connect(ctx, identity); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	app.printf("* connected to %s; /quit to leave", *serverURL)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if !app.handleCommand(line) {
				return nil
			}
		}
	}
}

// chatApp renders events and dispatches slash commands. It doubles as
// the manager's projection sink.
type chatApp struct {
	manager *peer.Manager
	client  *session.Client
	store   messageStore

	mu       sync.Mutex
	out      *os.File
	presence map[string]protocol.PresenceEntry
}

var _ peer.ProjectionSink = (*chatApp)(nil)

func (a *chatApp) printf(format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.out, format+"\n", args...)
}

func (a *chatApp) setPresence(entries []protocol.PresenceEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.presence = make(map[string]protocol.PresenceEntry, len(entries))
	for _, entry := range entries {
		a.presence[entry.Username] = entry
	}
}

func (a *chatApp) addPresence(entry protocol.PresenceEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.presence[entry.Username] = entry
}

// ConnectionUpdated implements peer.ProjectionSink.
func (a *chatApp) ConnectionUpdated(connection peer.Connection) {
	a.printf("* link to %s: %s", connection.Username, connection.State)
}

// ConnectionRemoved implements peer.ProjectionSink.
func (a *chatApp) ConnectionRemoved(username string) {
	a.printf("* link to %s removed", username)
}

// TypingChanged implements peer.ProjectionSink.
func (a *chatApp) TypingChanged(username string, isTyping bool) {
	if isTyping {
		a.printf("* %s is typing...", username)
	}
}

// handleCommand executes one input line. It returns false when the
// user asked to quit.
func (a *chatApp) handleCommand(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	command, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch command {
	case "/quit":
		return false

	case "/connect":
		if rest == "" {
			a.printf("usage: /connect <user>")
			return true
		}
		if err := a.manager.ConnectToUser(rest); err != nil {
			a.printf("* connect to %s failed: %v", rest, err)
		}

	case "/msg":
		target, text, _ := strings.Cut(rest, " ")
		if target == "" || strings.TrimSpace(text) == "" {
			a.printf("usage: /msg <user> <text>")
			return true
		}
		if _, err := a.manager.SendMessage(target, "", strings.TrimSpace(text), nil); err != nil {
			a.printf("* send to %s failed: %v", target, err)
		}

	case "/typing":
		if rest == "" {
			a.printf("usage: /typing <user>")
			return true
		}
		// Direct link first, relay as fallback.
		if !a.manager.SendTyping(rest, true) {
			a.client.StartTyping(rest)
		}

	case "/history":
		if rest == "" {
			a.printf("usage: /history <user>")
			return true
		}
		messages, err := a.store.Messages(rest)
		if err != nil {
			a.printf("* loading history for %s failed: %v", rest, err)
			return true
		}
		for _, message := range messages {
			a.printf("%s [%s] %s (%s)",
				message.Timestamp.Local().Format("15:04:05"),
				message.SenderID,
				message.Content,
				message.Status,
			)
		}

	case "/peers":
		connections := a.manager.Connections()
		if len(connections) == 0 {
			a.printf("* no peer links")
			return true
		}
		for _, connection := range connections {
			role := "responder"
			if connection.IsInitiator {
				role = "initiator"
			}
			a.printf("* %s: %s (%s)", connection.Username, connection.State, role)
		}

	case "/users":
		a.mu.Lock()
		entries := make([]protocol.PresenceEntry, 0, len(a.presence))
		for _, entry := range a.presence {
			entries = append(entries, entry)
		}
		a.mu.Unlock()
		if len(entries) == 0 {
			a.printf("* nobody here")
			return true
		}
		for _, entry := range entries {
			a.printf("* %s (%s)", entry.Username, entry.Status)
		}

	case "/disconnect":
		if rest == "" {
			a.printf("usage: /disconnect <user>")
			return true
		}
		a.manager.DisconnectFromUser(rest)

	default:
		a.printf("unknown command %q", command)
	}
	return true
}
