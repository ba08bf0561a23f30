// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ephemerachat/ephemera/lib/testutil"
	"github.com/ephemerachat/ephemera/protocol"
)

const linkTestTimeout = 15 * time.Second

// linkEnd is one side of an in-process link pair with its observed
// events exposed as channels.
type linkEnd struct {
	link     *Link
	states   chan LinkState
	messages chan Message
	typing   chan bool
	errs     chan error
	signals  chan protocol.Signal
}

func newLinkEnd(t *testing.T, local, remote string, initiator bool) *linkEnd {
	t.Helper()
	end := &linkEnd{
		states:   make(chan LinkState, 16),
		messages: make(chan Message, 16),
		typing:   make(chan bool, 16),
		errs:     make(chan error, 16),
		signals:  make(chan protocol.Signal, 64),
	}
	link, err := NewLink(LinkConfig{
		LocalUsername:  local,
		RemoteUsername: remote,
		Initiator:      initiator,
		ICEServers:     []webrtc.ICEServer{},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		SendSignal: func(signal protocol.Signal) bool {
			end.signals <- signal
			return true
		},
		OnMessage: func(message Message) { end.messages <- message },
		OnTyping:  func(isTyping bool) { end.typing <- isTyping },
		OnStateChange: func(state LinkState) {
			select {
			case end.states <- state:
			default:
			}
		},
		OnError: func(err error) {
			select {
			case end.errs <- err:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("NewLink(%s): %v", local, err)
	}
	end.link = link
	t.Cleanup(link.Close)
	return end
}

// pumpSignals forwards one direction of the signal exchange.
// Candidates trickle from a gathering goroutine and can outrace the
// description on the channel, so they are held until the offer or
// answer has been applied.
func pumpSignals(from, to *linkEnd, done <-chan struct{}) {
	descriptionSeen := false
	var held []protocol.Signal
	for {
		select {
		case <-done:
			return
		case signal := <-from.signals:
			if signal.Type == protocol.SignalCandidate && !descriptionSeen {
				held = append(held, signal)
				continue
			}
			to.link.HandleSignal(signal)
			if !descriptionSeen && signal.Type != protocol.SignalCandidate {
				descriptionSeen = true
				for _, h := range held {
					to.link.HandleSignal(h)
				}
				held = nil
			}
		}
	}
}

// connectPair negotiates a live link pair over loopback.
func connectPair(t *testing.T) (alice, bob *linkEnd) {
	t.Helper()
	alice = newLinkEnd(t, "alice", "bob", true)
	bob = newLinkEnd(t, "bob", "alice", false)

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go pumpSignals(alice, bob, done)
	go pumpSignals(bob, alice, done)

	if err := alice.link.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, alice, StateConnected)
	waitForState(t, bob, StateConnected)
	return alice, bob
}

func waitForState(t *testing.T, end *linkEnd, want LinkState) {
	t.Helper()
	for {
		state := testutil.RequireReceive(t, end.states, linkTestTimeout,
			"waiting for %s state on %s", want, end.link.config.LocalUsername)
		if state == want {
			return
		}
		if state == StateFailed || state == StateClosed {
			t.Fatalf("link reached %s while waiting for %s", state, want)
		}
	}
}

func TestLinkPairExchangesFrames(t *testing.T) {
	alice, bob := connectPair(t)

	sent := Message{
		ID:       testutil.UniqueID("msg"),
		SenderID: "alice",
		Type:     MessageTypeText,
		Content:  "hello bob",
	}
	if err := alice.link.SendMessage(sent); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	received := testutil.RequireReceive(t, bob.messages, linkTestTimeout, "waiting for message")
	if received.Content != sent.Content || received.ID != sent.ID {
		t.Errorf("received %+v, want content %q id %q", received, sent.Content, sent.ID)
	}

	if err := bob.link.SendTyping(true); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	if isTyping := testutil.RequireReceive(t, alice.typing, linkTestTimeout, "waiting for typing"); !isTyping {
		t.Error("typing = false, want true")
	}
	if err := bob.link.SendTyping(false); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	if isTyping := testutil.RequireReceive(t, alice.typing, linkTestTimeout, "waiting for typing stop"); isTyping {
		t.Error("typing = true, want false")
	}
}

func TestLinkQueuesFramesUntilChannelOpens(t *testing.T) {
	alice := newLinkEnd(t, "alice", "bob", true)
	bob := newLinkEnd(t, "bob", "alice", false)

	// Queued before negotiation even starts. Several frames, so the
	// flush order is observable.
	var contents []string
	for i := 0; i < 8; i++ {
		content := fmt.Sprintf("queued %02d", i)
		message := Message{ID: testutil.UniqueID("msg"), Content: content}
		if err := alice.link.SendMessage(message); err != nil {
			t.Fatalf("SendMessage before open: %v", err)
		}
		contents = append(contents, content)
	}
	if queued := alice.link.QueuedFrames(); queued != len(contents) {
		t.Fatalf("QueuedFrames = %d, want %d", queued, len(contents))
	}

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go pumpSignals(alice, bob, done)
	go pumpSignals(bob, alice, done)
	if err := alice.link.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The flush preserves enqueue order.
	for i, want := range contents {
		received := testutil.RequireReceive(t, bob.messages, linkTestTimeout,
			"waiting for queued message %d", i)
		if received.Content != want {
			t.Errorf("message %d = %q, want %q", i, received.Content, want)
		}
	}
	if queued := alice.link.QueuedFrames(); queued != 0 {
		t.Errorf("QueuedFrames after flush = %d, want 0", queued)
	}
}

func TestLinkMalformedFrameKeepsConnection(t *testing.T) {
	alice, bob := connectPair(t)

	bob.link.handleFrame(webrtc.DataChannelMessage{Data: []byte("{not json")})

	testutil.RequireReceive(t, bob.errs, linkTestTimeout, "waiting for frame error")
	if state := bob.link.State(); state != StateConnected {
		t.Errorf("state after malformed frame = %s, want connected", state)
	}

	// The link still carries traffic.
	sent := Message{ID: testutil.UniqueID("msg"), Type: MessageTypeText, Content: "still here"}
	if err := alice.link.SendMessage(sent); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	received := testutil.RequireReceive(t, bob.messages, linkTestTimeout, "waiting for message")
	if received.Content != sent.Content {
		t.Errorf("received %q, want %q", received.Content, sent.Content)
	}
}

func TestLinkCloseIsTerminalAndIdempotent(t *testing.T) {
	end := newLinkEnd(t, "alice", "bob", true)

	end.link.Close()
	end.link.Close()

	if state := end.link.State(); state != StateClosed {
		t.Errorf("State after Close = %s, want closed", state)
	}
	if err := end.link.SendMessage(Message{Content: "late"}); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("SendMessage after Close = %v, want ErrLinkClosed", err)
	}
	if err := end.link.HandleSignal(protocol.Signal{Type: protocol.SignalOffer}); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("HandleSignal after Close = %v, want ErrLinkClosed", err)
	}
	if queued := end.link.QueuedFrames(); queued != 0 {
		t.Errorf("QueuedFrames after Close = %d, want 0", queued)
	}
}

func TestLinkFailReportsCause(t *testing.T) {
	end := newLinkEnd(t, "alice", "bob", true)
	if err := end.link.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStartState(t, end, StateConnecting)

	end.link.Fail(ErrConnectionTimeout)

	cause := testutil.RequireReceive(t, end.errs, linkTestTimeout, "waiting for failure cause")
	if !errors.Is(cause, ErrConnectionTimeout) {
		t.Errorf("failure cause = %v, want ErrConnectionTimeout", cause)
	}
	if state := end.link.State(); state != StateFailed {
		t.Errorf("State after Fail = %s, want failed", state)
	}
	if err := end.link.SendMessage(Message{Content: "late"}); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("SendMessage after Fail = %v, want ErrLinkClosed", err)
	}
}

func waitForStartState(t *testing.T, end *linkEnd, want LinkState) {
	t.Helper()
	state := testutil.RequireReceive(t, end.states, linkTestTimeout, "waiting for %s", want)
	if state != want {
		t.Fatalf("state = %s, want %s", state, want)
	}
}

func TestLinkRejectsUnknownSignalType(t *testing.T) {
	end := newLinkEnd(t, "alice", "bob", true)

	if err := end.link.HandleSignal(protocol.Signal{Type: "renegotiate"}); err == nil {
		t.Error("HandleSignal with unknown type succeeded, want error")
	}
}
