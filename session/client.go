// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ephemerachat/ephemera/lib/clock"
	"github.com/ephemerachat/ephemera/protocol"
)

const (
	// DefaultReconnectDelay is the first relay-link redial delay. The
	// delay doubles per attempt up to DefaultReconnectDelayMax.
	DefaultReconnectDelay = time.Second

	// DefaultReconnectDelayMax caps the relay-link redial delay.
	DefaultReconnectDelayMax = 5 * time.Second

	// DefaultMaxReconnectAttempts bounds relay-link redials before the
	// client gives up and reports ReconnectFailed.
	DefaultMaxReconnectAttempts = 5

	writeWait = 10 * time.Second
)

// ErrNotConnected is returned by Connect when the websocket dial or
// registration send fails.
var ErrNotConnected = errors.New("session: not connected to relay")

// Handlers is the typed event subscription table. Each field is the
// single handler for its event; Subscribe replaces non-nil fields and
// never accumulates. Handlers are invoked from the client's read
// goroutine, one at a time.
type Handlers struct {
	// TransportConnected fires when the websocket is established,
	// before registration completes.
	TransportConnected func()
	// TransportDisconnected fires when the relay link drops for any
	// reason other than an explicit Disconnect.
	TransportDisconnected func(err error)

	RegisterSuccess func(protocol.RegisterSuccess)
	RegisterError   func(message string)

	PresenceList     func([]protocol.PresenceEntry)
	UserOnline       func(protocol.PresenceEntry)
	UserOffline      func(username string)
	UserReconnected  func(username string)
	UserDisconnected func(username string)

	PrivateSignal func(fromUsername string, signal protocol.Signal)
	TypingStart   func(fromUsername string)
	TypingStop    func(fromUsername string)

	// ConnectError fires when Connect fails to establish the link.
	ConnectError func(err error)
	// ReconnectAttempt fires before each relay-link redial, with the
	// 1-based attempt number.
	ReconnectAttempt func(attempt int)
	// ReconnectFailed fires after the attempt budget is exhausted.
	ReconnectFailed func()
}

// Config holds configuration for a session Client.
type Config struct {
	// ServerURL is the rendezvous websocket endpoint
	// (e.g., "ws://localhost:8000/ws").
	ServerURL string
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Clock drives reconnect delays. If nil, clock.Real() is used.
	Clock clock.Clock
	// Dialer overrides the websocket dialer. If nil,
	// websocket.DefaultDialer is used.
	Dialer *websocket.Dialer
	// ReconnectDelay, ReconnectDelayMax, and MaxReconnectAttempts
	// override the relay-link redial policy when positive.
	ReconnectDelay       time.Duration
	ReconnectDelayMax    time.Duration
	MaxReconnectAttempts int
}

// Client owns exactly one relay connection for one local identity.
// All methods are safe for concurrent use.
type Client struct {
	serverURL         string
	logger            *slog.Logger
	clock             clock.Clock
	dialer            *websocket.Dialer
	reconnectDelay    time.Duration
	reconnectDelayMax time.Duration
	maxReconnects     int

	mu         sync.Mutex
	handlers   Handlers
	identity   protocol.Identity
	registered bool
	connecting bool
	ws         *websocket.Conn
	// generation invalidates read and reconnect goroutines from
	// earlier connections. Disconnect bumps it.
	generation int

	writeMu sync.Mutex
}

// NewClient creates a session client. No connection is made until
// Connect.
func NewClient(config Config) (*Client, error) {
	if config.ServerURL == "" {
		return nil, fmt.Errorf("session: ServerURL is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	reconnectDelay := config.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	reconnectDelayMax := config.ReconnectDelayMax
	if reconnectDelayMax <= 0 {
		reconnectDelayMax = DefaultReconnectDelayMax
	}
	maxReconnects := config.MaxReconnectAttempts
	if maxReconnects <= 0 {
		maxReconnects = DefaultMaxReconnectAttempts
	}

	return &Client{
		serverURL:         config.ServerURL,
		logger:            logger,
		clock:             clk,
		dialer:            dialer,
		reconnectDelay:    reconnectDelay,
		reconnectDelayMax: reconnectDelayMax,
		maxReconnects:     maxReconnects,
	}, nil
}

// Subscribe installs handlers. Each non-nil field replaces the current
// handler for that event — one handler per event, always.
func (c *Client) Subscribe(handlers Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mergeHandlers(&c.handlers, handlers)
}

// Unsubscribe clears every handler.
func (c *Client) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = Handlers{}
}

// Connect establishes the relay link and registers the identity.
// Calling Connect while already connected as the same username is a
// no-op; a different username tears the existing link down first.
// Concurrent Connect calls are idempotent: the second call returns
// immediately while the first is still in flight.
//
// Registration completes asynchronously — subscribe to RegisterSuccess
// and RegisterError before calling Connect.
func (c *Client) Connect(ctx context.Context, identity protocol.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	identity = identity.Normalize()

	c.mu.Lock()
	if c.connecting {
		c.mu.Unlock()
		return nil
	}
	if c.ws != nil {
		if c.identity.Username == identity.Username {
			c.mu.Unlock()
			return nil
		}
		c.teardownLocked()
	}
	c.connecting = true
	c.identity = identity
	generation := c.generation
	c.mu.Unlock()

	err := c.dialAndRegister(ctx, generation)

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()

	if err != nil {
		c.emit(func(h Handlers) {
			if h.ConnectError != nil {
				h.ConnectError(err)
			}
		})
		return err
	}
	return nil
}

// IsConnected reports whether the relay link is up and registration
// has completed.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil && c.registered
}

// Username returns the identity the client is connected as, or "".
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ""
	}
	return c.identity.Username
}

// SendSignal relays a negotiation signal to another identity. Returns
// false immediately when the relay link is down; signals are never
// queued at this layer.
func (c *Client) SendSignal(toUsername string, signal protocol.Signal) bool {
	return c.writeEvent(protocol.EventSignalPrivate, protocol.PrivateSignal{
		ToUsername: toUsername,
		Signal:     signal,
	})
}

// StartTyping tells the relay the local user is typing to toUsername.
// Fire-and-forget; false when the link is down.
func (c *Client) StartTyping(toUsername string) bool {
	return c.writeEvent(protocol.EventTypingStart, toUsername)
}

// StopTyping clears the typing indicator for toUsername.
func (c *Client) StopTyping(toUsername string) bool {
	return c.writeEvent(protocol.EventTypingStop, toUsername)
}

// Disconnect detaches all handlers, closes the transport, and resets
// state so a later Connect (same or different identity) starts clean.
// Safe to call at any time, including repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.handlers = Handlers{}
	c.teardownLocked()
	c.identity = protocol.Identity{}
	c.connecting = false
	c.mu.Unlock()
}

// teardownLocked closes the websocket and invalidates outstanding
// read/reconnect goroutines. Caller holds c.mu.
func (c *Client) teardownLocked() {
	c.generation++
	c.registered = false
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
}

// dialAndRegister opens the websocket and sends the register frame.
// On success the read loop is running and will surface events.
func (c *Client) dialAndRegister(ctx context.Context, generation int) error {
	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		return ErrNotConnected
	}
	identity := c.identity
	c.mu.Unlock()

	ws, _, err := c.dialer.DialContext(ctx, c.serverURL, nil)
	if err != nil {
		return fmt.Errorf("session: dialing relay %s: %w", c.serverURL, err)
	}

	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		ws.Close()
		return ErrNotConnected
	}
	c.ws = ws
	c.mu.Unlock()

	c.emit(func(h Handlers) {
		if h.TransportConnected != nil {
			h.TransportConnected()
		}
	})

	if !c.writeEventConn(ws, protocol.EventRegister, identity) {
		c.mu.Lock()
		if c.ws == ws {
			c.teardownLocked()
		}
		c.mu.Unlock()
		return fmt.Errorf("session: sending register frame: %w", ErrNotConnected)
	}

	go c.readLoop(ws, generation)
	return nil
}

// readLoop consumes relay frames until the websocket errors, then
// enters the reconnect path unless the connection was superseded.
func (c *Client) readLoop(ws *websocket.Conn, generation int) {
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			c.handleLinkDown(ws, generation, err)
			return
		}

		var envelope protocol.Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			c.logger.Warn("malformed relay frame", "error", err)
			continue
		}
		c.dispatch(envelope)
	}
}

func (c *Client) dispatch(envelope protocol.Envelope) {
	switch envelope.Event {
	case protocol.EventRegisterSuccess:
		var success protocol.RegisterSuccess
		if envelope.DecodeData(&success) != nil {
			return
		}
		c.mu.Lock()
		c.registered = true
		c.mu.Unlock()
		c.emit(func(h Handlers) {
			if h.RegisterSuccess != nil {
				h.RegisterSuccess(success)
			}
		})

	case protocol.EventRegisterError:
		var errorMessage protocol.ErrorMessage
		if envelope.DecodeData(&errorMessage) != nil {
			return
		}
		// A rejected registration is terminal for this attempt; the
		// caller must Connect again with a corrected identity.
		c.mu.Lock()
		c.teardownLocked()
		c.mu.Unlock()
		c.emit(func(h Handlers) {
			if h.RegisterError != nil {
				h.RegisterError(errorMessage.Message)
			}
		})

	case protocol.EventUserList:
		var entries []protocol.PresenceEntry
		if envelope.DecodeData(&entries) != nil {
			return
		}
		c.emit(func(h Handlers) {
			if h.PresenceList != nil {
				h.PresenceList(entries)
			}
		})

	case protocol.EventUserOnline:
		var entry protocol.PresenceEntry
		if envelope.DecodeData(&entry) != nil {
			return
		}
		c.emit(func(h Handlers) {
			if h.UserOnline != nil {
				h.UserOnline(entry)
			}
		})

	case protocol.EventUserOffline:
		c.dispatchUserRef(envelope, func(h Handlers) func(string) { return h.UserOffline })

	case protocol.EventUserReconnected:
		c.dispatchUserRef(envelope, func(h Handlers) func(string) { return h.UserReconnected })

	case protocol.EventUserDisconnect:
		c.dispatchUserRef(envelope, func(h Handlers) func(string) { return h.UserDisconnected })

	case protocol.EventPrivateSignal:
		var signal protocol.PrivateSignal
		if envelope.DecodeData(&signal) != nil {
			return
		}
		c.emit(func(h Handlers) {
			if h.PrivateSignal != nil {
				h.PrivateSignal(signal.FromUsername, signal.Signal)
			}
		})

	case protocol.EventSignalError:
		var signalError protocol.SignalError
		if envelope.DecodeData(&signalError) != nil {
			return
		}
		// Relay errors are local to the single call and never retried
		// here. The peer manager observes the missing answer via its
		// connection timeout.
		c.logger.Warn("signal relay failed",
			"target", signalError.Username,
			"message", signalError.Message,
		)

	case protocol.EventTypingStart:
		c.dispatchTyping(envelope, func(h Handlers) func(string) { return h.TypingStart })

	case protocol.EventTypingStop:
		c.dispatchTyping(envelope, func(h Handlers) func(string) { return h.TypingStop })

	case protocol.EventError:
		var errorMessage protocol.ErrorMessage
		if envelope.DecodeData(&errorMessage) != nil {
			return
		}
		c.logger.Warn("relay error", "message", errorMessage.Message)

	default:
		c.logger.Debug("unknown relay event", "event", envelope.Event)
	}
}

func (c *Client) dispatchUserRef(envelope protocol.Envelope, pick func(Handlers) func(string)) {
	var ref protocol.UserRef
	if envelope.DecodeData(&ref) != nil {
		return
	}
	c.emit(func(h Handlers) {
		if handler := pick(h); handler != nil {
			handler(ref.Username)
		}
	})
}

func (c *Client) dispatchTyping(envelope protocol.Envelope, pick func(Handlers) func(string)) {
	var typing protocol.TypingFrom
	if envelope.DecodeData(&typing) != nil {
		return
	}
	c.emit(func(h Handlers) {
		if handler := pick(h); handler != nil {
			handler(typing.FromUsername)
		}
	})
}

// handleLinkDown runs when the read loop exits. If the connection is
// still current (not superseded by Disconnect or a newer Connect), it
// reports the drop and drives bounded redials.
func (c *Client) handleLinkDown(ws *websocket.Conn, generation int, cause error) {
	c.mu.Lock()
	if generation != c.generation || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.registered = false
	c.mu.Unlock()

	c.emit(func(h Handlers) {
		if h.TransportDisconnected != nil {
			h.TransportDisconnected(cause)
		}
	})

	delay := c.reconnectDelay
	for attempt := 1; attempt <= c.maxReconnects; attempt++ {
		c.emit(func(h Handlers) {
			if h.ReconnectAttempt != nil {
				h.ReconnectAttempt(attempt)
			}
		})

		<-c.clock.After(delay)

		c.mu.Lock()
		if generation != c.generation {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		err := c.dialAndRegister(context.Background(), generation)
		if err == nil {
			c.logger.Info("relay link re-established", "attempt", attempt)
			return
		}
		c.logger.Warn("relay redial failed", "attempt", attempt, "error", err)

		delay *= 2
		if delay > c.reconnectDelayMax {
			delay = c.reconnectDelayMax
		}
	}

	c.emit(func(h Handlers) {
		if h.ReconnectFailed != nil {
			h.ReconnectFailed()
		}
	})
}

// writeEvent sends an envelope on the current connection. Returns
// false when no connection is up or the write fails.
func (c *Client) writeEvent(event string, data any) bool {
	c.mu.Lock()
	ws := c.ws
	registered := c.registered
	c.mu.Unlock()
	if ws == nil || !registered {
		return false
	}
	return c.writeEventConn(ws, event, data)
}

func (c *Client) writeEventConn(ws *websocket.Conn, event string, data any) bool {
	envelope, err := protocol.NewEnvelope(event, data)
	if err != nil {
		c.logger.Error("encoding relay event failed", "event", event, "error", err)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(envelope); err != nil {
		c.logger.Debug("relay write failed", "event", event, "error", err)
		return false
	}
	return true
}

// emit invokes fn with a snapshot of the handler table.
func (c *Client) emit(fn func(Handlers)) {
	c.mu.Lock()
	handlers := c.handlers
	c.mu.Unlock()
	fn(handlers)
}

// mergeHandlers copies each non-nil field of src over dst.
func mergeHandlers(dst *Handlers, src Handlers) {
	if src.TransportConnected != nil {
		dst.TransportConnected = src.TransportConnected
	}
	if src.TransportDisconnected != nil {
		dst.TransportDisconnected = src.TransportDisconnected
	}
	if src.RegisterSuccess != nil {
		dst.RegisterSuccess = src.RegisterSuccess
	}
	if src.RegisterError != nil {
		dst.RegisterError = src.RegisterError
	}
	if src.PresenceList != nil {
		dst.PresenceList = src.PresenceList
	}
	if src.UserOnline != nil {
		dst.UserOnline = src.UserOnline
	}
	if src.UserOffline != nil {
		dst.UserOffline = src.UserOffline
	}
	if src.UserReconnected != nil {
		dst.UserReconnected = src.UserReconnected
	}
	if src.UserDisconnected != nil {
		dst.UserDisconnected = src.UserDisconnected
	}
	if src.PrivateSignal != nil {
		dst.PrivateSignal = src.PrivateSignal
	}
	if src.TypingStart != nil {
		dst.TypingStart = src.TypingStart
	}
	if src.TypingStop != nil {
		dst.TypingStop = src.TypingStop
	}
	if src.ConnectError != nil {
		dst.ConnectError = src.ConnectError
	}
	if src.ReconnectAttempt != nil {
		dst.ReconnectAttempt = src.ReconnectAttempt
	}
	if src.ReconnectFailed != nil {
		dst.ReconnectFailed = src.ReconnectFailed
	}
}
