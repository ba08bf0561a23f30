// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ephemerachat/ephemera/lib/clock"
	"github.com/ephemerachat/ephemera/protocol"
)

const (
	// DefaultGraceWindow is how long an offline identity keeps its
	// presence slot before eviction.
	DefaultGraceWindow = 5 * time.Minute

	// DefaultSweepInterval is how often the safety-net sweep runs.
	DefaultSweepInterval = time.Minute

	// defaultMaxMessageSize bounds a single relay frame.
	defaultMaxMessageSize = 1 << 20

	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// pingPeriod is the websocket keepalive interval. Keepalive is a
	// transport concern, so it runs on the wall clock rather than the
	// injected one.
	pingPeriod = 30 * time.Second

	// sendBuffer is the per-connection outbound queue depth. A client
	// that falls further behind than this is closed.
	sendBuffer = 128
)

// Config holds configuration for a rendezvous Server.
type Config struct {
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Clock drives grace windows and sweeps. If nil, clock.Real() is used.
	Clock clock.Clock
	// GraceWindow overrides DefaultGraceWindow when positive.
	GraceWindow time.Duration
	// SweepInterval overrides DefaultSweepInterval when positive.
	SweepInterval time.Duration
	// MaxMessageSize bounds a single inbound frame when positive.
	MaxMessageSize int64
}

// Server is the rendezvous service: a presence registry plus an opaque
// signal relay over websockets.
type Server struct {
	logger         *slog.Logger
	clock          clock.Clock
	registry       *Registry
	graceWindow    time.Duration
	sweepInterval  time.Duration
	maxMessageSize int64
	upgrader       websocket.Upgrader

	mu          sync.Mutex
	sessions    map[string]*clientConn        // session id → connection
	graceTimers map[string]*clock.Timer       // username → pending eviction
	typing      map[string]map[string]struct{} // username → targets being typed to
	closed      bool
}

// NewServer creates a rendezvous server. Call Run to start the
// eviction sweep and mount Handler on an HTTP server.
func NewServer(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	graceWindow := config.GraceWindow
	if graceWindow <= 0 {
		graceWindow = DefaultGraceWindow
	}
	sweepInterval := config.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	maxMessageSize := config.MaxMessageSize
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}

	return &Server{
		logger:         logger,
		clock:          clk,
		registry:       NewRegistry(),
		graceWindow:    graceWindow,
		sweepInterval:  sweepInterval,
		maxMessageSize: maxMessageSize,
		upgrader: websocket.Upgrader{
			// Identities are anonymous and ephemeral; any origin may
			// connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions:    make(map[string]*clientConn),
		graceTimers: make(map[string]*clock.Timer),
		typing:      make(map[string]map[string]struct{}),
	}
}

// Registry exposes the presence store, primarily for tests and the
// health probe.
func (s *Server) Registry() *Registry { return s.registry }

// Handler returns the HTTP handler: a websocket endpoint at /ws and a
// read-only liveness probe at /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Run drives the periodic eviction sweep until ctx is cancelled. The
// sweep is a safety net: per-identity grace timers normally evict
// first, but a lost timer callback must not leak a registry entry.
func (s *Server) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// Close force-closes every client connection and cancels pending
// eviction timers. Safe to call more than once.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessions := make([]*clientConn, 0, len(s.sessions))
	for _, conn := range s.sessions {
		sessions = append(sessions, conn)
	}
	for username, timer := range s.graceTimers {
		timer.Stop()
		delete(s.graceTimers, username)
	}
	s.mu.Unlock()

	for _, conn := range sessions {
		conn.close()
	}
}

func (s *Server) handleHealth(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(map[string]any{
		"status":   "ok",
		"users":    s.registry.OnlineCount(),
		"registry": s.registry.Len(),
	})
}

func (s *Server) handleWebSocket(writer http.ResponseWriter, request *http.Request) {
	ws, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := &clientConn{
		id:      uuid.NewString(),
		ws:      ws,
		send:    make(chan protocol.Envelope, sendBuffer),
		closedC: make(chan struct{}),
	}
	ws.SetReadLimit(s.maxMessageSize)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.sessions[conn.id] = conn
	s.mu.Unlock()

	go conn.writeLoop(s.logger)
	s.readLoop(conn)
}

// readLoop runs in the connection's handler goroutine until the
// websocket errors, then performs disconnect handling.
func (s *Server) readLoop(conn *clientConn) {
	defer s.handleDisconnect(conn)

	for {
		_, payload, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		var envelope protocol.Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			s.logger.Warn("malformed relay frame", "session", conn.id, "error", err)
			continue
		}
		s.dispatch(conn, envelope)
	}
}

func (s *Server) dispatch(conn *clientConn, envelope protocol.Envelope) {
	switch envelope.Event {
	case protocol.EventRegister:
		s.handleRegister(conn, envelope)
	case protocol.EventSignalPrivate:
		s.handleSignalPrivate(conn, envelope)
	case protocol.EventTypingStart:
		s.handleTyping(conn, envelope, true)
	case protocol.EventTypingStop:
		s.handleTyping(conn, envelope, false)
	default:
		s.logger.Debug("unknown relay event", "event", envelope.Event, "session", conn.id)
	}
}

// handleRegister applies the registration rules: an invalid identity
// is rejected with register-error; a first-ever username broadcasts
// user-online to everyone else; a takeover force-closes the previous
// transport session (the original implementation left it to time out;
// closing it eagerly keeps one live session per username observable)
// and notifies related peers with user-reconnected. The reply is
// register-success plus the current presence list.
func (s *Server) handleRegister(conn *clientConn, envelope protocol.Envelope) {
	var identity protocol.Identity
	if err := envelope.DecodeData(&identity); err != nil {
		s.send(conn, protocol.EventRegisterError, protocol.ErrorMessage{Message: "Invalid username"})
		return
	}
	if err := identity.Validate(); err != nil {
		s.send(conn, protocol.EventRegisterError, protocol.ErrorMessage{Message: "Invalid username"})
		return
	}
	identity = identity.Normalize()
	username := identity.Username
	now := s.clock.Now()

	// A connection switching identities releases its old slot first.
	if previous := conn.setUsername(username); previous != "" && previous != username {
		s.releaseIdentity(conn, previous)
	}

	previous := s.registry.Register(identity, conn.id, now)
	s.cancelGraceTimer(username)

	if previous != nil {
		// Takeover: force-close the stale session, if it is a
		// different connection and still attached.
		if previous.SessionID != conn.id {
			s.mu.Lock()
			stale := s.sessions[previous.SessionID]
			s.mu.Unlock()
			if stale != nil {
				stale.close()
			}
		}
		for _, peer := range s.registry.Related(username) {
			s.sendToUser(peer, protocol.EventUserReconnected, protocol.UserRef{Username: username})
		}
	} else {
		// First-ever registration for this username.
		entry := protocol.PresenceEntry{
			Username:  identity.Username,
			Age:       identity.Age,
			Gender:    identity.Gender,
			Country:   identity.Country,
			Interests: identity.Interests,
			Status:    protocol.StatusOnline,
		}
		s.broadcast(protocol.EventUserOnline, entry, conn.id)
	}

	s.send(conn, protocol.EventRegisterSuccess, protocol.RegisterSuccess{
		Username:          username,
		ActiveConnections: s.registry.Related(username),
	})
	s.send(conn, protocol.EventUserList, s.registry.Snapshot())

	s.logger.Info("identity registered",
		"username", username,
		"session", conn.id,
		"takeover", previous != nil,
	)
}

func (s *Server) handleSignalPrivate(conn *clientConn, envelope protocol.Envelope) {
	from := conn.currentUsername()
	if from == "" {
		s.send(conn, protocol.EventError, protocol.ErrorMessage{Message: "Not registered"})
		return
	}

	var signal protocol.PrivateSignal
	if err := envelope.DecodeData(&signal); err != nil {
		s.send(conn, protocol.EventError, protocol.ErrorMessage{Message: "Malformed signal"})
		return
	}

	target, ok := s.registry.Lookup(signal.ToUsername)
	if !ok || target.Status != protocol.StatusOnline {
		s.send(conn, protocol.EventSignalError, protocol.SignalError{
			Message:  "user offline",
			Username: signal.ToUsername,
		})
		return
	}

	// Signaling establishes a relationship: both sides now care about
	// each other's disconnects and reconnects.
	s.registry.Relate(from, signal.ToUsername)

	s.sendToSession(target.SessionID, protocol.EventPrivateSignal, protocol.PrivateSignal{
		FromUsername: from,
		Signal:       signal.Signal,
	})
}

// handleTyping forwards typing indicators. They are fire-and-forget:
// an absent target produces no error.
func (s *Server) handleTyping(conn *clientConn, envelope protocol.Envelope, start bool) {
	from := conn.currentUsername()
	if from == "" {
		return
	}

	var target string
	if err := envelope.DecodeData(&target); err != nil {
		return
	}

	record, ok := s.registry.Lookup(target)
	if !ok || record.Status != protocol.StatusOnline {
		return
	}

	s.mu.Lock()
	if start {
		if s.typing[from] == nil {
			s.typing[from] = make(map[string]struct{})
		}
		s.typing[from][target] = struct{}{}
	} else if targets := s.typing[from]; targets != nil {
		delete(targets, target)
		if len(targets) == 0 {
			delete(s.typing, from)
		}
	}
	s.mu.Unlock()

	event := protocol.EventTypingStop
	if start {
		event = protocol.EventTypingStart
	}
	s.sendToSession(record.SessionID, event, protocol.TypingFrom{FromUsername: from})
}

// handleDisconnect runs when a connection's read loop ends. The
// identity's presence flips to offline immediately, but the registry
// entry survives for the grace window so a prompt reconnect keeps the
// slot. Only peers with an established relationship are told about the
// disconnect; the user-offline broadcast to everyone happens at
// eviction.
func (s *Server) handleDisconnect(conn *clientConn) {
	conn.close()

	s.mu.Lock()
	delete(s.sessions, conn.id)
	s.mu.Unlock()

	username := conn.currentUsername()
	if username == "" {
		return
	}
	s.releaseIdentity(conn, username)
}

// releaseIdentity performs offline handling for one username owned by
// conn. A takeover by a newer session leaves the record alone.
func (s *Server) releaseIdentity(conn *clientConn, username string) {
	record, ok := s.registry.Lookup(username)
	if !ok || record.SessionID != conn.id {
		return
	}
	if !s.registry.MarkOffline(username, s.clock.Now()) {
		return
	}

	s.mu.Lock()
	delete(s.typing, username)
	s.mu.Unlock()

	for _, peer := range s.registry.Related(username) {
		s.sendToUser(peer, protocol.EventUserDisconnect, protocol.UserRef{Username: username})
	}

	s.scheduleEviction(username)
	s.logger.Info("identity offline", "username", username, "grace", s.graceWindow)
}

func (s *Server) scheduleEviction(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if timer, ok := s.graceTimers[username]; ok {
		timer.Stop()
	}
	s.graceTimers[username] = s.clock.AfterFunc(s.graceWindow, func() {
		s.evict(username)
	})
}

func (s *Server) cancelGraceTimer(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.graceTimers[username]; ok {
		timer.Stop()
		delete(s.graceTimers, username)
	}
}

// evict purges an offline identity after its grace window and
// broadcasts user-offline to everyone. Eviction is a no-op when the
// identity re-registered in the meantime.
func (s *Server) evict(username string) {
	s.mu.Lock()
	delete(s.graceTimers, username)
	s.mu.Unlock()

	if !s.registry.Evict(username) {
		return
	}
	s.broadcast(protocol.EventUserOffline, protocol.UserRef{Username: username}, "")
	s.logger.Info("identity evicted", "username", username)
}

func (s *Server) sweep() {
	evicted := s.registry.SweepExpired(s.clock.Now(), s.graceWindow)
	for _, username := range evicted {
		s.cancelGraceTimer(username)
		s.broadcast(protocol.EventUserOffline, protocol.UserRef{Username: username}, "")
	}
	if len(evicted) > 0 {
		s.logger.Info("sweep evicted stale identities", "count", len(evicted))
	}
}

// send delivers an event to one connection.
func (s *Server) send(conn *clientConn, event string, data any) {
	envelope, err := protocol.NewEnvelope(event, data)
	if err != nil {
		s.logger.Error("encoding relay event failed", "event", event, "error", err)
		return
	}
	conn.enqueue(envelope)
}

// sendToSession delivers an event to the connection with the given
// session id, if it is still attached.
func (s *Server) sendToSession(sessionID, event string, data any) {
	s.mu.Lock()
	conn := s.sessions[sessionID]
	s.mu.Unlock()
	if conn != nil {
		s.send(conn, event, data)
	}
}

// sendToUser delivers an event to a username's current session when
// that user is online.
func (s *Server) sendToUser(username, event string, data any) {
	record, ok := s.registry.Lookup(username)
	if !ok || record.Status != protocol.StatusOnline {
		return
	}
	s.sendToSession(record.SessionID, event, data)
}

// broadcast delivers an event to every attached connection except the
// one identified by exceptID (empty means everyone).
func (s *Server) broadcast(event string, data any, exceptID string) {
	envelope, err := protocol.NewEnvelope(event, data)
	if err != nil {
		s.logger.Error("encoding relay broadcast failed", "event", event, "error", err)
		return
	}

	s.mu.Lock()
	targets := make([]*clientConn, 0, len(s.sessions))
	for id, conn := range s.sessions {
		if id != exceptID {
			targets = append(targets, conn)
		}
	}
	s.mu.Unlock()

	for _, conn := range targets {
		conn.enqueue(envelope)
	}
}

// clientConn wraps one websocket and coordinates outbound writes via
// a buffered channel so that relay handlers never block on a slow
// client.
type clientConn struct {
	id string
	ws *websocket.Conn

	send      chan protocol.Envelope
	closedC   chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	username string
}

// setUsername records the registered username, returning the previous
// one.
func (c *clientConn) setUsername(username string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous := c.username
	c.username = username
	return previous
}

func (c *clientConn) currentUsername() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// enqueue queues an envelope for delivery. A client whose buffer is
// full is closed to keep backpressure bounded.
func (c *clientConn) enqueue(envelope protocol.Envelope) {
	select {
	case <-c.closedC:
	case c.send <- envelope:
	default:
		c.close()
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.closedC)
		c.ws.Close()
	})
}

func (c *clientConn) writeLoop(logger *slog.Logger) {
	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	for {
		select {
		case <-c.closedC:
			return
		case envelope := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(envelope); err != nil {
				logger.Debug("relay write failed", "session", c.id, "error", err)
				c.close()
				return
			}
		case <-pinger.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
