// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/ephemerachat/ephemera/lib/clock"
	"github.com/ephemerachat/ephemera/protocol"
	"github.com/ephemerachat/ephemera/session"
)

const (
	// DefaultMaxPeers caps simultaneous peer links.
	DefaultMaxPeers = 10
	// DefaultConnectTimeout bounds how long a link may sit in the
	// connecting state before it is failed.
	DefaultConnectTimeout = 15 * time.Second
	// DefaultReconnectDelay is the base reconnect backoff. Attempt n
	// waits DefaultReconnectDelay << n.
	DefaultReconnectDelay = 5 * time.Second
	// DefaultMaxReconnectAttempts bounds the backoff schedule. After
	// the budget is spent the connection is removed.
	DefaultMaxReconnectAttempts = 5
	// DefaultDeliveryDelay is how long after a successful channel send
	// a pending message is promoted to sent.
	DefaultDeliveryDelay = 150 * time.Millisecond
	// DefaultMaxMessageLength bounds outbound message content bytes.
	DefaultMaxMessageLength = 64 * 1024
)

// ManagerConfig configures a Manager. Signaler is required; every
// other field has a usable default (Store and Sink default to no-ops).
type ManagerConfig struct {
	// LocalUsername is this side's registered identity.
	LocalUsername string

	// Signaler carries negotiation signals to remote peers, typically
	// a *session.Client.
	Signaler SignalSender

	// Store persists messages and their delivery status.
	Store MessageStore
	// Sink observes connection and typing projection changes.
	Sink ProjectionSink
	// OnMessageReceived observes inbound messages after they are
	// stored.
	OnMessageReceived func(message Message)

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Clock drives every timer. If nil, the real clock is used.
	Clock clock.Clock

	MaxPeers             int
	ConnectTimeout       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	DeliveryDelay        time.Duration
	MaxMessageLength     int

	// ICEServers and ChannelLabel are passed through to each link.
	ICEServers   []webrtc.ICEServer
	ChannelLabel string
}

// Manager owns every peer link for one local identity: dialing,
// inbound offers, reconnect backoff, message framing and delivery
// status, and the connection projection the UI renders from.
//
// Reconnection is initiator-only. When a responder link drops, the
// manager removes it — the sink sees a removal, not retry attempts —
// and the remote initiator's redial arrives as a fresh offer that
// recreates it.
type Manager struct {
	config ManagerConfig
	logger *slog.Logger
	clk    clock.Clock

	mu        sync.Mutex
	destroyed bool
	relay     *session.Client
	links     map[string]*Link
	conns     map[string]*Connection
	attempts  map[string]int
	// connectTimers and reconnectTimers are keyed by remote username,
	// deliveryTimers by message ID.
	connectTimers   map[string]*clock.Timer
	reconnectTimers map[string]*clock.Timer
	deliveryTimers  map[string]*clock.Timer
}

// NewManager creates a Manager. The zero values of the tunables are
// replaced with the package defaults.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.LocalUsername == "" {
		return nil, fmt.Errorf("peer: ManagerConfig.LocalUsername is required")
	}
	if config.Signaler == nil {
		return nil, fmt.Errorf("peer: ManagerConfig.Signaler is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.MaxPeers == 0 {
		config.MaxPeers = DefaultMaxPeers
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if config.DeliveryDelay == 0 {
		config.DeliveryDelay = DefaultDeliveryDelay
	}
	if config.MaxMessageLength == 0 {
		config.MaxMessageLength = DefaultMaxMessageLength
	}

	return &Manager{
		config:          config,
		logger:          config.Logger.With("component", "peer-manager"),
		clk:             config.Clock,
		links:           make(map[string]*Link),
		conns:           make(map[string]*Connection),
		attempts:        make(map[string]int),
		connectTimers:   make(map[string]*clock.Timer),
		reconnectTimers: make(map[string]*clock.Timer),
		deliveryTimers:  make(map[string]*clock.Timer),
	}, nil
}

// BindRelay subscribes the manager to the relay events it consumes:
// inbound signals, peer presence transitions, and relayed typing.
// Destroy unsubscribes.
func (m *Manager) BindRelay(client *session.Client) {
	m.mu.Lock()
	m.relay = client
	m.mu.Unlock()

	client.Subscribe(session.Handlers{
		PrivateSignal:    m.HandleInboundSignal,
		UserReconnected:  m.handlePeerReconnected,
		UserDisconnected: m.handlePeerDisconnected,
		UserOffline:      m.handlePeerOffline,
		TypingStart: func(username string) {
			m.sinkTyping(username, true)
		},
		TypingStop: func(username string) {
			m.sinkTyping(username, false)
		},
	})
}

// ConnectToUser starts an outbound connection attempt to username. A
// link that is already connected is left alone; one in any other
// state is closed and replaced with a fresh initiator.
func (m *Manager) ConnectToUser(username string) error {
	if username == "" || username == m.config.LocalUsername {
		return ErrInvalidTarget
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	stale := m.links[username]
	if stale != nil && stale.State() == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if stale == nil && m.activePeerCountLocked() >= m.config.MaxPeers {
		m.mu.Unlock()
		return ErrTooManyPeers
	}
	link, err := m.installLinkLocked(username, true)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if stale != nil {
		stale.Close()
	}
	if err := link.Start(); err != nil {
		// Fail routes the error through the state machine, which
		// schedules the backoff retries.
		link.Fail(err)
		return err
	}
	return nil
}

// HandleInboundSignal routes one negotiation signal from the relay.
// An offer from an unknown peer creates a responder link; anything
// else without a link is dropped.
func (m *Manager) HandleInboundSignal(fromUsername string, signal protocol.Signal) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}

	link, ok := m.links[fromUsername]
	if ok && signal.Type == protocol.SignalOffer && link.IsInitiator() && link.State() != StateConnected {
		// Offer glare: both sides dialed at once. The
		// lexicographically smaller username keeps its offer, the
		// other side yields and answers.
		if m.config.LocalUsername < fromUsername {
			m.mu.Unlock()
			m.logger.Debug("ignoring crossed offer", "peer", fromUsername)
			return
		}
		stale := link
		var err error
		link, err = m.installLinkLocked(fromUsername, false)
		m.mu.Unlock()
		if err != nil {
			m.logger.Warn("replacing crossed link failed", "peer", fromUsername, "error", err)
			return
		}
		stale.Close()
		m.mu.Lock()
	} else if !ok {
		if signal.Type != protocol.SignalOffer {
			m.mu.Unlock()
			m.logger.Debug("dropping signal without link",
				"peer", fromUsername,
				"type", signal.Type,
			)
			return
		}
		if m.activePeerCountLocked() >= m.config.MaxPeers {
			m.mu.Unlock()
			m.logger.Warn("rejecting inbound offer, peer limit reached", "peer", fromUsername)
			return
		}
		var err error
		link, err = m.installLinkLocked(fromUsername, false)
		if err != nil {
			m.mu.Unlock()
			m.logger.Warn("creating responder link failed", "peer", fromUsername, "error", err)
			return
		}
	}
	m.mu.Unlock()

	if err := link.HandleSignal(signal); err != nil {
		m.logger.Warn("applying signal failed",
			"peer", fromUsername,
			"type", signal.Type,
			"error", err,
		)
	}
}

// SendMessage frames content for username, records it as pending, and
// sends it over the connected link. The pending record is promoted to
// sent after the delivery delay, or to failed if the channel rejects
// the frame.
func (m *Manager) SendMessage(username, messageType, content string, metadata map[string]any) (Message, error) {
	if content == "" || len(content) > m.config.MaxMessageLength {
		return Message{}, ErrInvalidMessage
	}
	if messageType == "" {
		messageType = MessageTypeText
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return Message{}, ErrDestroyed
	}
	link, ok := m.links[username]
	m.mu.Unlock()
	if !ok {
		return Message{}, ErrNoConnection
	}
	if link.State() != StateConnected {
		return Message{}, ErrNotConnected
	}

	message := Message{
		ID:             uuid.NewString(),
		ConversationID: username,
		SenderID:       m.config.LocalUsername,
		Type:           messageType,
		Content:        content,
		Metadata:       metadata,
		Timestamp:      m.clk.Now(),
		Status:         StatusPending,
	}
	m.saveMessage(message)

	if err := link.SendMessage(message); err != nil {
		m.updateStatus(message.ID, StatusFailed)
		message.Status = StatusFailed
		return message, err
	}

	m.mu.Lock()
	if !m.destroyed {
		id := message.ID
		m.deliveryTimers[id] = m.clk.AfterFunc(m.config.DeliveryDelay, func() {
			m.promoteToSent(id)
		})
	}
	m.mu.Unlock()
	return message, nil
}

// SendTyping sends a typing indicator to username over the direct
// link. It reports false when no connected link exists; callers fall
// back to the relay in that case.
func (m *Manager) SendTyping(username string, isTyping bool) bool {
	m.mu.Lock()
	link, ok := m.links[username]
	m.mu.Unlock()
	if !ok || link.State() != StateConnected {
		return false
	}
	if err := link.SendTyping(isTyping); err != nil {
		m.logger.Debug("typing send failed", "peer", username, "error", err)
		return false
	}
	return true
}

// DisconnectFromUser tears down the link to username and removes the
// connection record.
func (m *Manager) DisconnectFromUser(username string) {
	m.removeConnection(username)
}

// DisconnectAll tears down every link.
func (m *Manager) DisconnectAll() {
	for _, conn := range m.Connections() {
		m.removeConnection(conn.Username)
	}
}

// Connections returns a snapshot of every tracked connection, sorted
// by username.
func (m *Manager) Connections() []Connection {
	m.mu.Lock()
	snapshot := make([]Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		snapshot = append(snapshot, *conn)
	}
	m.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].Username < snapshot[j].Username
	})
	return snapshot
}

// Connection returns the tracked connection for username.
func (m *Manager) Connection(username string) (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[username]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// Destroy tears down every link, cancels every timer, and detaches
// from the relay. The manager rejects all operations afterwards.
// Idempotent.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	relay := m.relay
	m.relay = nil

	links := m.links
	m.links = make(map[string]*Link)
	m.conns = make(map[string]*Connection)
	for _, timer := range m.connectTimers {
		timer.Stop()
	}
	for _, timer := range m.reconnectTimers {
		timer.Stop()
	}
	for _, timer := range m.deliveryTimers {
		timer.Stop()
	}
	m.connectTimers = make(map[string]*clock.Timer)
	m.reconnectTimers = make(map[string]*clock.Timer)
	m.deliveryTimers = make(map[string]*clock.Timer)
	m.mu.Unlock()

	if relay != nil {
		relay.Unsubscribe()
	}
	for _, link := range links {
		link.Close()
	}
	m.logger.Info("peer manager destroyed", "links", len(links))
}

// installLinkLocked creates a link to username, replaces any map
// entry, records the connection, and arms the connect timeout. The
// caller holds m.mu and must call Start (initiator) or HandleSignal
// (responder) after unlocking.
func (m *Manager) installLinkLocked(username string, initiator bool) (*Link, error) {
	var link *Link
	created, err := NewLink(LinkConfig{
		LocalUsername:  m.config.LocalUsername,
		RemoteUsername: username,
		Initiator:      initiator,
		ICEServers:     m.config.ICEServers,
		ChannelLabel:   m.config.ChannelLabel,
		Logger:         m.logger,
		SendSignal: func(signal protocol.Signal) bool {
			return m.config.Signaler.SendSignal(username, signal)
		},
		OnMessage: func(message Message) {
			m.handleInboundMessage(username, message)
		},
		OnTyping: func(isTyping bool) {
			m.sinkTyping(username, isTyping)
		},
		OnStateChange: func(state LinkState) {
			m.handleLinkState(username, link, state)
		},
		OnError: func(err error) {
			m.logger.Warn("link error", "peer", username, "error", err)
		},
	})
	if err != nil {
		return nil, err
	}
	link = created

	m.links[username] = link
	conn, ok := m.conns[username]
	if !ok {
		conn = &Connection{Username: username}
		m.conns[username] = conn
	}
	conn.State = StateNew
	conn.IsInitiator = initiator
	conn.ConnectedAt = nil

	m.stopTimerLocked(m.reconnectTimers, username)
	if timer, ok := m.connectTimers[username]; ok {
		timer.Stop()
	}
	m.connectTimers[username] = m.clk.AfterFunc(m.config.ConnectTimeout, func() {
		m.handleConnectTimeout(username, link)
	})
	return link, nil
}

// handleLinkState is each link's OnStateChange callback. Transitions
// from a link that has been replaced or removed are ignored.
func (m *Manager) handleLinkState(username string, link *Link, state LinkState) {
	m.mu.Lock()
	if m.destroyed || m.links[username] != link {
		m.mu.Unlock()
		return
	}
	conn := m.conns[username]
	conn.State = state

	switch state {
	case StateConnected:
		m.stopTimerLocked(m.connectTimers, username)
		m.stopTimerLocked(m.reconnectTimers, username)
		m.attempts[username] = 0
		now := m.clk.Now()
		conn.ConnectedAt = &now

	case StateDisconnected, StateFailed:
		m.stopTimerLocked(m.connectTimers, username)
		conn.ConnectedAt = nil
		if !link.IsInitiator() {
			// The initiator owns reconnection; the responder drops
			// the record and waits for a fresh offer.
			m.removeLocked(username)
			m.mu.Unlock()
			m.sinkRemoved(username)
			link.Close()
			return
		}
		if removed := m.scheduleReconnectLocked(username); removed {
			m.mu.Unlock()
			m.sinkRemoved(username)
			link.Close()
			return
		}

	case StateClosed:
		// Teardown paths do their own bookkeeping before closing.
		m.mu.Unlock()
		return
	}

	snapshot := *conn
	m.mu.Unlock()
	m.sinkUpdated(snapshot)
}

// handleConnectTimeout fails a link that is still negotiating when
// the connect timer fires.
func (m *Manager) handleConnectTimeout(username string, link *Link) {
	m.mu.Lock()
	if m.destroyed || m.links[username] != link {
		m.mu.Unlock()
		return
	}
	delete(m.connectTimers, username)
	m.mu.Unlock()

	if state := link.State(); state == StateConnected || state == StateClosed {
		return
	}
	m.logger.Warn("connection attempt timed out", "peer", username)
	link.Fail(ErrConnectionTimeout)
}

// scheduleReconnectLocked arms the next backoff retry for username.
// It reports true when the attempt budget is spent and the connection
// was removed instead. The caller holds m.mu.
func (m *Manager) scheduleReconnectLocked(username string) (removed bool) {
	attempt := m.attempts[username]
	if attempt >= m.config.MaxReconnectAttempts {
		m.logger.Warn("reconnect budget exhausted",
			"peer", username,
			"attempts", attempt,
		)
		m.removeLocked(username)
		return true
	}
	m.attempts[username] = attempt + 1
	delay := m.config.ReconnectDelay << attempt

	m.stopTimerLocked(m.reconnectTimers, username)
	m.reconnectTimers[username] = m.clk.AfterFunc(delay, func() {
		m.retryConnect(username)
	})
	m.logger.Info("reconnect scheduled",
		"peer", username,
		"attempt", attempt+1,
		"delay", delay,
	)
	return false
}

// retryConnect replaces a broken link with a fresh initiator link.
func (m *Manager) retryConnect(username string) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	delete(m.reconnectTimers, username)
	stale, ok := m.links[username]
	if !ok {
		m.mu.Unlock()
		return
	}
	link, err := m.installLinkLocked(username, true)
	if err != nil {
		removed := m.scheduleReconnectLocked(username)
		m.mu.Unlock()
		m.logger.Warn("reconnect link creation failed", "peer", username, "error", err)
		if removed {
			m.sinkRemoved(username)
			stale.Close()
		}
		return
	}
	m.mu.Unlock()

	stale.Close()
	if err := link.Start(); err != nil {
		link.Fail(err)
	}
}

// handleInboundMessage stores one received message and notifies the
// observer. The sender's message ID is replaced so IDs are unique per
// store, and the status is recorded as delivered.
func (m *Manager) handleInboundMessage(fromUsername string, message Message) {
	message.ID = uuid.NewString()
	message.ConversationID = fromUsername
	message.SenderID = fromUsername
	message.Status = StatusDelivered
	if message.Timestamp.IsZero() {
		message.Timestamp = m.clk.Now()
	}
	m.saveMessage(message)

	m.mu.Lock()
	callback := m.config.OnMessageReceived
	destroyed := m.destroyed
	m.mu.Unlock()
	if destroyed || callback == nil {
		return
	}
	callback(message)
}

// handlePeerReconnected resets the backoff for a peer whose relay
// registration came back and, when this side initiated, redials with
// a fresh link.
func (m *Manager) handlePeerReconnected(username string) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	stale, ok := m.links[username]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.attempts[username] = 0
	m.stopTimerLocked(m.reconnectTimers, username)
	initiator := stale.IsInitiator()
	if !initiator {
		// The remote side will re-offer; drop the dead link so the
		// fresh offer creates a clean responder.
		m.removeLocked(username)
		m.mu.Unlock()
		m.sinkRemoved(username)
		stale.Close()
		return
	}
	link, err := m.installLinkLocked(username, true)
	if err != nil {
		m.removeLocked(username)
		m.mu.Unlock()
		m.logger.Warn("redial after peer reconnect failed", "peer", username, "error", err)
		m.sinkRemoved(username)
		stale.Close()
		return
	}
	m.mu.Unlock()

	stale.Close()
	if err := link.Start(); err != nil {
		link.Fail(err)
	}
}

// handlePeerDisconnected marks a peer whose relay session dropped.
// Reconnect timers are stopped because signaling is impossible until
// the peer re-registers; the link itself may survive on the direct
// path and keeps carrying frames if it does.
func (m *Manager) handlePeerDisconnected(username string) {
	m.mu.Lock()
	conn, ok := m.conns[username]
	if !ok || m.destroyed {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked(m.reconnectTimers, username)
	if conn.State != StateConnected {
		conn.State = StateDisconnected
	}
	snapshot := *conn
	m.mu.Unlock()
	m.sinkUpdated(snapshot)
	m.sinkTyping(username, false)
}

// handlePeerOffline removes the connection for a peer evicted from
// the relay after the grace window.
func (m *Manager) handlePeerOffline(username string) {
	m.removeConnection(username)
}

// removeConnection tears down username's link (if any) and emits the
// removal exactly once.
func (m *Manager) removeConnection(username string) {
	m.mu.Lock()
	link := m.links[username]
	_, tracked := m.conns[username]
	m.removeLocked(username)
	m.mu.Unlock()

	if link != nil {
		link.Close()
	}
	if tracked {
		m.sinkRemoved(username)
	}
}

// removeLocked drops all per-peer bookkeeping. The caller holds m.mu
// and is responsible for closing the link and notifying the sink.
func (m *Manager) removeLocked(username string) {
	delete(m.links, username)
	delete(m.conns, username)
	delete(m.attempts, username)
	m.stopTimerLocked(m.connectTimers, username)
	m.stopTimerLocked(m.reconnectTimers, username)
}

// promoteToSent flips a pending message to sent when the delivery
// delay elapses.
func (m *Manager) promoteToSent(messageID string) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	delete(m.deliveryTimers, messageID)
	m.mu.Unlock()
	m.updateStatus(messageID, StatusSent)
}

func (m *Manager) activePeerCountLocked() int {
	count := 0
	for _, link := range m.links {
		state := link.State()
		if state != StateFailed && state != StateClosed {
			count++
		}
	}
	return count
}

func (m *Manager) stopTimerLocked(timers map[string]*clock.Timer, key string) {
	if timer, ok := timers[key]; ok {
		timer.Stop()
		delete(timers, key)
	}
}

func (m *Manager) saveMessage(message Message) {
	if m.config.Store == nil {
		return
	}
	if err := m.config.Store.Save(message); err != nil {
		m.logger.Error("saving message failed", "message", message.ID, "error", err)
	}
}

func (m *Manager) updateStatus(messageID string, status MessageStatus) {
	if m.config.Store == nil {
		return
	}
	if err := m.config.Store.UpdateStatus(messageID, status); err != nil {
		m.logger.Error("updating message status failed",
			"message", messageID,
			"status", string(status),
			"error", err,
		)
	}
}

func (m *Manager) sinkUpdated(conn Connection) {
	if m.config.Sink != nil {
		m.config.Sink.ConnectionUpdated(conn)
	}
}

func (m *Manager) sinkRemoved(username string) {
	if m.config.Sink != nil {
		m.config.Sink.ConnectionRemoved(username)
	}
	m.sinkTyping(username, false)
}

func (m *Manager) sinkTyping(username string, isTyping bool) {
	if m.config.Sink != nil {
		m.config.Sink.TypingChanged(username, isTyping)
	}
}
