// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/ephemerachat/ephemera/protocol"
)

// DefaultChannelLabel is the data channel label both sides expect.
const DefaultChannelLabel = "p2p-chat"

// maxChannelRetransmits bounds SCTP retransmissions on the data
// channel. The channel is ordered; combined with the retransmit limit
// it is reliable within limits rather than fully reliable.
const maxChannelRetransmits = 3

// DefaultICEServers are the STUN servers used when LinkConfig leaves
// ICEServers nil. Tests pass an explicit empty slice to restrict
// gathering to host candidates.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// LinkConfig configures one peer link. The callbacks are invoked from
// webrtc goroutines, one at a time per link; they must not call back
// into the link synchronously except for Send*/State.
type LinkConfig struct {
	LocalUsername  string
	RemoteUsername string
	// Initiator links create the data channel and the offer; responder
	// links answer inbound offers and receive the channel.
	Initiator bool

	// ICEServers for candidate gathering. Nil means DefaultICEServers;
	// an explicit empty slice means host candidates only.
	ICEServers []webrtc.ICEServer
	// ChannelLabel overrides DefaultChannelLabel when non-empty.
	ChannelLabel string
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger

	// SendSignal emits an outbound negotiation signal. The manager
	// wires this to the session client. A false return means the relay
	// link was down; the signal is lost and the connection attempt
	// resolves via the manager's timeout.
	SendSignal func(signal protocol.Signal) bool

	// OnMessage delivers a parsed inbound message frame.
	OnMessage func(message Message)
	// OnTyping delivers an inbound typing frame.
	OnTyping func(isTyping bool)
	// OnStateChange observes every state transition.
	OnStateChange func(state LinkState)
	// OnError reports negotiation and frame errors. Errors do not
	// change connection state unless they escalate to a timeout or a
	// transport state change.
	OnError func(err error)
}

// Link is one negotiated transport plus its single ordered data
// channel to one remote identity.
type Link struct {
	config LinkConfig
	logger *slog.Logger
	label  string

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	channel *webrtc.DataChannel
	state   LinkState
	// queue holds encoded frames submitted before the channel opened,
	// flushed FIFO on open.
	queue [][]byte
}

// NewLink creates a peer link in the new state. Initiator links create
// their data channel immediately so it is part of the offer; Start
// must be called to begin negotiation.
func NewLink(config LinkConfig) (*Link, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	label := config.ChannelLabel
	if label == "" {
		label = DefaultChannelLabel
	}
	iceServers := config.ICEServers
	if iceServers == nil {
		iceServers = DefaultICEServers
	}

	// Loopback candidates make same-machine and test setups work
	// where loopback is the only interface.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("peer: creating peer connection: %w", err)
	}

	link := &Link{
		config: config,
		logger: logger,
		label:  label,
		pc:     pc,
		state:  StateNew,
	}

	pc.OnICECandidate(link.handleLocalCandidate)
	pc.OnConnectionStateChange(link.handleTransportState)
	pc.OnDataChannel(link.adoptChannel)

	if config.Initiator {
		ordered := true
		retransmits := uint16(maxChannelRetransmits)
		channel, err := pc.CreateDataChannel(label, &webrtc.DataChannelInit{
			Ordered:        &ordered,
			MaxRetransmits: &retransmits,
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("peer: creating data channel: %w", err)
		}
		link.attachChannel(channel)
	}

	return link, nil
}

// RemoteUsername returns the identity this link connects to.
func (l *Link) RemoteUsername() string { return l.config.RemoteUsername }

// IsInitiator reports which side created the offer.
func (l *Link) IsInitiator() bool { return l.config.Initiator }

// State returns the current lifecycle state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// QueuedFrames returns the number of frames waiting for channel open.
func (l *Link) QueuedFrames() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Start begins negotiation. On the initiator it produces and emits the
// local offer; on the responder it only marks the link connecting (the
// offer arrives via HandleSignal).
func (l *Link) Start() error {
	l.transition(StateConnecting)

	if !l.config.Initiator {
		return nil
	}

	l.mu.Lock()
	pc := l.pc
	l.mu.Unlock()
	if pc == nil {
		return ErrLinkClosed
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return l.negotiationError(fmt.Errorf("peer: creating offer: %w", err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return l.negotiationError(fmt.Errorf("peer: setting local offer: %w", err))
	}

	l.emitDescription(protocol.SignalOffer, pc.LocalDescription())
	return nil
}

// HandleSignal applies an inbound negotiation signal. Offers produce
// and emit an answer; answers and candidates are applied to the peer
// connection. Errors are reported via OnError and returned; they do
// not change the link state.
func (l *Link) HandleSignal(signal protocol.Signal) error {
	l.mu.Lock()
	pc := l.pc
	l.mu.Unlock()
	if pc == nil {
		return ErrLinkClosed
	}

	switch signal.Type {
	case protocol.SignalOffer:
		// A responder entering negotiation.
		l.transition(StateConnecting)

		var offer webrtc.SessionDescription
		if err := json.Unmarshal(signal.Offer, &offer); err != nil {
			return l.negotiationError(fmt.Errorf("peer: decoding offer: %w", err))
		}
		if err := pc.SetRemoteDescription(offer); err != nil {
			return l.negotiationError(fmt.Errorf("peer: applying offer: %w", err))
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			return l.negotiationError(fmt.Errorf("peer: creating answer: %w", err))
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			return l.negotiationError(fmt.Errorf("peer: setting local answer: %w", err))
		}
		l.emitDescription(protocol.SignalAnswer, pc.LocalDescription())
		return nil

	case protocol.SignalAnswer:
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(signal.Answer, &answer); err != nil {
			return l.negotiationError(fmt.Errorf("peer: decoding answer: %w", err))
		}
		if err := pc.SetRemoteDescription(answer); err != nil {
			return l.negotiationError(fmt.Errorf("peer: applying answer: %w", err))
		}
		return nil

	case protocol.SignalCandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(signal.Candidate, &candidate); err != nil {
			return l.negotiationError(fmt.Errorf("peer: decoding candidate: %w", err))
		}
		if err := pc.AddICECandidate(candidate); err != nil {
			return l.negotiationError(fmt.Errorf("peer: applying candidate: %w", err))
		}
		return nil

	default:
		return l.negotiationError(fmt.Errorf("peer: unknown signal type %q", signal.Type))
	}
}

// SendMessage frames and sends an application message. If the channel
// is not open yet the frame is queued FIFO and flushed on open.
func (l *Link) SendMessage(message Message) error {
	return l.send(frame{Type: frameMessage, Payload: &message})
}

// SendTyping frames and sends a typing indicator.
func (l *Link) SendTyping(isTyping bool) error {
	return l.send(frame{Type: frameTyping, IsTyping: isTyping})
}

// Fail forces the link into the failed state, reporting cause via
// OnError. The manager uses this for connection timeouts.
func (l *Link) Fail(cause error) {
	if l.config.OnError != nil && cause != nil {
		l.config.OnError(cause)
	}
	l.transition(StateFailed)
}

// Close releases the channel and transport, clears the outbound
// queue, and transitions to closed unconditionally. Idempotent.
func (l *Link) Close() {
	l.mu.Lock()
	channel := l.channel
	pc := l.pc
	l.channel = nil
	l.pc = nil
	l.queue = nil
	l.mu.Unlock()

	if channel != nil {
		channel.Close()
	}
	if pc != nil {
		pc.Close()
	}
	l.transition(StateClosed)
}

// send encodes a frame and either transmits it immediately (channel
// open) or queues it.
func (l *Link) send(f frame) error {
	encoded, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("peer: encoding frame: %w", err)
	}

	l.mu.Lock()
	if l.state == StateClosed || l.state == StateFailed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	channel := l.channel
	open := channel != nil && channel.ReadyState() == webrtc.DataChannelStateOpen && l.state == StateConnected
	if !open {
		l.queue = append(l.queue, encoded)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := channel.SendText(string(encoded)); err != nil {
		return fmt.Errorf("peer: sending frame: %w", err)
	}
	return nil
}

// attachChannel installs the data channel created by the initiator.
func (l *Link) attachChannel(channel *webrtc.DataChannel) {
	l.mu.Lock()
	l.channel = channel
	l.mu.Unlock()

	channel.OnOpen(func() { l.handleChannelOpen(channel) })
	channel.OnClose(l.handleChannelClose)
	channel.OnMessage(l.handleFrame)
}

// adoptChannel installs a channel offered by the remote side (the
// responder path).
func (l *Link) adoptChannel(channel *webrtc.DataChannel) {
	if channel.Label() != l.label {
		l.logger.Warn("unexpected data channel label",
			"peer", l.config.RemoteUsername,
			"label", channel.Label(),
		)
	}
	l.attachChannel(channel)
}

// handleChannelOpen flips the link to connected and flushes the queue
// in enqueue order. The lock is held across the flush, so frames
// submitted concurrently are appended behind the queued ones,
// preserving FIFO.
func (l *Link) handleChannelOpen(channel *webrtc.DataChannel) {
	l.transition(StateConnected)

	l.mu.Lock()
	queued := l.queue
	l.queue = nil
	for _, encoded := range queued {
		if err := channel.SendText(string(encoded)); err != nil {
			l.mu.Unlock()
			l.reportError(fmt.Errorf("peer: flushing queued frame: %w", err))
			return
		}
	}
	l.mu.Unlock()
}

func (l *Link) handleChannelClose() {
	l.transition(StateDisconnected)
}

// handleFrame parses one inbound data-channel payload. Malformed JSON
// is swallowed and reported without touching connection state.
func (l *Link) handleFrame(raw webrtc.DataChannelMessage) {
	var f frame
	if err := json.Unmarshal(raw.Data, &f); err != nil {
		l.reportError(fmt.Errorf("peer: malformed frame from %s: %w", l.config.RemoteUsername, err))
		return
	}

	switch f.Type {
	case frameMessage:
		if f.Payload == nil {
			l.reportError(fmt.Errorf("peer: message frame without payload from %s", l.config.RemoteUsername))
			return
		}
		if l.config.OnMessage != nil {
			l.config.OnMessage(*f.Payload)
		}
	case frameTyping:
		if l.config.OnTyping != nil {
			l.config.OnTyping(f.IsTyping)
		}
	case framePing:
		// Keepalive: answer and carry on.
		if err := l.send(frame{Type: framePong}); err != nil {
			l.logger.Debug("pong failed", "peer", l.config.RemoteUsername, "error", err)
		}
	case framePong:
	default:
		l.logger.Warn("unknown frame type",
			"peer", l.config.RemoteUsername,
			"type", f.Type,
		)
	}
}

// handleLocalCandidate emits trickle ICE candidates as they are
// discovered. The nil candidate marks end of gathering and is not
// signaled.
func (l *Link) handleLocalCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}
	encoded, err := json.Marshal(candidate.ToJSON())
	if err != nil {
		l.reportError(fmt.Errorf("peer: encoding candidate: %w", err))
		return
	}
	l.emitSignal(protocol.Signal{Type: protocol.SignalCandidate, Candidate: encoded})
}

// handleTransportState maps webrtc transport states onto the link
// state machine. The connected transition is owned by channel open,
// which implies transport connectivity; mapping it here as well would
// mark the link connected before the channel can carry frames.
func (l *Link) handleTransportState(state webrtc.PeerConnectionState) {
	l.logger.Debug("transport state change",
		"peer", l.config.RemoteUsername,
		"state", state.String(),
	)

	switch state {
	case webrtc.PeerConnectionStateDisconnected:
		l.transition(StateDisconnected)
	case webrtc.PeerConnectionStateFailed:
		l.transition(StateFailed)
	case webrtc.PeerConnectionStateClosed:
		l.transition(StateClosed)
	}
}

// emitDescription signals a local offer or answer.
func (l *Link) emitDescription(signalType protocol.SignalType, description *webrtc.SessionDescription) {
	encoded, err := json.Marshal(description)
	if err != nil {
		l.reportError(fmt.Errorf("peer: encoding %s: %w", signalType, err))
		return
	}
	signal := protocol.Signal{Type: signalType}
	if signalType == protocol.SignalOffer {
		signal.Offer = encoded
	} else {
		signal.Answer = encoded
	}
	l.emitSignal(signal)
}

func (l *Link) emitSignal(signal protocol.Signal) {
	if l.config.SendSignal == nil {
		return
	}
	if !l.config.SendSignal(signal) {
		l.logger.Warn("signal send failed, relay link down",
			"peer", l.config.RemoteUsername,
			"type", signal.Type,
		)
	}
}

// transition moves the state machine, ignoring illegal transitions.
// The state-change callback runs outside the lock.
func (l *Link) transition(to LinkState) {
	l.mu.Lock()
	from := l.state
	if from == to || !canTransition(from, to) {
		l.mu.Unlock()
		return
	}
	l.state = to
	l.mu.Unlock()

	l.logger.Debug("link state change",
		"peer", l.config.RemoteUsername,
		"from", string(from),
		"to", string(to),
	)
	if l.config.OnStateChange != nil {
		l.config.OnStateChange(to)
	}
}

// negotiationError reports err via OnError and returns it.
func (l *Link) negotiationError(err error) error {
	l.reportError(err)
	return err
}

func (l *Link) reportError(err error) {
	if l.config.OnError != nil {
		l.config.OnError(err)
	}
}
