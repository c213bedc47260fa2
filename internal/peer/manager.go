package peer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// DefaultReconnectDelay is how long a disconnected link waits before the
// PeerConnection is rebuilt.
const DefaultReconnectDelay = 3 * time.Second

// DefaultConnectTimeout bounds how long a link may remain unconnected
// before it is torn down.
const DefaultConnectTimeout = 30 * time.Second

// Signaler delivers an opaque payload to a remote user through the
// signaling gateway. Sends are best-effort: the gateway may throttle or
// drop them, and callers rely on the state machine to recover.
type Signaler interface {
	Signal(to string, payload json.RawMessage) error
}

// Callbacks surface link activity to the session layer. All callbacks are
// invoked from pion or timer goroutines and must not block.
type Callbacks struct {
	OnState       func(peerID string, state LinkState)
	OnTrack       func(peerID string, track *webrtc.TrackRemote)
	OnControl     func(peerID string, msg ControlMessage)
	OnChannelOpen func(peerID string)
	OnRemoved     func(peerID string)
}

type Config struct {
	// API defaults to NewAPI(Logger) when nil.
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Signaler   Signaler
	Logger     *slog.Logger

	// LocalTracks supplies the tracks attached to every new
	// PeerConnection; nil means data-only.
	LocalTracks func() []webrtc.TrackLocal

	ReconnectDelay time.Duration

	// ConnectTimeout bounds connection establishment per link; zero means
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// ICEGatheringTimeout, when set, makes offers and answers wait (bounded)
	// for candidate gathering so the SDP carries candidates inline. Zero
	// means pure trickle.
	ICEGatheringTimeout time.Duration

	Callbacks Callbacks
}

// Manager owns every peer link of one session, keyed by remote user id.
//
// Exactly one side of each pair initiates: the newcomer, holding the
// room-joined roster, offers to everyone already listed; a member seeing
// user-joined waits for that offer. Links progress independently, so one
// slow negotiation never blocks the others.
type Manager struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	signaler   Signaler
	log        *slog.Logger
	tracksFn   func() []webrtc.TrackLocal

	reconnectDelay time.Duration
	connectTimeout time.Duration
	gatherTimeout  time.Duration
	cb             Callbacks

	mu     sync.Mutex
	links  map[string]*link
	timers map[string]*time.Timer
	closed bool
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Signaler == nil {
		return nil, fmt.Errorf("peer: signaler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.API == nil {
		cfg.API = NewAPI(cfg.Logger, nil)
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.LocalTracks == nil {
		cfg.LocalTracks = func() []webrtc.TrackLocal { return nil }
	}

	return &Manager{
		api:        cfg.API,
		iceServers: cfg.ICEServers,
		signaler:   cfg.Signaler,
		log:        cfg.Logger,
		tracksFn:   cfg.LocalTracks,

		reconnectDelay: cfg.ReconnectDelay,
		connectTimeout: cfg.ConnectTimeout,
		gatherTimeout:  cfg.ICEGatheringTimeout,
		cb:             cfg.Callbacks,

		links:  make(map[string]*link),
		timers: make(map[string]*time.Timer),
	}, nil
}

func (m *Manager) localTracks() []webrtc.TrackLocal {
	return m.tracksFn()
}

// HandleRoster processes the room-joined roster: this side initiates an
// offer toward every member already present.
func (m *Manager) HandleRoster(members []string, self string) {
	for _, peerID := range members {
		if peerID == self {
			continue
		}
		l, created := m.ensureLink(peerID, true)
		if !created {
			continue
		}
		if err := l.start(); err != nil {
			m.log.Error("start link", "peer", peerID, "err", err)
			m.Remove(peerID)
		}
	}
}

// HandlePeerJoined processes a user-joined notification: the newcomer will
// offer, so this side only prepares an answering link.
func (m *Manager) HandlePeerJoined(peerID string) {
	m.ensureLink(peerID, false)
}

// HandlePeerLeft tears down the peer's link and cancels any pending
// reconnect so we never dial a peer that is gone.
func (m *Manager) HandlePeerLeft(peerID string) {
	m.Remove(peerID)
}

// HandleSignal dispatches one relayed payload from the gateway.
func (m *Manager) HandleSignal(from string, raw json.RawMessage) {
	payload, err := parseSignalPayload(raw)
	if err != nil {
		m.log.Warn("bad signal payload", "from", from, "err", err)
		return
	}

	var l *link
	if payload.Type == signalOffer {
		// An offer may arrive before the user-joined notification; accept
		// it and take the answering role.
		l, _ = m.ensureLink(from, false)
	} else {
		l = m.lookup(from)
	}
	if l == nil {
		m.log.Debug("signal for unknown peer", "from", from, "type", payload.Type)
		return
	}

	switch payload.Type {
	case signalOffer:
		err = l.handleOffer(payload.SDP)
	case signalAnswer:
		err = l.handleAnswer(payload.SDP)
	case signalCandidate:
		err = l.handleCandidate(*payload.Candidate)
	}
	if err != nil {
		// A broken negotiation only affects this pair.
		m.log.Warn("handle signal", "from", from, "type", payload.Type, "err", err)
	}
}

// SendToPeer delivers an application blob over one peer's control channel.
func (m *Manager) SendToPeer(peerID string, data []byte) error {
	l := m.lookup(peerID)
	if l == nil {
		return fmt.Errorf("peer %s: no link", peerID)
	}
	msg, err := NewControlMessage(ControlData, DataPayload{Bytes: data})
	if err != nil {
		return err
	}
	return l.sendControl(msg)
}

// Broadcast sends a blob to every connected peer, best-effort.
func (m *Manager) Broadcast(data []byte) {
	msg, err := NewControlMessage(ControlData, DataPayload{Bytes: data})
	if err != nil {
		m.log.Error("encode broadcast", "err", err)
		return
	}
	for _, l := range m.snapshot() {
		if err := l.sendControl(msg); err != nil {
			m.log.Debug("broadcast to peer", "peer", l.peerID, "err", err)
		}
	}
}

// NotifyMediaState announces local track flags to every peer.
func (m *Manager) NotifyMediaState(audio, video bool) {
	msg, err := NewControlMessage(ControlMediaState, MediaStatePayload{Audio: audio, Video: video})
	if err != nil {
		m.log.Error("encode media state", "err", err)
		return
	}
	for _, l := range m.snapshot() {
		if err := l.sendControl(msg); err != nil {
			m.log.Debug("media state to peer", "peer", l.peerID, "err", err)
		}
	}
}

// States reports every link's current state.
func (m *Manager) States() map[string]LinkState {
	out := make(map[string]LinkState)
	for _, l := range m.snapshot() {
		out[l.peerID] = l.currentState()
	}
	return out
}

// Remove closes and forgets one peer's link.
func (m *Manager) Remove(peerID string) {
	m.mu.Lock()
	if t, ok := m.timers[peerID]; ok {
		t.Stop()
		delete(m.timers, peerID)
	}
	l, ok := m.links[peerID]
	delete(m.links, peerID)
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := l.close(); err != nil {
		m.log.Warn("close link", "peer", peerID, "err", err)
	}
	if m.cb.OnRemoved != nil {
		m.cb.OnRemoved(peerID)
	}
}

// RemoveAll tears down every link but keeps the manager usable, for
// leaving one room before joining another.
func (m *Manager) RemoveAll() {
	for _, l := range m.snapshot() {
		m.Remove(l.peerID)
	}
}

// CloseAll tears down every link. Teardown runs to completion; individual
// close failures are logged, never propagated.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	for peerID, t := range m.timers {
		t.Stop()
		delete(m.timers, peerID)
	}
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.links = make(map[string]*link)
	m.mu.Unlock()

	for _, l := range links {
		if err := l.close(); err != nil {
			m.log.Warn("close link", "peer", l.peerID, "err", err)
		}
	}
}

func (m *Manager) ensureLink(peerID string, initiator bool) (*link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false
	}
	if l, ok := m.links[peerID]; ok {
		return l, false
	}
	l := newLink(m, peerID, initiator)
	m.links[peerID] = l
	return l, true
}

func (m *Manager) lookup(peerID string) *link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[peerID]
}

func (m *Manager) snapshot() []*link {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}

// onConnectionState drives the per-link state machine from transport
// events.
func (m *Manager) onConnectionState(l *link, gen int, s webrtc.PeerConnectionState) {
	m.log.Debug("connection state", "peer", l.peerID, "state", s.String())

	switch s {
	case webrtc.PeerConnectionStateConnected:
		m.cancelReconnect(l.peerID)
		l.setState(StateConnected)
	case webrtc.PeerConnectionStateDisconnected:
		l.setState(StateDisconnected)
		m.scheduleReconnect(l, gen)
	case webrtc.PeerConnectionStateFailed:
		// One ICE restart on the existing connection, then give up and
		// remove the peer.
		if l.restartICE() {
			return
		}
		l.setState(StateFailed)
		m.log.Warn("link failed permanently", "peer", l.peerID)
		m.Remove(l.peerID)
	case webrtc.PeerConnectionStateClosed:
		if l.currentState() != StateClosed {
			m.Remove(l.peerID)
		}
	}
}

// connectDeadline fires when a link has spent the full connect timeout
// without reaching connected. The timer self-invalidates through the
// link's generation counter, so a rebuilt or recovered link is untouched.
func (m *Manager) connectDeadline(l *link, gen int) {
	if !l.current(gen) {
		return
	}
	// Only the initial establishment is bounded; a link that connected and
	// later dropped is owned by the reconnect path.
	if l.currentState() != StateConnecting {
		return
	}
	m.log.Warn("link did not connect within timeout", "peer", l.peerID, "timeout", m.connectTimeout)
	l.setState(StateFailed)
	m.Remove(l.peerID)
}

// scheduleReconnect arms the rebuild timer for a disconnected link. The
// timer is keyed by peer id and canceled when the peer leaves or the link
// recovers on its own.
func (m *Manager) scheduleReconnect(l *link, gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[l.peerID]; ok {
		t.Stop()
	}
	m.timers[l.peerID] = time.AfterFunc(m.reconnectDelay, func() {
		m.reconnect(l, gen)
	})
}

func (m *Manager) cancelReconnect(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[peerID]; ok {
		t.Stop()
		delete(m.timers, peerID)
	}
}

// reconnect discards the dead PeerConnection and re-runs the offer/answer
// cycle. Only the link's original initiator re-offers; the answerer waits
// for the incoming offer on a fresh connection.
func (m *Manager) reconnect(l *link, gen int) {
	m.mu.Lock()
	delete(m.timers, l.peerID)
	_, stillTracked := m.links[l.peerID]
	closed := m.closed
	m.mu.Unlock()

	if closed || !stillTracked || !l.current(gen) {
		return
	}
	if l.currentState() != StateDisconnected {
		return
	}

	m.log.Info("reconnecting", "peer", l.peerID, "initiator", l.initiator)
	l.discard()
	if !l.initiator {
		// The answerer waits for the initiator's fresh offer; the wait is
		// bounded like any other establishment. An arriving offer rebuilds
		// the PeerConnection and invalidates this deadline.
		l.setState(StateConnecting)
		gen := l.generation()
		time.AfterFunc(m.connectTimeout, func() {
			m.connectDeadline(l, gen)
		})
		return
	}
	if err := l.start(); err != nil {
		m.log.Error("reconnect", "peer", l.peerID, "err", err)
		m.Remove(l.peerID)
	}
}

func (m *Manager) emitState(peerID string, s LinkState) {
	if m.cb.OnState != nil {
		m.cb.OnState(peerID, s)
	}
}

func (m *Manager) emitTrack(peerID string, track *webrtc.TrackRemote) {
	if m.cb.OnTrack != nil {
		m.cb.OnTrack(peerID, track)
	}
}

func (m *Manager) emitControl(peerID string, msg ControlMessage) {
	if m.cb.OnControl != nil {
		m.cb.OnControl(peerID, msg)
	}
}

func (m *Manager) onChannelOpen(peerID string) {
	if m.cb.OnChannelOpen != nil {
		m.cb.OnChannelOpen(peerID)
	}
}
