package peer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// link owns one peer connection to one remote user.
//
// The initiator flag is fixed at discovery time and never changes: the side
// that learned about the peer from its own room-joined roster initiates;
// the side that saw the peer arrive via user-joined answers. Reconnection
// recreates the underlying PeerConnection but keeps the role.
type link struct {
	m      *Manager
	peerID string
	// initiator is true when this side creates offers for the pair.
	initiator bool
	log       *slog.Logger

	mu    sync.Mutex
	state LinkState
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	// gen invalidates callbacks from a discarded PeerConnection after a
	// reconnect; stale callbacks must not drive the current state machine.
	gen int

	haveRemoteDesc bool
	// pending queues remote candidates that arrived before the remote
	// description; they are applied in arrival order once it is set.
	pending []webrtc.ICECandidateInit

	// restarted limits ICE restarts to one attempt per PeerConnection.
	restarted bool
}

func newLink(m *Manager, peerID string, initiator bool) *link {
	return &link{
		m:         m,
		peerID:    peerID,
		initiator: initiator,
		log:       m.log.With("peer", peerID),
		state:     StateNew,
	}
}

// start builds a fresh PeerConnection and, on the initiating side, opens
// the control data channel and sends the first offer.
func (l *link) start() error {
	pc, err := l.m.api.NewPeerConnection(webrtc.Configuration{ICEServers: l.m.iceServers})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	l.mu.Lock()
	l.gen++
	gen := l.gen
	l.pc = pc
	l.dc = nil
	l.haveRemoteDesc = false
	// l.pending is kept: on an answering link, remote candidates may race
	// ahead of the offer that triggers this start. Stale candidates from a
	// discarded PeerConnection are cleared in discard.
	l.restarted = false
	l.setStateLocked(StateConnecting)
	l.mu.Unlock()

	l.installHandlers(pc, gen)
	time.AfterFunc(l.m.connectTimeout, func() {
		l.m.connectDeadline(l, gen)
	})

	for _, track := range l.m.localTracks() {
		if _, err := pc.AddTrack(track); err != nil {
			l.log.Warn("attach local track", "err", err)
		}
	}

	if l.initiator {
		dc, err := pc.CreateDataChannel("control", nil)
		if err != nil {
			return fmt.Errorf("create data channel: %w", err)
		}
		l.adoptDataChannel(dc, gen)
		return l.sendOffer(pc, false)
	}
	return nil
}

func (l *link) installHandlers(pc *webrtc.PeerConnection, gen int) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !l.current(gen) {
			return
		}
		payload, err := marshalCandidateSignal(c.ToJSON())
		if err != nil {
			l.log.Error("marshal candidate", "err", err)
			return
		}
		// Best-effort: the gateway may drop throttled signals, and the
		// retry path recovers.
		if err := l.m.signaler.Signal(l.peerID, payload); err != nil {
			l.log.Debug("candidate signal dropped", "err", err)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if !l.current(gen) {
			return
		}
		l.m.onConnectionState(l, gen, s)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if !l.current(gen) {
			return
		}
		l.log.Info("remote track", "kind", track.Kind().String(), "id", track.ID())
		l.m.emitTrack(l.peerID, track)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if !l.current(gen) {
			return
		}
		l.adoptDataChannel(dc, gen)
	})
}

func (l *link) adoptDataChannel(dc *webrtc.DataChannel, gen int) {
	dc.OnOpen(func() {
		if !l.current(gen) {
			return
		}
		l.log.Debug("data channel open", "label", dc.Label())
		l.mu.Lock()
		l.dc = dc
		l.mu.Unlock()
		l.m.onChannelOpen(l.peerID)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !l.current(gen) {
			return
		}
		ctrl, err := DecodeControlMessage(msg.Data)
		if err != nil {
			l.log.Warn("bad control message", "err", err)
			return
		}
		l.m.emitControl(l.peerID, ctrl)
	})
	l.mu.Lock()
	if l.dc == nil {
		l.dc = dc
	}
	l.mu.Unlock()
}

func (l *link) current(gen int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return gen == l.gen && l.state != StateClosed
}

func (l *link) generation() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

func (l *link) sendOffer(pc *webrtc.PeerConnection, iceRestart bool) error {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	offer, err = l.completeLocalDescription(pc, offer)
	if err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	payload, err := marshalSDPSignal(offer)
	if err != nil {
		return err
	}
	if err := l.m.signaler.Signal(l.peerID, payload); err != nil {
		// Dropped offers are recovered by the reconnect path.
		l.log.Debug("offer signal dropped", "err", err)
	}
	return nil
}

// completeLocalDescription sets the local description and, when a gathering
// timeout is configured, waits (bounded) for candidate gathering so the SDP
// carries candidates inline instead of relying purely on trickle.
func (l *link) completeLocalDescription(pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if l.m.gatherTimeout <= 0 {
		if err := pc.SetLocalDescription(desc); err != nil {
			return webrtc.SessionDescription{}, err
		}
		return desc, nil
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, err
	}
	select {
	case <-gathered:
	case <-time.After(l.m.gatherTimeout):
		l.log.Debug("ice gathering timed out, sending partial description")
	}
	if ld := pc.LocalDescription(); ld != nil {
		return *ld, nil
	}
	return desc, nil
}

// handleOffer runs the answerer half of the exchange. An offer arriving on
// an existing link is a renegotiation (e.g. the peer's ICE restart) and is
// applied to the current PeerConnection.
func (l *link) handleOffer(sdp string) error {
	l.mu.Lock()
	pc := l.pc
	l.mu.Unlock()
	if pc == nil {
		if err := l.start(); err != nil {
			return err
		}
		l.mu.Lock()
		pc = l.pc
		l.mu.Unlock()
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	l.flushPending(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	answer, err = l.completeLocalDescription(pc, answer)
	if err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	payload, err := marshalSDPSignal(answer)
	if err != nil {
		return err
	}
	if err := l.m.signaler.Signal(l.peerID, payload); err != nil {
		l.log.Debug("answer signal dropped", "err", err)
	}
	return nil
}

func (l *link) handleAnswer(sdp string) error {
	l.mu.Lock()
	pc := l.pc
	l.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("answer for a link with no peer connection")
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	l.flushPending(pc)
	return nil
}

// handleCandidate applies or queues one remote candidate. Candidates that
// race ahead of the remote description are held until flushPending.
func (l *link) handleCandidate(init webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.haveRemoteDesc {
		l.pending = append(l.pending, init)
		l.mu.Unlock()
		return nil
	}
	pc := l.pc
	l.mu.Unlock()

	if pc == nil {
		return nil
	}
	return pc.AddICECandidate(init)
}

func (l *link) flushPending(pc *webrtc.PeerConnection) {
	l.mu.Lock()
	l.haveRemoteDesc = true
	queued := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, init := range queued {
		if err := pc.AddICECandidate(init); err != nil {
			l.log.Warn("apply queued candidate", "err", err)
		}
	}
}

// restartICE sends one ICE restart offer on the existing connection.
// Returns false when the attempt budget is exhausted.
func (l *link) restartICE() bool {
	l.mu.Lock()
	if l.restarted || l.pc == nil || !l.initiator {
		l.mu.Unlock()
		return false
	}
	l.restarted = true
	l.haveRemoteDesc = false
	pc := l.pc
	l.setStateLocked(StateConnecting)
	l.mu.Unlock()

	l.log.Info("attempting ice restart")
	if err := l.sendOffer(pc, true); err != nil {
		l.log.Warn("ice restart failed", "err", err)
		return false
	}
	return true
}

// sendControl writes one envelope on the control channel; delivery is
// best-effort by contract.
func (l *link) sendControl(msg ControlMessage) error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()

	if dc == nil {
		return fmt.Errorf("peer %s: data channel not open", l.peerID)
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return dc.Send(data)
}

func (l *link) setStateLocked(s LinkState) {
	if l.state == s || l.state == StateClosed {
		return
	}
	l.state = s
	l.m.emitState(l.peerID, s)
}

func (l *link) setState(s LinkState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setStateLocked(s)
}

func (l *link) currentState() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// discard drops the underlying PeerConnection without closing the link,
// in preparation for a rebuild.
func (l *link) discard() {
	l.mu.Lock()
	pc := l.pc
	l.pc = nil
	l.dc = nil
	l.haveRemoteDesc = false
	l.pending = nil
	l.gen++
	l.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			l.log.Debug("close discarded peer connection", "err", err)
		}
	}
}

// close tears the link down permanently.
func (l *link) close() error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = StateClosed
	pc := l.pc
	l.pc = nil
	l.dc = nil
	l.gen++
	l.mu.Unlock()

	l.m.emitState(l.peerID, StateClosed)
	if pc != nil {
		return pc.Close()
	}
	return nil
}
