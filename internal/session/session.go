// Package session is the facade the application talks to: one call
// surface covering signaling, peer links, and local media for a single
// user's conference session.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/univo/univo-rtc/internal/media"
	"github.com/univo/univo-rtc/internal/peer"
	"github.com/univo/univo-rtc/internal/signalclient"
	"github.com/univo/univo-rtc/internal/signaling"
)

// SignalingConn is the slice of signalclient.Client the session drives;
// tests substitute a fake.
type SignalingConn interface {
	Connect() error
	Events() <-chan signaling.ServerEvent
	UserID() string
	JoinRoom(roomID string) error
	LeaveRoom(roomID string) error
	Signal(to string, payload json.RawMessage) error
	SendCustomMessage(roomID string, message json.RawMessage, messageType string) error
	Close()
}

// Callbacks deliver session activity to the UI layer. All callbacks run
// on session goroutines and must not block.
type Callbacks struct {
	OnRoster         func(roomID string, users []string, first bool)
	OnPeerState      func(peerID string, state peer.LinkState)
	OnPeerRemoved    func(peerID string)
	OnRemoteTrack    func(peerID string, track *webrtc.TrackRemote)
	OnPeerData       func(peerID string, data []byte)
	OnPeerMediaState func(peerID string, audio, video bool)
	OnCustomMessage  func(from string, message json.RawMessage, messageType string, timestampMillis int64)
	OnServerError    func(message string)
}

type Config struct {
	ServerURL string

	// Media defaults to media.NullSource (data-only).
	Media media.Source

	ICEServers          []webrtc.ICEServer
	ReconnectDelay      time.Duration
	ConnectTimeout      time.Duration
	ICEGatheringTimeout time.Duration
	Logger              *slog.Logger
	Callbacks           Callbacks

	// Dial is a test seam; nil dials through signalclient.
	Dial func(serverURL, userID string, log *slog.Logger) (SignalingConn, error)
}

// Session ties one signaling connection to one peer manager and one media
// source. Methods are safe for concurrent use.
type Session struct {
	cfg Config
	log *slog.Logger
	cb  Callbacks

	mu     sync.Mutex
	userID string
	roomID string
	conn   SignalingConn
	mgr    *peer.Manager
	source media.Source

	audioEnabled bool
	videoEnabled bool

	remoteTracks map[string][]*webrtc.TrackRemote

	loopDone chan struct{}
	closed   bool
}

var (
	ErrNotInitialized     = errors.New("session: not initialized")
	ErrAlreadyInitialized = errors.New("session: already initialized")
	ErrClosed             = errors.New("session: closed")
	ErrNotInRoom          = errors.New("session: not in a room")
)

func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Media == nil {
		cfg.Media = media.NullSource{}
	}
	return &Session{
		cfg: cfg,
		log: cfg.Logger,
		cb:  cfg.Callbacks,

		source: cfg.Media,
		// Tracks start enabled when the source has any.
		audioEnabled: true,
		videoEnabled: true,

		remoteTracks: make(map[string][]*webrtc.TrackRemote),
	}
}

// Initialize connects to the signaling server as userID and starts the
// event loop. Media acquisition errors surface here (via the configured
// Source) and are the only session-level failure; per-peer trouble later
// stays contained to its link.
func (s *Session) Initialize(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.conn != nil {
		return ErrAlreadyInitialized
	}

	dial := s.cfg.Dial
	if dial == nil {
		dial = func(serverURL, userID string, log *slog.Logger) (SignalingConn, error) {
			c, err := signalclient.New(serverURL, userID, log)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	conn, err := dial(s.cfg.ServerURL, userID, s.log)
	if err != nil {
		return err
	}
	if err := conn.Connect(); err != nil {
		return err
	}

	engine := &webrtc.MediaEngine{}
	if err := s.source.ConfigureEngine(engine); err != nil {
		conn.Close()
		return fmt.Errorf("configure media engine: %w", err)
	}
	tracks := s.source.Tracks()
	if len(tracks) == 0 {
		// Data-only: pion's default codecs are fine.
		engine = nil
	}

	mgr, err := peer.NewManager(peer.Config{
		API:                 peer.NewAPI(s.log, engine),
		ICEServers:          s.cfg.ICEServers,
		Signaler:            conn,
		Logger:              s.log,
		LocalTracks:         s.source.Tracks,
		ReconnectDelay:      s.cfg.ReconnectDelay,
		ConnectTimeout:      s.cfg.ConnectTimeout,
		ICEGatheringTimeout: s.cfg.ICEGatheringTimeout,
		Callbacks: peer.Callbacks{
			OnState:       s.onPeerState,
			OnTrack:       s.onRemoteTrack,
			OnControl:     s.onControl,
			OnChannelOpen: s.onChannelOpen,
			OnRemoved:     s.onPeerRemoved,
		},
	})
	if err != nil {
		conn.Close()
		return err
	}

	s.userID = userID
	s.conn = conn
	s.mgr = mgr
	s.loopDone = make(chan struct{})
	go s.eventLoop(conn, mgr)

	s.log.Info("session initialized", "user", userID, "tracks", len(tracks))
	return nil
}

// JoinRoom asks the gateway for membership; peers start connecting when
// the roster answer arrives on the event loop.
func (s *Session) JoinRoom(roomID string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotInitialized
	}
	return conn.JoinRoom(roomID)
}

// LeaveRoom leaves the current room and tears down every peer link.
func (s *Session) LeaveRoom() error {
	s.mu.Lock()
	conn := s.conn
	mgr := s.mgr
	roomID := s.roomID
	s.roomID = ""
	s.mu.Unlock()

	if conn == nil {
		return ErrNotInitialized
	}
	if roomID == "" {
		return ErrNotInRoom
	}

	// Local links go first: after the leave the gateway stops telling us
	// about this room, so nobody else will clean them up.
	mgr.RemoveAll()
	return conn.LeaveRoom(roomID)
}

// ToggleAudio flips the local audio flag and announces it to every peer.
// Delivery is best-effort by contract.
func (s *Session) ToggleAudio(enabled bool) error {
	return s.setMedia(func() { s.audioEnabled = enabled })
}

// ToggleVideo flips the local video flag and announces it to every peer.
func (s *Session) ToggleVideo(enabled bool) error {
	return s.setMedia(func() { s.videoEnabled = enabled })
}

func (s *Session) setMedia(apply func()) error {
	s.mu.Lock()
	mgr := s.mgr
	apply()
	audio, video := s.audioEnabled, s.videoEnabled
	s.mu.Unlock()

	if mgr == nil {
		return ErrNotInitialized
	}
	mgr.NotifyMediaState(audio, video)
	return nil
}

// MediaState reports the local enabled flags.
func (s *Session) MediaState() (audio, video bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioEnabled, s.videoEnabled
}

// SendToPeer delivers a blob over one peer's data channel.
func (s *Session) SendToPeer(peerID string, data []byte) error {
	s.mu.Lock()
	mgr := s.mgr
	s.mu.Unlock()
	if mgr == nil {
		return ErrNotInitialized
	}
	return mgr.SendToPeer(peerID, data)
}

// Broadcast delivers a blob to every connected peer, best-effort.
func (s *Session) Broadcast(data []byte) error {
	s.mu.Lock()
	mgr := s.mgr
	s.mu.Unlock()
	if mgr == nil {
		return ErrNotInitialized
	}
	mgr.Broadcast(data)
	return nil
}

// SendCustomMessage relays an application payload to the current room
// through the gateway (server-timestamped, reaches peers without open
// data channels).
func (s *Session) SendCustomMessage(message json.RawMessage, messageType string) error {
	s.mu.Lock()
	conn := s.conn
	roomID := s.roomID
	s.mu.Unlock()
	if conn == nil {
		return ErrNotInitialized
	}
	if roomID == "" {
		return ErrNotInRoom
	}
	return conn.SendCustomMessage(roomID, message, messageType)
}

// PeerStates reports every link's state, keyed by peer user id.
func (s *Session) PeerStates() map[string]peer.LinkState {
	s.mu.Lock()
	mgr := s.mgr
	s.mu.Unlock()
	if mgr == nil {
		return nil
	}
	return mgr.States()
}

// RemoteTracks returns the live remote tracks, keyed by peer user id.
func (s *Session) RemoteTracks() map[string][]*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]*webrtc.TrackRemote, len(s.remoteTracks))
	for peerID, tracks := range s.remoteTracks {
		out[peerID] = append([]*webrtc.TrackRemote(nil), tracks...)
	}
	return out
}

// CurrentRoom returns the room this session is in, if any.
func (s *Session) CurrentRoom() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID, s.roomID != ""
}

// Disconnect is the scoped teardown: close every link, release media,
// drop the signaling connection. It runs to completion even when
// individual steps fail; failures are logged, never propagated.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	mgr := s.mgr
	source := s.source
	loopDone := s.loopDone
	s.conn = nil
	s.mgr = nil
	s.roomID = ""
	s.mu.Unlock()

	if mgr != nil {
		mgr.CloseAll()
	}
	if source != nil {
		if err := source.Close(); err != nil {
			s.log.Warn("release media source", "err", err)
		}
	}
	if conn != nil {
		conn.Close()
	}
	if loopDone != nil {
		select {
		case <-loopDone:
		case <-time.After(5 * time.Second):
			s.log.Warn("event loop did not stop in time")
		}
	}
	s.log.Info("session disconnected", "user", s.userID)
}

// eventLoop drives the peer manager from gateway events. It exits when
// the signaling connection drops.
func (s *Session) eventLoop(conn SignalingConn, mgr *peer.Manager) {
	defer close(s.loopDone)

	for ev := range conn.Events() {
		switch ev.Type {
		case signaling.EventRoomJoined:
			s.mu.Lock()
			prev := s.roomID
			s.roomID = ev.RoomID
			s.mu.Unlock()
			if prev != "" && prev != ev.RoomID {
				// The gateway switched us out of the previous room
				// implicitly; its members get user-left for us, but we get
				// nothing for them, so their links are torn down here.
				mgr.RemoveAll()
			}
			first := ev.IsFirstUser != nil && *ev.IsFirstUser
			s.log.Info("room joined", "room", ev.RoomID, "members", len(ev.Users), "first", first)
			mgr.HandleRoster(ev.Users, conn.UserID())
			if s.cb.OnRoster != nil {
				s.cb.OnRoster(ev.RoomID, ev.Users, first)
			}
		case signaling.EventUserJoined:
			s.log.Info("peer joined", "peer", ev.UserID)
			mgr.HandlePeerJoined(ev.UserID)
		case signaling.EventUserLeft:
			s.log.Info("peer left", "peer", ev.UserID)
			mgr.HandlePeerLeft(ev.UserID)
		case signaling.EventSignal:
			mgr.HandleSignal(ev.From, ev.Signal)
		case signaling.EventCustomMessage:
			if s.cb.OnCustomMessage != nil {
				s.cb.OnCustomMessage(ev.From, ev.Message, ev.MessageType, ev.Timestamp)
			}
		case signaling.EventError:
			msg := ev.ErrorMessage()
			s.log.Warn("server error", "message", msg)
			if s.cb.OnServerError != nil {
				s.cb.OnServerError(msg)
			}
		default:
			s.log.Debug("unhandled event", "type", ev.Type)
		}
	}
}

func (s *Session) onPeerState(peerID string, state peer.LinkState) {
	if s.cb.OnPeerState != nil {
		s.cb.OnPeerState(peerID, state)
	}
}

func (s *Session) onPeerRemoved(peerID string) {
	s.mu.Lock()
	delete(s.remoteTracks, peerID)
	s.mu.Unlock()
	if s.cb.OnPeerRemoved != nil {
		s.cb.OnPeerRemoved(peerID)
	}
}

func (s *Session) onRemoteTrack(peerID string, track *webrtc.TrackRemote) {
	s.mu.Lock()
	s.remoteTracks[peerID] = append(s.remoteTracks[peerID], track)
	s.mu.Unlock()
	if s.cb.OnRemoteTrack != nil {
		s.cb.OnRemoteTrack(peerID, track)
	}
}

// onChannelOpen pushes the current media flags to a freshly connected
// peer so it starts with an accurate picture.
func (s *Session) onChannelOpen(string) {
	s.mu.Lock()
	mgr := s.mgr
	audio, video := s.audioEnabled, s.videoEnabled
	s.mu.Unlock()
	if mgr != nil {
		mgr.NotifyMediaState(audio, video)
	}
}

func (s *Session) onControl(peerID string, msg peer.ControlMessage) {
	switch msg.Type {
	case peer.ControlMediaState:
		var state peer.MediaStatePayload
		if err := msg.DecodePayload(&state); err != nil {
			s.log.Warn("bad media-state payload", "peer", peerID, "err", err)
			return
		}
		if s.cb.OnPeerMediaState != nil {
			s.cb.OnPeerMediaState(peerID, state.Audio, state.Video)
		}
	case peer.ControlData:
		var data peer.DataPayload
		if err := msg.DecodePayload(&data); err != nil {
			s.log.Warn("bad data payload", "peer", peerID, "err", err)
			return
		}
		if s.cb.OnPeerData != nil {
			s.cb.OnPeerData(peerID, data.Bytes)
		}
	default:
		s.log.Debug("unknown control message", "peer", peerID, "type", msg.Type)
	}
}
