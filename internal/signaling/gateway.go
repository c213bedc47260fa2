package signaling

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/univo/univo-rtc/internal/metrics"
	"github.com/univo/univo-rtc/internal/ratelimit"
	"github.com/univo/univo-rtc/internal/rooms"
)

// Config wires together the runtime dependencies for the signaling gateway.
type Config struct {
	Rooms   *rooms.Registry
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Clock is a test seam for custom-message timestamps; nil means
	// time.Now.
	Clock ratelimit.Clock

	// Per-connection hardening.
	OutboundQueueSize int
	MaxMessageBytes   int64
	IdleTimeout       time.Duration
	PingInterval      time.Duration
}

// Gateway is the authoritative signaling message router.
//
// One read loop per connection dispatches inbound messages against the
// shared room registry and rate limiter; outbound events are fanned out to
// each destination's buffered queue. A connection belongs to the user id it
// presented at upgrade time for its entire life.
type Gateway struct {
	rooms   *rooms.Registry
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	log     *slog.Logger
	clock   ratelimit.Clock

	outboundQueueSize int
	maxMessageBytes   int64
	idleTimeout       time.Duration
	pingInterval      time.Duration

	upgrader websocket.Upgrader

	mu     sync.Mutex
	byUser map[string]*conn

	closeOnce sync.Once
	closed    chan struct{}
	sweepDone chan struct{}
}

func NewGateway(cfg Config) *Gateway {
	if cfg.Rooms == nil {
		cfg.Rooms = rooms.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 64
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}

	g := &Gateway{
		rooms:   cfg.Rooms,
		limiter: cfg.Limiter,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		clock:   cfg.Clock,

		outboundQueueSize: cfg.OutboundQueueSize,
		maxMessageBytes:   cfg.MaxMessageBytes,
		idleTimeout:       cfg.IdleTimeout,
		pingInterval:      cfg.PingInterval,

		upgrader: websocket.Upgrader{
			// Origin checks happen before the upgrade: production wiring
			// mounts HandleWS behind the HTTP server's origin policy. Unit
			// tests dial the gateway directly.
			CheckOrigin: func(r *http.Request) bool { return true },
		},

		byUser:    make(map[string]*conn),
		closed:    make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	go g.sweepLoop()
	return g
}

// RegisterRoutes mounts the WebSocket endpoint directly, with no origin
// enforcement; production wiring wraps HandleWS in the HTTP server's
// origin policy instead.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", g.HandleWS)
}

// ConnectionCount returns the number of live signaling connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byUser)
}

// Rooms exposes the registry for the HTTP diagnostics surface.
func (g *Gateway) Rooms() *rooms.Registry {
	return g.rooms
}

// RoomCount returns the number of occupied rooms.
func (g *Gateway) RoomCount() int {
	return g.rooms.RoomCount()
}

// RoomsSnapshot returns a copy of the current room membership.
func (g *Gateway) RoomsSnapshot() map[string][]string {
	return g.rooms.Snapshot()
}

// Close disconnects every client and stops the sweep loop.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		close(g.closed)
		<-g.sweepDone

		g.mu.Lock()
		conns := make([]*conn, 0, len(g.byUser))
		for _, c := range g.byUser {
			conns = append(conns, c)
		}
		g.mu.Unlock()

		for _, c := range conns {
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
		}
	})
}

// sweepLoop periodically drops empty rate-limit windows so the limiter's
// memory stays bounded by the set of recently active connections.
func (g *Gateway) sweepLoop() {
	defer close(g.sweepDone)
	if g.limiter == nil {
		<-g.closed
		return
	}

	ticker := time.NewTicker(g.limiter.Window())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := g.limiter.Sweep(); n > 0 {
				g.log.Debug("swept rate-limit windows", "removed", n)
			}
		case <-g.closed:
			return
		}
	}
}

// HandleWS upgrades GET /ws?userId=<id>. A missing user id is the one fatal
// protocol error: the client gets an error event and the connection closes.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if userID == "" {
		g.metrics.Inc(metrics.AuthFailure)
		g.rejectBeforePump(ws, "authentication required: userId query parameter is missing")
		return
	}

	id, err := newConnID()
	if err != nil {
		g.log.Error("generate connection id", "err", err)
		_ = ws.Close()
		return
	}

	c := newConn(id, userID, ws, g.outboundQueueSize, g.log)

	g.mu.Lock()
	if _, exists := g.byUser[userID]; exists {
		g.mu.Unlock()
		g.metrics.Inc(metrics.AuthFailure)
		g.rejectBeforePump(ws, "user is already connected")
		return
	}
	g.byUser[userID] = c
	g.mu.Unlock()

	g.metrics.Inc(metrics.ConnectionsAccepted)
	g.log.Info("connection accepted", "conn", c.id, "user", userID, "remote", r.RemoteAddr)

	go c.writePump(g.pingInterval)
	g.readLoop(c)
}

// rejectBeforePump writes an error event synchronously; no write pump has
// been started for this socket yet.
func (g *Gateway) rejectBeforePump(ws *websocket.Conn, message string) {
	data, _ := json.Marshal(ErrorEvent(message))
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = ws.WriteMessage(websocket.TextMessage, data)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"), time.Now().Add(wsWriteWait))
	_ = ws.Close()
}

func (g *Gateway) readLoop(c *conn) {
	defer g.disconnect(c)

	c.ws.SetReadLimit(g.maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(g.idleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(g.idleTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(g.idleTimeout))

		if msgType != websocket.TextMessage {
			g.sendError(c, "expected text message")
			continue
		}

		msg, err := ParseClientMessage(data)
		if err != nil {
			g.metrics.Inc(metrics.ValidationFailure)
			g.sendError(c, "invalid message: "+err.Error())
			continue
		}

		g.dispatch(c, msg)
	}
}

// dispatch routes one validated inbound message. Handler failures become
// error events back to the sender; nothing here terminates the connection
// except a slow consumer.
func (g *Gateway) dispatch(c *conn, msg ClientMessage) {
	// leave-room is exempt from admission control so cleanup always
	// succeeds even for a connection that has exhausted its window.
	if msg.Type != EventLeaveRoom && g.limiter != nil && !g.limiter.Allow(c.id) {
		g.metrics.Inc(metrics.DropReasonRateLimited)
		g.sendError(c, "rate limit exceeded, request dropped")
		return
	}

	switch msg.Type {
	case EventJoinRoom:
		g.handleJoin(c, msg)
	case EventLeaveRoom:
		g.handleLeave(c, msg)
	case EventSignal:
		g.handleSignal(c, msg)
	case EventCustomMessage:
		g.handleCustomMessage(c, msg)
	}
}

func (g *Gateway) handleJoin(c *conn, msg ClientMessage) {
	if msg.UserID != c.userID {
		g.metrics.Inc(metrics.ValidationFailure)
		g.sendError(c, "userId does not match this connection")
		return
	}

	res := g.rooms.Join(msg.RoomID, c.userID)

	if res.Rejoined {
		// Same room again: no membership change, no notifications, but the
		// roster reply is still useful as an idempotent acknowledgment.
		g.sendEvent(c, RoomJoinedEvent(msg.RoomID, res.Members, false))
		return
	}

	g.metrics.Inc(metrics.RoomJoins)

	if res.PreviousRoom != "" {
		g.metrics.Inc(metrics.RoomLeaves)
		g.broadcast(res.PreviousMembers, c.userID, UserLeftEvent(c.userID))
		g.log.Info("room switched", "conn", c.id, "user", c.userID, "from", res.PreviousRoom, "to", msg.RoomID)
	} else {
		g.log.Info("room joined", "conn", c.id, "user", c.userID, "room", msg.RoomID, "members", len(res.Members))
	}

	g.broadcast(res.Members, c.userID, UserJoinedEvent(c.userID))
	g.sendEvent(c, RoomJoinedEvent(msg.RoomID, res.Members, res.First))
}

func (g *Gateway) handleLeave(c *conn, msg ClientMessage) {
	if msg.UserID != c.userID {
		g.metrics.Inc(metrics.ValidationFailure)
		g.sendError(c, "userId does not match this connection")
		return
	}

	remaining, left := g.rooms.Leave(msg.RoomID, c.userID)
	if !left {
		return
	}
	g.metrics.Inc(metrics.RoomLeaves)
	g.log.Info("room left", "conn", c.id, "user", c.userID, "room", msg.RoomID)
	g.broadcast(remaining, c.userID, UserLeftEvent(c.userID))
}

func (g *Gateway) handleSignal(c *conn, msg ClientMessage) {
	g.mu.Lock()
	dst := g.byUser[msg.To]
	g.mu.Unlock()

	if dst == nil {
		// The destination is gone; the sender cannot act on that, so the
		// relay is dropped without an error event.
		g.metrics.Inc(metrics.SignalsDropped)
		g.log.Debug("signal dropped", "from", c.userID, "to", msg.To)
		return
	}

	g.metrics.Inc(metrics.SignalsRelayed)
	g.sendEvent(dst, SignalEvent(c.userID, msg.Signal))
}

func (g *Gateway) handleCustomMessage(c *conn, msg ClientMessage) {
	room, ok := g.rooms.RoomOf(c.userID)
	if !ok || room != msg.RoomID {
		g.metrics.Inc(metrics.ValidationFailure)
		g.sendError(c, "not a member of room "+msg.RoomID)
		return
	}

	g.metrics.Inc(metrics.CustomMessages)
	ev := CustomMessageEvent(c.userID, msg.Message, msg.MessageType, g.clock.Now().UnixMilli())
	g.broadcast(g.rooms.Members(room), c.userID, ev)
}

// disconnect is the implicit leave: transport close performs the same
// cleanup as leave-room for whatever room the connection belonged to.
func (g *Gateway) disconnect(c *conn) {
	g.mu.Lock()
	// Guard against a newer connection having replaced this user id.
	if cur, ok := g.byUser[c.userID]; ok && cur == c {
		delete(g.byUser, c.userID)
	}
	g.mu.Unlock()

	if room, remaining, ok := g.rooms.RemoveUser(c.userID); ok {
		g.metrics.Inc(metrics.RoomLeaves)
		g.log.Info("disconnect cleanup", "conn", c.id, "user", c.userID, "room", room)
		g.broadcast(remaining, c.userID, UserLeftEvent(c.userID))
	}

	if g.limiter != nil {
		g.limiter.Forget(c.id)
	}

	c.close()
	g.metrics.Inc(metrics.ConnectionsClosed)
	g.log.Info("connection closed", "conn", c.id, "user", c.userID)
}

// broadcast fans out ev to every listed user except exclude.
func (g *Gateway) broadcast(users []string, exclude string, ev ServerEvent) {
	for _, user := range users {
		if user == exclude {
			continue
		}
		g.mu.Lock()
		dst := g.byUser[user]
		g.mu.Unlock()
		if dst == nil {
			continue
		}
		g.sendEvent(dst, ev)
	}
}

// sendEvent enqueues ev; a full queue means the client cannot keep up and
// the connection is dropped rather than blocking the sender.
func (g *Gateway) sendEvent(c *conn, ev ServerEvent) {
	if c.send(ev) {
		return
	}
	g.metrics.Inc(metrics.SlowConsumerClosed)
	g.log.Warn("slow consumer, closing", "conn", c.id, "user", c.userID)
	c.closeWith(websocket.ClosePolicyViolation, "outbound queue overflow")
}

func (g *Gateway) sendError(c *conn, message string) {
	g.sendEvent(c, ErrorEvent(message))
}

func newConnID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
