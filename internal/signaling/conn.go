package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

// conn is the server-side handle for one client's WebSocket session.
//
// The user id is captured once at upgrade time and used for all routing and
// cleanup afterwards; it is never re-read from transport data. Outbound
// events go through a buffered channel drained by a dedicated write pump, so
// producing an event never blocks a message handler.
type conn struct {
	// id is a random identifier for logs and the rate-limiter key.
	id     string
	userID string

	ws  *websocket.Conn
	log *slog.Logger

	outbound chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id, userID string, ws *websocket.Conn, queueSize int, log *slog.Logger) *conn {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &conn{
		id:       id,
		userID:   userID,
		ws:       ws,
		log:      log,
		outbound: make(chan []byte, queueSize),
		done:     make(chan struct{}),
	}
}

// send enqueues one event for delivery. It reports false when the outbound
// queue is full or the connection is closed; the caller decides whether that
// is fatal (slow consumer) or ignorable.
func (c *conn) send(ev ServerEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("marshal outbound event", "err", err, "conn", c.id)
		return true
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- data:
		return true
	default:
		return false
	}
}

// writePump drains the outbound queue and keeps the connection alive with
// pings. It exits when the queue is closed or a write fails.
func (c *conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.outbound:
			if !ok {
				_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// close tears down the transport. Safe to call from any goroutine, any
// number of times.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// closeWith sends a close frame with the given code before tearing down.
func (c *conn) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.close()
}
