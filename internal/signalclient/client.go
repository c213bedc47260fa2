// Package signalclient maintains a client connection to the signaling
// gateway: one WebSocket, a read pump delivering decoded events, and a
// write pump with keepalive pings.
package signalclient

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/univo/univo-rtc/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is a connection to the signaling gateway for one user id.
//
// Events arrive on the Events channel in gateway order; the channel is
// closed when the connection drops. Sends are asynchronous: SendMessage
// enqueues and the write pump delivers. Close is safe to call repeatedly
// and from any goroutine.
type Client struct {
	serverURL string
	userID    string
	log       *slog.Logger

	conn     *websocket.Conn
	events   chan signaling.ServerEvent
	outgoing chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func New(serverURL, userID string, log *slog.Logger) (*Client, error) {
	if userID == "" {
		return nil, fmt.Errorf("signalclient: user id is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		serverURL: serverURL,
		userID:    userID,
		log:       log,
		events:    make(chan signaling.ServerEvent, 32),
		outgoing:  make(chan []byte, 32),
		done:      make(chan struct{}),
	}, nil
}

// Connect dials ws(s)://host/ws?userId=<id> and starts the pumps.
func (c *Client) Connect() error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	q.Set("userId", c.userID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect signaling server: %w", err)
	}
	c.conn = conn

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()

	c.log.Info("signaling connected", "server", c.serverURL, "user", c.userID)
	return nil
}

// UserID returns the identity this client presented at connect time.
func (c *Client) UserID() string {
	return c.userID
}

// Events returns the inbound event channel. Closed on disconnect.
func (c *Client) Events() <-chan signaling.ServerEvent {
	return c.events
}

// Done is closed when the client shuts down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readPump() {
	defer func() {
		_ = c.conn.Close()
		close(c.events)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := signaling.ParseServerEvent(data)
		if err != nil {
			c.log.Warn("unparseable server event", "err", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// send enqueues one message; full queue or closed client drops it. Callers
// treat signaling sends as best-effort (the gateway may drop them too).
func (c *Client) send(msg signaling.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return fmt.Errorf("signalclient: closed")
	default:
	}
	select {
	case c.outgoing <- data:
		return nil
	default:
		return fmt.Errorf("signalclient: outbound queue full")
	}
}

// JoinRoom asks the gateway to add this user to roomID.
func (c *Client) JoinRoom(roomID string) error {
	return c.send(signaling.ClientMessage{
		Type:   signaling.EventJoinRoom,
		RoomID: roomID,
		UserID: c.userID,
	})
}

// LeaveRoom removes this user from roomID. Idempotent server-side.
func (c *Client) LeaveRoom(roomID string) error {
	return c.send(signaling.ClientMessage{
		Type:   signaling.EventLeaveRoom,
		RoomID: roomID,
		UserID: c.userID,
	})
}

// Signal relays an opaque payload to the peer identified by its user id.
func (c *Client) Signal(to string, payload json.RawMessage) error {
	return c.send(signaling.ClientMessage{
		Type:   signaling.EventSignal,
		To:     to,
		Signal: payload,
	})
}

// SendCustomMessage broadcasts an application payload to roomID.
func (c *Client) SendCustomMessage(roomID string, message json.RawMessage, messageType string) error {
	return c.send(signaling.ClientMessage{
		Type:        signaling.EventCustomMessage,
		RoomID:      roomID,
		Message:     message,
		MessageType: messageType,
	})
}

// Close tears the connection down.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			// Give the write pump a moment to flush the close frame.
			time.AfterFunc(writeWait, func() { _ = c.conn.Close() })
		}
	})
}
