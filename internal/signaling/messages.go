package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// EventType tags both client-to-server messages and server-to-client events.
type EventType string

const (
	// Client -> server.
	EventJoinRoom      EventType = "join-room"
	EventLeaveRoom     EventType = "leave-room"
	EventSignal        EventType = "signal"
	EventCustomMessage EventType = "custom-message"

	// Server -> client. EventSignal and EventCustomMessage appear in both
	// directions with different field sets.
	EventRoomJoined EventType = "room-joined"
	EventUserJoined EventType = "user-joined"
	EventUserLeft   EventType = "user-left"
	EventError      EventType = "error"
)

// ClientMessage is the inbound envelope. Which fields are required depends
// on Type; see validate.
type ClientMessage struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"roomId,omitempty"`
	UserID string    `json:"userId,omitempty"`

	// Signal relay.
	To     string          `json:"to,omitempty"`
	Signal json.RawMessage `json:"signal,omitempty"`

	// Custom message broadcast. MessageType is the application-defined
	// payload tag (the envelope's own tag is Type).
	Message     json.RawMessage `json:"message,omitempty"`
	MessageType string          `json:"messageType,omitempty"`
}

// ParseClientMessage decodes and validates one inbound message. Unknown
// fields and trailing data are rejected.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg ClientMessage
	if err := dec.Decode(&msg); err != nil {
		return ClientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return ClientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ClientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m ClientMessage) validate() error {
	switch m.Type {
	case EventJoinRoom:
		if m.RoomID == "" || m.UserID == "" {
			return fmt.Errorf("join-room message missing roomId/userId")
		}
		if m.To != "" || m.Signal != nil || m.Message != nil || m.MessageType != "" {
			return fmt.Errorf("join-room message has unexpected fields")
		}
	case EventLeaveRoom:
		if m.RoomID == "" || m.UserID == "" {
			return fmt.Errorf("leave-room message missing roomId/userId")
		}
		if m.To != "" || m.Signal != nil || m.Message != nil || m.MessageType != "" {
			return fmt.Errorf("leave-room message has unexpected fields")
		}
	case EventSignal:
		if m.To == "" {
			return fmt.Errorf("signal message missing to")
		}
		if len(m.Signal) == 0 {
			return fmt.Errorf("signal message missing signal")
		}
		if m.RoomID != "" || m.UserID != "" || m.Message != nil || m.MessageType != "" {
			return fmt.Errorf("signal message has unexpected fields")
		}
	case EventCustomMessage:
		if m.RoomID == "" {
			return fmt.Errorf("custom-message message missing roomId")
		}
		if len(m.Message) == 0 {
			return fmt.Errorf("custom-message message missing message")
		}
		if m.UserID != "" || m.To != "" || m.Signal != nil {
			return fmt.Errorf("custom-message message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// ServerEvent is the outbound envelope, also decoded by the client. For
// EventError, Message holds a JSON string (use ErrorMessage).
type ServerEvent struct {
	Type EventType `json:"type"`

	// room-joined.
	RoomID      string   `json:"roomId,omitempty"`
	Users       []string `json:"users,omitempty"`
	IsFirstUser *bool    `json:"isFirstUser,omitempty"`

	// user-joined / user-left.
	UserID string `json:"userId,omitempty"`

	// signal / custom-message relay; From is stamped by the gateway.
	From        string          `json:"from,omitempty"`
	Signal      json.RawMessage `json:"signal,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
	MessageType string          `json:"messageType,omitempty"`

	// custom-message server receive time, unix milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`
}

func RoomJoinedEvent(roomID string, users []string, first bool) ServerEvent {
	return ServerEvent{
		Type:        EventRoomJoined,
		RoomID:      roomID,
		Users:       users,
		IsFirstUser: &first,
	}
}

func UserJoinedEvent(userID string) ServerEvent {
	return ServerEvent{Type: EventUserJoined, UserID: userID}
}

func UserLeftEvent(userID string) ServerEvent {
	return ServerEvent{Type: EventUserLeft, UserID: userID}
}

func SignalEvent(from string, signal json.RawMessage) ServerEvent {
	return ServerEvent{Type: EventSignal, From: from, Signal: signal}
}

func CustomMessageEvent(from string, message json.RawMessage, messageType string, timestampMillis int64) ServerEvent {
	return ServerEvent{
		Type:        EventCustomMessage,
		From:        from,
		Message:     message,
		MessageType: messageType,
		Timestamp:   timestampMillis,
	}
}

func ErrorEvent(message string) ServerEvent {
	raw, _ := json.Marshal(message)
	return ServerEvent{Type: EventError, Message: raw}
}

// ErrorMessage returns the human-readable message of an EventError event.
func (e ServerEvent) ErrorMessage() string {
	if e.Type != EventError {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Message, &s); err != nil {
		return string(e.Message)
	}
	return s
}

// ParseServerEvent decodes one gateway event on the client side. Unknown
// fields are tolerated here so older clients keep working against newer
// gateways.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, err
	}
	if ev.Type == "" {
		return ServerEvent{}, fmt.Errorf("event missing type")
	}
	return ev, nil
}
