package signaling

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseClientMessage(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want EventType
	}{
		{"join", `{"type":"join-room","roomId":"r1","userId":"u1"}`, EventJoinRoom},
		{"leave", `{"type":"leave-room","roomId":"r1","userId":"u1"}`, EventLeaveRoom},
		{"signal", `{"type":"signal","to":"u2","signal":{"sdp":"x"}}`, EventSignal},
		{"custom", `{"type":"custom-message","roomId":"r1","message":{"k":1},"messageType":"chat"}`, EventCustomMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseClientMessage([]byte(tc.raw))
			if err != nil {
				t.Fatalf("ParseClientMessage: %v", err)
			}
			if msg.Type != tc.want {
				t.Fatalf("type = %q, want %q", msg.Type, tc.want)
			}
		})
	}
}

func TestParseClientMessageRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"unknown type", `{"type":"shutdown"}`},
		{"join missing room", `{"type":"join-room","userId":"u1"}`},
		{"join missing user", `{"type":"join-room","roomId":"r1"}`},
		{"join with signal field", `{"type":"join-room","roomId":"r1","userId":"u1","signal":{}}`},
		{"leave missing user", `{"type":"leave-room","roomId":"r1"}`},
		{"signal missing to", `{"type":"signal","signal":{}}`},
		{"signal missing payload", `{"type":"signal","to":"u2"}`},
		{"signal with room field", `{"type":"signal","to":"u2","signal":{},"roomId":"r1"}`},
		{"custom missing room", `{"type":"custom-message","message":{}}`},
		{"custom missing message", `{"type":"custom-message","roomId":"r1"}`},
		{"unknown field", `{"type":"join-room","roomId":"r1","userId":"u1","extra":true}`},
		{"trailing data", `{"type":"join-room","roomId":"r1","userId":"u1"}{}`},
		{"not json", `join please`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseClientMessage([]byte(tc.raw)); err == nil {
				t.Fatalf("expected error for %s", tc.raw)
			}
		})
	}
}

func TestErrorEventRoundTrip(t *testing.T) {
	ev := ErrorEvent(`rate limit "exceeded"`)
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	parsed, err := ParseServerEvent(data)
	if err != nil {
		t.Fatalf("ParseServerEvent: %v", err)
	}
	if parsed.Type != EventError {
		t.Fatalf("type = %q", parsed.Type)
	}
	if got := parsed.ErrorMessage(); got != `rate limit "exceeded"` {
		t.Fatalf("message = %q", got)
	}
}

func TestRoomJoinedEventCarriesExplicitFalse(t *testing.T) {
	data, err := json.Marshal(RoomJoinedEvent("r1", []string{"a", "b"}, false))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"isFirstUser":false`) {
		t.Fatalf("isFirstUser not serialized: %s", data)
	}
}

func TestParseServerEventToleratesUnknownFields(t *testing.T) {
	ev, err := ParseServerEvent([]byte(`{"type":"user-joined","userId":"u2","futureField":1}`))
	if err != nil {
		t.Fatalf("ParseServerEvent: %v", err)
	}
	if ev.UserID != "u2" {
		t.Fatalf("userId = %q", ev.UserID)
	}
}

func TestParseServerEventRequiresType(t *testing.T) {
	if _, err := ParseServerEvent([]byte(`{"userId":"u2"}`)); err == nil {
		t.Fatalf("expected error for missing type")
	}
}
