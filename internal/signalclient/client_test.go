package signalclient

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/univo/univo-rtc/internal/rooms"
	"github.com/univo/univo-rtc/internal/signaling"
)

func newGatewayServer(t *testing.T) *httptest.Server {
	t.Helper()
	gw := signaling.NewGateway(signaling.Config{
		Rooms:  rooms.NewRegistry(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	mux := http.NewServeMux()
	gw.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		gw.Close()
	})
	return srv
}

func connect(t *testing.T, srv *httptest.Server, userID string) *Client {
	t.Helper()
	c, err := New(srv.URL, userID, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func nextEvent(t *testing.T, c *Client, want signaling.EventType) signaling.ServerEvent {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatalf("event channel closed while waiting for %q", want)
		}
		if ev.Type != want {
			t.Fatalf("event = %+v, want type %q", ev, want)
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
	return signaling.ServerEvent{}
}

func TestNewRequiresUserID(t *testing.T) {
	if _, err := New("ws://localhost/ws", "", nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestJoinRoomRoundTrip(t *testing.T) {
	srv := newGatewayServer(t)

	a := connect(t, srv, "A")
	if err := a.JoinRoom("R1"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	ev := nextEvent(t, a, signaling.EventRoomJoined)
	if ev.RoomID != "R1" || ev.IsFirstUser == nil || !*ev.IsFirstUser {
		t.Fatalf("room-joined = %+v", ev)
	}
}

func TestSignalRelayBetweenClients(t *testing.T) {
	srv := newGatewayServer(t)

	a := connect(t, srv, "A")
	if err := a.JoinRoom("R1"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	nextEvent(t, a, signaling.EventRoomJoined)

	b := connect(t, srv, "B")
	if err := b.JoinRoom("R1"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	nextEvent(t, b, signaling.EventRoomJoined)
	nextEvent(t, a, signaling.EventUserJoined)

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	if err := a.Signal("B", payload); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	ev := nextEvent(t, b, signaling.EventSignal)
	if ev.From != "A" || string(ev.Signal) != string(payload) {
		t.Fatalf("signal = %+v", ev)
	}
}

func TestEventsChannelClosesOnServerShutdown(t *testing.T) {
	srv := newGatewayServer(t)

	a := connect(t, srv, "A")
	srv.CloseClientConnections()

	select {
	case _, ok := <-a.Events():
		if ok {
			// Drain: a buffered event may precede the close.
			for range a.Events() {
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("events channel did not close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newGatewayServer(t)
	a := connect(t, srv, "A")
	a.Close()
	a.Close()

	if err := a.JoinRoom("R1"); err == nil {
		t.Fatalf("expected send after close to fail")
	}
}
