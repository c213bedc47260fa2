package peer

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestSignalPayloadRoundTrip(t *testing.T) {
	raw, err := marshalSDPSignal(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "v=0\r\n",
	})
	if err != nil {
		t.Fatalf("marshalSDPSignal: %v", err)
	}
	p, err := parseSignalPayload(raw)
	if err != nil {
		t.Fatalf("parseSignalPayload: %v", err)
	}
	if p.Type != signalOffer || p.SDP != "v=0\r\n" {
		t.Fatalf("payload = %+v", p)
	}

	mid := "0"
	raw, err = marshalCandidateSignal(webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
		SDPMid:    &mid,
	})
	if err != nil {
		t.Fatalf("marshalCandidateSignal: %v", err)
	}
	p, err = parseSignalPayload(raw)
	if err != nil {
		t.Fatalf("parseSignalPayload: %v", err)
	}
	if p.Type != signalCandidate || p.Candidate == nil || *p.Candidate.SDPMid != "0" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestParseSignalPayloadRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"unknown type", `{"type":"hangup"}`},
		{"offer without sdp", `{"type":"offer"}`},
		{"candidate without body", `{"type":"candidate"}`},
		{"not json", `offer`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseSignalPayload(json.RawMessage(tc.raw)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestControlMessageRoundTrip(t *testing.T) {
	msg, err := NewControlMessage(ControlMediaState, MediaStatePayload{Audio: true, Video: false})
	if err != nil {
		t.Fatalf("NewControlMessage: %v", err)
	}
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := DecodeControlMessage(data)
	if err != nil {
		t.Fatalf("DecodeControlMessage: %v", err)
	}
	if decoded.Type != ControlMediaState {
		t.Fatalf("type = %q", decoded.Type)
	}
	var state MediaStatePayload
	if err := decoded.DecodePayload(&state); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if !state.Audio || state.Video {
		t.Fatalf("state = %+v", state)
	}
}

func TestDecodeControlMessageRejectsGarbage(t *testing.T) {
	if _, err := DecodeControlMessage([]byte("not msgpack at all")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLinkStateString(t *testing.T) {
	want := map[LinkState]string{
		StateNew:          "new",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateDisconnected: "disconnected",
		StateFailed:       "failed",
		StateClosed:       "closed",
	}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), name)
		}
	}
}
