package peer

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Signaling payloads relayed through the gateway. The gateway treats them
// as opaque JSON; both ends agree on this shape.
const (
	signalOffer     = "offer"
	signalAnswer    = "answer"
	signalCandidate = "candidate"
)

type signalPayload struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func marshalSDPSignal(desc webrtc.SessionDescription) (json.RawMessage, error) {
	var typ string
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		typ = signalOffer
	case webrtc.SDPTypeAnswer:
		typ = signalAnswer
	default:
		return nil, fmt.Errorf("unsupported sdp type %q", desc.Type)
	}
	return json.Marshal(signalPayload{Type: typ, SDP: desc.SDP})
}

func marshalCandidateSignal(init webrtc.ICECandidateInit) (json.RawMessage, error) {
	return json.Marshal(signalPayload{Type: signalCandidate, Candidate: &init})
}

func parseSignalPayload(raw json.RawMessage) (signalPayload, error) {
	var p signalPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return signalPayload{}, err
	}
	switch p.Type {
	case signalOffer, signalAnswer:
		if p.SDP == "" {
			return signalPayload{}, fmt.Errorf("%s signal missing sdp", p.Type)
		}
	case signalCandidate:
		if p.Candidate == nil {
			return signalPayload{}, fmt.Errorf("candidate signal missing candidate")
		}
	default:
		return signalPayload{}, fmt.Errorf("unsupported signal type %q", p.Type)
	}
	return p, nil
}

// Data channel control protocol: a msgpack envelope with a type tag and an
// opaque payload, one envelope per data channel message.
const (
	ControlMediaState = "media-state"
	ControlData       = "data"
)

type ControlMessage struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// MediaStatePayload announces the sender's local track enabled flags.
type MediaStatePayload struct {
	Audio bool `msgpack:"audio"`
	Video bool `msgpack:"video"`
}

// DataPayload carries an application-defined blob.
type DataPayload struct {
	Bytes []byte `msgpack:"bytes"`
}

func NewControlMessage(typ string, payload any) (ControlMessage, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return ControlMessage{}, err
	}
	return ControlMessage{Type: typ, Payload: b}, nil
}

func (m ControlMessage) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

func (m ControlMessage) Encode() ([]byte, error) {
	return msgpack.Marshal(m)
}

func DecodeControlMessage(data []byte) (ControlMessage, error) {
	var m ControlMessage
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return ControlMessage{}, err
	}
	if m.Type == "" {
		return ControlMessage{}, fmt.Errorf("control message missing type")
	}
	return m, nil
}
