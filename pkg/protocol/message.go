package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Kind names a signaling message type on the wire.
type Kind string

// Client to server.
const (
	KindRoomJoin      Kind = "room:join"
	KindUserCall      Kind = "user:call"
	KindCallAccepted  Kind = "call:accepted"
	KindNegoNeeded    Kind = "peer:nego:needed"
	KindNegoDone      Kind = "peer:nego:done"
	KindICECandidate  Kind = "ice:candidate"
	KindScreenShare   Kind = "screen:share"
	KindScreenStop    Kind = "screen:stop"
	KindCameraToggled Kind = "camera:toggled"
	KindUserLeft      Kind = "user:left"
)

// Server to client. room:join is reused for the join acknowledgement and
// call:accepted, peer:nego:needed, ice:candidate, screen:stop,
// camera:toggled and user:left keep their names when relayed.
const (
	KindUserJoined   Kind = "user:joined"
	KindIncomingCall Kind = "incoming:call"
	KindNegoFinal    Kind = "peer:nego:final"
	KindScreenShared Kind = "screen:shared"
	KindError        Kind = "error"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeRoomFull    = "room_full"
	CodeInvalidRoom = "invalid_room"
	CodeBadMessage  = "bad_message"
	CodeNotJoined   = "not_joined"
)

// Envelope is the single frame exchanged between clients and the relay.
//
// To and From are routing metadata only. Payload is opaque to the relay,
// which forwards it byte-for-byte.
type Envelope struct {
	Type    Kind            `json:"type"`
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with a JSON-encoded payload. A nil payload leaves
// the field empty.
func New(kind Kind, to string, payload any) (Envelope, error) {
	env := Envelope{Type: kind, To: to}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message missing payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Parse decodes a single envelope from data, rejecting unknown top-level
// fields and trailing garbage, then validates it as a client-originated
// message.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the routing fields of a client-originated envelope. The
// payload is only inspected for room:join, the one kind addressed to the
// server itself.
func (e Envelope) Validate() error {
	if e.From != "" {
		return fmt.Errorf("%s message must not set from", e.Type)
	}
	switch e.Type {
	case KindRoomJoin:
		if e.To != "" {
			return fmt.Errorf("room:join message must not set to")
		}
		var req JoinRequest
		if err := e.Decode(&req); err != nil {
			return err
		}
		if req.Room == "" {
			return fmt.Errorf("room:join message missing room")
		}
	case KindUserCall, KindCallAccepted, KindNegoNeeded, KindNegoDone, KindICECandidate:
		if e.To == "" {
			return fmt.Errorf("%s message missing to", e.Type)
		}
		if len(e.Payload) == 0 {
			return fmt.Errorf("%s message missing payload", e.Type)
		}
	case KindScreenShare, KindScreenStop, KindCameraToggled, KindUserLeft:
		// Routed to the sender's room peer when to is empty.
	default:
		return fmt.Errorf("unsupported message type %q", e.Type)
	}
	return nil
}

// OutboundKind maps the kind a client sends to the kind its peer receives.
func OutboundKind(k Kind) Kind {
	switch k {
	case KindUserCall:
		return KindIncomingCall
	case KindNegoDone:
		return KindNegoFinal
	case KindScreenShare:
		return KindScreenShared
	default:
		return k
	}
}

// Routed reports whether the relay forwards k to another participant.
func Routed(k Kind) bool {
	switch k {
	case KindUserCall, KindCallAccepted, KindNegoNeeded, KindNegoDone, KindICECandidate,
		KindScreenShare, KindScreenStop, KindCameraToggled, KindUserLeft:
		return true
	}
	return false
}
