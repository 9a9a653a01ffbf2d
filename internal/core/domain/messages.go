package domain

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	MessageJoinRoom     MessageType = "join-room"
	MessageRoomJoined   MessageType = "room-joined"
	MessageUserJoined   MessageType = "user-joined"
	MessageUserLeft     MessageType = "user-left"
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice-candidate"
	MessageError        MessageType = "error"
)

// BodyKey names the payload field carrying the negotiation body for relayed
// message types. It returns "" for every other type.
func (t MessageType) BodyKey() string {
	switch t {
	case MessageOffer:
		return "offer"
	case MessageAnswer:
		return "answer"
	case MessageICECandidate:
		return "candidate"
	default:
		return ""
	}
}

// Relayed reports whether the relay forwards this type point to point.
func (t MessageType) Relayed() bool {
	return t.BodyKey() != ""
}

// SignalMessage is the WebSocket envelope in both directions.
type SignalMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into an envelope of the given type.
func NewMessage(t MessageType, payload interface{}) (SignalMessage, error) {
	if payload == nil {
		return SignalMessage{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return SignalMessage{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return SignalMessage{Type: t, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (m SignalMessage) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedMessage, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedMessage, m.Type, err)
	}
	return nil
}

type JoinRoomPayload struct {
	RoomID RoomID `json:"roomId"`
	Role   Role   `json:"role,omitempty"`
}

type RoomJoinedPayload struct {
	RoomID RoomID `json:"roomId"`
	Role   Role   `json:"role"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// OfferPayload carries an SDP offer; To is set by senders, From by the relay.
type OfferPayload struct {
	Offer json.RawMessage `json:"offer"`
	To    ConnectionID    `json:"to,omitempty"`
	From  ConnectionID    `json:"from,omitempty"`
}

type AnswerPayload struct {
	Answer json.RawMessage `json:"answer"`
	To     ConnectionID    `json:"to,omitempty"`
	From   ConnectionID    `json:"from,omitempty"`
}

type CandidatePayload struct {
	Candidate json.RawMessage `json:"candidate"`
	To        ConnectionID    `json:"to,omitempty"`
	From      ConnectionID    `json:"from,omitempty"`
}
