package domain

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// ConnectionID is assigned by the relay to each signaling connection.
type ConnectionID string

// RoomID is an opaque room name. Clients upper-case typed codes; the relay
// compares ids byte for byte.
type RoomID string

// NormalizeRoomID applies the client-side convention for typed room codes.
func NormalizeRoomID(s string) RoomID {
	return RoomID(strings.ToUpper(strings.TrimSpace(s)))
}

type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// ParseRole maps a wire value to a Role. Anything but "host" is a client.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleHost:
		return RoleHost
	default:
		return RoleClient
	}
}

// InitiatesOffer reports whether a participant with this role sends the
// offer when it learns about a new remote member.
func (r Role) InitiatesOffer() bool {
	switch r {
	case RoleClient:
		return true
	default:
		return false
	}
}

// LinkState is the lifecycle of one negotiated peer link.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkNegotiating
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal states end a link; a later user-joined creates a fresh one.
func (s LinkState) Terminal() bool {
	return s == LinkDisconnected || s == LinkFailed || s == LinkClosed
}

// SignalingState is the client's view of its relay connection.
type SignalingState string

const (
	SignalingConnecting   SignalingState = "connecting"
	SignalingConnected    SignalingState = "connected"
	SignalingReconnecting SignalingState = "reconnecting"
	SignalingFailed       SignalingState = "failed"
	SignalingClosed       SignalingState = "closed"
)

// RoomSummary describes one live room for operators.
type RoomSummary struct {
	RoomID  RoomID `json:"roomId"`
	Members int    `json:"members"`
}

const (
	roomCodeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	RoomCodeLength   = 7
)

// NewRoomCode returns a random 7 character upper-case base-36 code.
func NewRoomCode() RoomID {
	var b strings.Builder
	max := big.NewInt(int64(len(roomCodeAlphabet)))
	for i := 0; i < RoomCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b.WriteByte(roomCodeAlphabet[n.Int64()])
	}
	return RoomID(b.String())
}
