package domain

import "time"

// LinkStats summarises the latest RTCP receiver report a remote peer sent
// about our outbound audio.
type LinkStats struct {
	RemoteID     ConnectionID
	Timestamp    time.Time
	FractionLost float64 // 0-1
	PacketsLost  uint32
	Jitter       time.Duration
	HighestSeq   uint32
}

type MembershipEventType string

const (
	MembershipJoined MembershipEventType = "member_joined"
	MembershipLeft   MembershipEventType = "member_left"
)

// MembershipEvent records one room membership change on a relay instance.
type MembershipEvent struct {
	Type         MembershipEventType `json:"type"`
	RoomID       RoomID              `json:"room_id"`
	ConnectionID ConnectionID        `json:"connection_id"`
	Role         Role                `json:"role,omitempty"`
	Members      int                 `json:"members"`
	Timestamp    time.Time           `json:"timestamp"`
}

// RelayStats is a point-in-time view of relay occupancy.
type RelayStats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Members     int `json:"members"`
}
