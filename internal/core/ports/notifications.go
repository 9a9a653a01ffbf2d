package ports

import (
	"ridercomm/internal/core/domain"
)

type NotificationKind string

const (
	NotifyLocalStreamReady      NotificationKind = "local-stream-ready"
	NotifyRemoteStreamReady     NotificationKind = "remote-stream-ready"
	NotifyPeerStateChanged      NotificationKind = "peer-state-changed"
	NotifySignalingStateChanged NotificationKind = "signaling-state-changed"
	NotifyRoomJoined            NotificationKind = "room-joined"
	NotifyPeerLeft              NotificationKind = "peer-left"
	NotifyLinkStats             NotificationKind = "link-stats"
	NotifyWarning               NotificationKind = "warning"
	NotifyServerError           NotificationKind = "server-error"
)

// Notification is an engine event for the presentation layer. Only the
// fields relevant to Kind are set.
type Notification struct {
	Kind           NotificationKind
	RemoteID       domain.ConnectionID
	RoomID         domain.RoomID
	Role           domain.Role
	LinkState      domain.LinkState
	SignalingState domain.SignalingState
	LocalStream    LocalStream
	RemoteStream   RemoteStream
	Stats          domain.LinkStats
	Message        string
	Err            error
}
