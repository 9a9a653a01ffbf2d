package ports

import (
	"context"

	"ridercomm/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// TransportCallbacks are invoked from transport goroutines.
type TransportCallbacks struct {
	OnICECandidate func(candidate webrtc.ICECandidateInit)
	OnRemoteStream func(stream RemoteStream)
	OnStateChange  func(state webrtc.PeerConnectionState)
	OnStats        func(stats domain.LinkStats)
}

// TransportFactory creates one media transport per remote peer.
type TransportFactory interface {
	NewTransport(remoteID domain.ConnectionID, callbacks TransportCallbacks) (PeerTransport, error)
}

// PeerTransport is a single peer-to-peer media session.
type PeerTransport interface {
	AddTrack(track LocalTrack) error
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// HandleOffer applies a remote offer, then creates and applies the answer.
	HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// RemoteStream is inbound audio from one remote peer.
type RemoteStream interface {
	RemoteID() domain.ConnectionID
	TrackID() string
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, error)
}
