package services

import (
	"sync"

	"ridercomm/internal/core/domain"
	"ridercomm/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// PeerLink is the negotiation state for one remote participant. Its own
// mutex guards state only; transport calls happen outside it.
type PeerLink struct {
	remoteID  domain.ConnectionID
	offerer   bool
	transport ports.PeerTransport

	mu                sync.Mutex
	state             domain.LinkState
	attached          map[string]bool
	remoteDescription bool
	pending           []webrtc.ICECandidateInit
	closed            bool
}

func newPeerLink(remoteID domain.ConnectionID, offerer bool) *PeerLink {
	return &PeerLink{
		remoteID: remoteID,
		offerer:  offerer,
		state:    domain.LinkNew,
		attached: make(map[string]bool),
	}
}

func (l *PeerLink) RemoteID() domain.ConnectionID { return l.remoteID }

// Offerer reports whether this side sends the offer.
func (l *PeerLink) Offerer() bool { return l.offerer }

func (l *PeerLink) State() domain.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// setState moves the link forward. Terminal states are sticky.
func (l *PeerLink) setState(s domain.LinkState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == s || l.state.Terminal() {
		return false
	}
	l.state = s
	return true
}

// AttachedTracks is the number of local tracks added to the transport.
func (l *PeerLink) AttachedTracks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attached)
}

// attach adds the tracks not yet on the transport.
func (l *PeerLink) attach(tracks []ports.LocalTrack) error {
	var missing []ports.LocalTrack
	l.mu.Lock()
	for _, t := range tracks {
		if !l.attached[t.ID()] {
			l.attached[t.ID()] = true
			missing = append(missing, t)
		}
	}
	l.mu.Unlock()

	for _, t := range missing {
		if err := l.transport.AddTrack(t); err != nil {
			l.mu.Lock()
			delete(l.attached, t.ID())
			l.mu.Unlock()
			return err
		}
	}
	return nil
}

// addCandidate applies c, or queues it until the remote description is set.
func (l *PeerLink) addCandidate(c webrtc.ICECandidateInit) (queued bool, err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false, nil
	}
	if !l.remoteDescription {
		l.pending = append(l.pending, c)
		l.mu.Unlock()
		return true, nil
	}
	l.mu.Unlock()
	return false, l.transport.AddICECandidate(c)
}

// remoteDescriptionApplied marks the remote description set and returns
// the queued candidates to apply.
func (l *PeerLink) remoteDescriptionApplied() []webrtc.ICECandidateInit {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteDescription = true
	pending := l.pending
	l.pending = nil
	return pending
}

// PendingCandidates is the number of candidates waiting for a remote
// description.
func (l *PeerLink) PendingCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *PeerLink) close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.pending = nil
	if !l.state.Terminal() {
		l.state = domain.LinkClosed
	}
	l.mu.Unlock()

	if l.transport == nil {
		return nil
	}
	return l.transport.Close()
}
