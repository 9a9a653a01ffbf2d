package ports

import (
	"context"

	"github.com/pion/webrtc/v3"
)

// LocalTrack is one captured audio track. A disabled track keeps its
// transceiver but sends silence.
type LocalTrack interface {
	ID() string
	Track() webrtc.TrackLocal
	SetEnabled(enabled bool)
	Enabled() bool
	Stop() error
}

// LocalStream groups the tracks of one capture session.
type LocalStream interface {
	ID() string
	Tracks() []LocalTrack
	Stop() error
}

// MediaSource acquires the local capture device.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalStream, error)
}
