package media

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"ridercomm/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// AudioTrack is an Opus sample track. While disabled it keeps sending
// silence so the remote side sees a live but quiet stream.
type AudioTrack struct {
	id      string
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stopped atomic.Bool
}

var _ ports.LocalTrack = (*AudioTrack)(nil)

func NewAudioTrack(streamID string) (*AudioTrack, error) {
	id := "audio-" + uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		id,
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	t := &AudioTrack{id: id, track: track}
	t.enabled.Store(true)
	return t, nil
}

func (t *AudioTrack) ID() string               { return t.id }
func (t *AudioTrack) Track() webrtc.TrackLocal { return t.track }
func (t *AudioTrack) SetEnabled(enabled bool)  { t.enabled.Store(enabled) }
func (t *AudioTrack) Enabled() bool            { return t.enabled.Load() }

func (t *AudioTrack) Stop() error {
	t.stopped.Store(true)
	return nil
}

// WriteSample sends one Opus packet, or silence while disabled.
func (t *AudioTrack) WriteSample(data []byte, duration time.Duration) error {
	if t.stopped.Load() {
		return io.ErrClosedPipe
	}
	if !t.enabled.Load() {
		data = opusSilence
	}
	return t.track.WriteSample(pionmedia.Sample{Data: data, Duration: duration})
}

// Stream is a LocalStream of audio tracks fed by one pump goroutine.
type Stream struct {
	id     string
	tracks []ports.LocalTrack

	stopOnce sync.Once
	stop     func()
}

var _ ports.LocalStream = (*Stream)(nil)

func newStream(id string, stop func(), tracks ...ports.LocalTrack) *Stream {
	if stop == nil {
		stop = func() {}
	}
	return &Stream{id: id, tracks: tracks, stop: stop}
}

func (s *Stream) ID() string                 { return s.id }
func (s *Stream) Tracks() []ports.LocalTrack { return s.tracks }

func (s *Stream) Stop() error {
	s.stopOnce.Do(func() {
		s.stop()
		for _, t := range s.tracks {
			t.Stop()
		}
	})
	return nil
}
