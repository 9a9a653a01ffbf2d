package media

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"ridercomm/internal/core/ports"

	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"go.uber.org/zap"
)

// Sink consumes inbound audio. With a directory set, audible packets are
// written to one Ogg file per remote stream; otherwise they are discarded.
type Sink struct {
	dir     string
	audible func() bool
	logger  *zap.SugaredLogger

	packets atomic.Uint64
}

func NewSink(dir string, audible func() bool, logger *zap.SugaredLogger) *Sink {
	if audible == nil {
		audible = func() bool { return true }
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sink{dir: dir, audible: audible, logger: logger}
}

// Consume reads stream until it ends. It returns the path written, if any.
func (s *Sink) Consume(stream ports.RemoteStream) (string, error) {
	var (
		writer *oggwriter.OggWriter
		path   string
	)
	if s.dir != "" {
		path = filepath.Join(s.dir, fmt.Sprintf("%s-%d.ogg", stream.RemoteID(), time.Now().Unix()))
		codec := stream.Codec()
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		w, err := oggwriter.New(path, codec.ClockRate, channels)
		if err != nil {
			return "", fmt.Errorf("failed to create recording %s: %w", path, err)
		}
		writer = w
		defer writer.Close()
		s.logger.Infow("recording remote audio", "remote_id", stream.RemoteID(), "path", path)
	}

	for {
		packet, err := stream.ReadRTP()
		if err != nil {
			return path, nil
		}
		s.packets.Add(1)
		if writer == nil || !s.audible() {
			continue
		}
		if err := writer.WriteRTP(packet); err != nil {
			s.logger.Debugw("failed to write RTP packet", "remote_id", stream.RemoteID(), "error", err)
		}
	}
}

// Packets is the number of RTP packets consumed so far.
func (s *Sink) Packets() uint64 {
	return s.packets.Load()
}
