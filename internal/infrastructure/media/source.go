package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"time"

	"ridercomm/internal/core/domain"
	"ridercomm/internal/core/ports"
	apperrors "ridercomm/pkg/errors"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"go.uber.org/zap"
)

// NoCaptureSource is used when no microphone is configured. The engine
// then runs receive-only.
type NoCaptureSource struct{}

func (NoCaptureSource) Acquire(ctx context.Context) (ports.LocalStream, error) {
	return nil, apperrors.NewMediaError("no capture device configured", domain.ErrNoCaptureDevice)
}

// FileSource plays an Opus-in-Ogg file as the capture device, paced in
// real time.
type FileSource struct {
	Path string
	Loop bool

	logger *zap.SugaredLogger
}

var _ ports.MediaSource = (*FileSource)(nil)

func NewFileSource(path string, loop bool, logger *zap.SugaredLogger) *FileSource {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &FileSource{Path: path, Loop: loop, logger: logger}
}

func (s *FileSource) Acquire(ctx context.Context) (ports.LocalStream, error) {
	file, reader, err := s.open()
	if err != nil {
		return nil, err
	}

	streamID := "stream-" + uuid.NewString()
	track, err := NewAudioTrack(streamID)
	if err != nil {
		file.Close()
		return nil, apperrors.NewMediaError("failed to create audio track", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	stream := newStream(streamID, cancel, track)
	go s.pump(pumpCtx, file, reader, track)

	s.logger.Infow("capture started", "path", s.Path, "stream_id", streamID)
	return stream, nil
}

func (s *FileSource) open() (*os.File, *oggreader.OggReader, error) {
	file, err := os.Open(s.Path)
	if err != nil {
		return nil, nil, apperrors.NewMediaError("capture device unavailable", err)
	}
	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, nil, apperrors.NewMediaError("capture file is not Opus in Ogg", err)
	}
	return file, reader, nil
}

// pump writes one Ogg page per tick. Page duration comes from the granule
// position delta at 48kHz.
func (s *FileSource) pump(ctx context.Context, file *os.File, reader *oggreader.OggReader, track *AudioTrack) {
	defer func() { file.Close() }()

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		payload, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) && s.Loop {
			file.Close()
			file, reader, err = s.open()
			if err != nil {
				s.logger.Warnw("failed to rewind capture file", "path", s.Path, "error", err)
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warnw("failed to read capture file", "path", s.Path, "error", err)
			}
			return
		}
		if bytes.HasPrefix(payload, []byte("OpusTags")) {
			continue
		}

		duration := frameDuration
		if header.GranulePosition > lastGranule && lastGranule != 0 {
			samples := header.GranulePosition - lastGranule
			duration = time.Duration(samples) * time.Second / 48000
		}
		lastGranule = header.GranulePosition

		if err := track.WriteSample(payload, duration); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			s.logger.Debugw("failed to write sample", "error", err)
		}
	}
}
