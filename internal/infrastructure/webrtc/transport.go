package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ridercomm/internal/core/domain"
	"ridercomm/internal/core/ports"
	"ridercomm/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// WebRTCConfig WebRTC configuration
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// FromConfig converts the file configuration into pion types.
func FromConfig(cfg *config.Config) WebRTCConfig {
	var out WebRTCConfig
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out.ICEServers = append(out.ICEServers, server)
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}

// TransportFactory builds pion peer connections that share one API
// (codecs, interceptors, port range).
type TransportFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

var _ ports.TransportFactory = (*TransportFactory)(nil)

func NewTransportFactory(cfg WebRTCConfig, logger *zap.SugaredLogger) (*TransportFactory, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &TransportFactory{
		api: api,
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		logger: logger,
	}, nil
}

// NewTransport creates the peer connection for one remote peer and wires
// its pion callbacks to cb.
func (f *TransportFactory) NewTransport(remoteID domain.ConnectionID, cb ports.TransportCallbacks) (ports.PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &peerTransport{
		remoteID: remoteID,
		pc:       pc,
		cb:       cb,
		logger:   f.logger.With("remote_id", remoteID),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || cb.OnICECandidate == nil {
			return
		}
		cb.OnICECandidate(c.ToJSON())
	})
	pc.OnTrack(t.handleTrack)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.logger.Debugw("peer ICE connection state changed", "ice_state", state)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Infow("peer connection state changed", "connection_state", state)
		if cb.OnStateChange != nil {
			cb.OnStateChange(state)
		}
	})

	return t, nil
}

type peerTransport struct {
	remoteID domain.ConnectionID
	pc       *webrtc.PeerConnection
	cb       ports.TransportCallbacks
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	senders  int
	recvOnly bool
	closed   bool
}

func (t *peerTransport) AddTrack(track ports.LocalTrack) error {
	sender, err := t.pc.AddTrack(track.Track())
	if err != nil {
		return fmt.Errorf("failed to add track %s: %w", track.ID(), err)
	}
	t.mu.Lock()
	t.senders++
	t.mu.Unlock()

	go t.processRTCP(sender)
	return nil
}

func (t *peerTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := t.ensureAudioTransceiver(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return offer, nil
}

// ensureAudioTransceiver makes an offer without local tracks still
// negotiate inbound audio.
func (t *peerTransport) ensureAudioTransceiver() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.senders > 0 || t.recvOnly {
		return nil
	}
	_, err := t.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("failed to add receive-only transceiver: %w", err)
	}
	t.recvOnly = true
	return nil
}

func (t *peerTransport) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set remote offer: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return answer, nil
}

func (t *peerTransport) HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

func (t *peerTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *peerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.pc.Close()
}

func (t *peerTransport) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	t.logger.Infow("remote peer started streaming track",
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
	)
	if t.cb.OnRemoteStream != nil {
		t.cb.OnRemoteStream(&remoteStream{remoteID: t.remoteID, track: track})
	}
}

// processRTCP drains RTCP for one sender. Reading is required for the
// interceptors to run; receiver reports become LinkStats.
func (t *peerTransport) processRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			t.logger.Debugw("stopped reading RTCP", "error", err)
			return
		}
		if stats, ok := linkStatsFromRTCP(t.remoteID, packets); ok && t.cb.OnStats != nil {
			t.cb.OnStats(stats)
		}
	}
}

// linkStatsFromRTCP reads the last reception report in packets. Jitter is
// converted from 48kHz Opus clock units.
func linkStatsFromRTCP(remoteID domain.ConnectionID, packets []rtcp.Packet) (domain.LinkStats, bool) {
	var (
		stats domain.LinkStats
		found bool
	)
	for _, packet := range packets {
		rr, ok := packet.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, report := range rr.Reports {
			stats = domain.LinkStats{
				RemoteID:     remoteID,
				Timestamp:    time.Now(),
				FractionLost: float64(report.FractionLost) / 256.0,
				PacketsLost:  report.TotalLost,
				Jitter:       time.Duration(report.Jitter) * time.Second / opusClockRate,
				HighestSeq:   report.LastSequenceNumber,
			}
			found = true
		}
	}
	return stats, found
}

const opusClockRate = 48000

type remoteStream struct {
	remoteID domain.ConnectionID
	track    *webrtc.TrackRemote
}

func (r *remoteStream) RemoteID() domain.ConnectionID { return r.remoteID }
func (r *remoteStream) TrackID() string               { return r.track.ID() }
func (r *remoteStream) Codec() webrtc.RTPCodecParameters {
	return r.track.Codec()
}

func (r *remoteStream) ReadRTP() (*rtp.Packet, error) {
	packet, _, err := r.track.ReadRTP()
	return packet, err
}
