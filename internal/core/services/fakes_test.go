package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"ridercomm/internal/core/domain"
	"ridercomm/internal/core/ports"
	apperrors "ridercomm/pkg/errors"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu         sync.Mutex
	connectErr error
	block      bool
	sent       []domain.SignalMessage
	events     chan ports.ChannelEvent
	closed     bool
	closeCalls int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan ports.ChannelEvent, 64)}
}

func (c *fakeChannel) Connect(ctx context.Context) error {
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return c.connectErr
}

func (c *fakeChannel) Send(msg domain.SignalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Events() <-chan ports.ChannelEvent { return c.events }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeChannel) deliver(t *testing.T, typ domain.MessageType, payload interface{}) {
	t.Helper()
	msg, err := domain.NewMessage(typ, payload)
	require.NoError(t, err)
	c.events <- ports.ChannelEvent{Kind: ports.ChannelMessage, Message: msg}
}

func (c *fakeChannel) sentOfType(typ domain.MessageType) []domain.SignalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.SignalMessage
	for _, m := range c.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTransport struct {
	remoteID domain.ConnectionID
	cb       ports.TransportCallbacks

	mu             sync.Mutex
	tracks         []string
	offers         int
	offersHandled  int
	answersHandled int
	candidates     []webrtc.ICECandidateInit
	closed         bool
	offerErr       error
}

func (t *fakeTransport) AddTrack(track ports.LocalTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = append(t.tracks, track.ID())
	return nil
}

func (t *fakeTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.offerErr != nil {
		return webrtc.SessionDescription{}, t.offerErr
	}
	t.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (t *fakeTransport) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offersHandled++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (t *fakeTransport) HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.answersHandled++
	return nil
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type transportCalls struct {
	tracks         []string
	offers         int
	offersHandled  int
	answersHandled int
	candidates     []webrtc.ICECandidateInit
	closed         bool
}

func (t *fakeTransport) calls() transportCalls {
	t.mu.Lock()
	defer t.mu.Unlock()
	return transportCalls{
		tracks:         append([]string(nil), t.tracks...),
		offers:         t.offers,
		offersHandled:  t.offersHandled,
		answersHandled: t.answersHandled,
		candidates:     append([]webrtc.ICECandidateInit(nil), t.candidates...),
		closed:         t.closed,
	}
}

type fakeTransportFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	offerErr   map[domain.ConnectionID]error
}

func (f *fakeTransportFactory) NewTransport(remoteID domain.ConnectionID, cb ports.TransportCallbacks) (ports.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTransport{remoteID: remoteID, cb: cb, offerErr: f.offerErr[remoteID]}
	f.transports = append(f.transports, t)
	return t, nil
}

// latest returns the most recent transport created for remoteID.
func (f *fakeTransportFactory) latest(remoteID domain.ConnectionID) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.transports) - 1; i >= 0; i-- {
		if f.transports[i].remoteID == remoteID {
			return f.transports[i]
		}
	}
	return nil
}

func (f *fakeTransportFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

type fakeTrack struct {
	id      string
	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string               { return t.id }
func (t *fakeTrack) Track() webrtc.TrackLocal { return nil }

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeStream struct {
	tracks  []ports.LocalTrack
	mu      sync.Mutex
	stopped bool
}

func (s *fakeStream) ID() string                 { return "stream-1" }
func (s *fakeStream) Tracks() []ports.LocalTrack { return s.tracks }

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	for _, t := range s.tracks {
		t.Stop()
	}
	return nil
}

type fakeMedia struct {
	stream *fakeStream
	err    error
}

func (m *fakeMedia) Acquire(ctx context.Context) (ports.LocalStream, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.stream, nil
}

func newMicrophone() (*fakeMedia, *fakeTrack) {
	track := &fakeTrack{id: "mic-1", enabled: true}
	return &fakeMedia{stream: &fakeStream{tracks: []ports.LocalTrack{track}}}, track
}

func noMicrophone() *fakeMedia {
	return &fakeMedia{err: apperrors.NewMediaError("capture device unavailable", errors.New("permission denied"))}
}

type harness struct {
	engine     *NegotiationEngine
	channel    *fakeChannel
	transports *fakeTransportFactory
}

func newHarness(t *testing.T, media ports.MediaSource) *harness {
	t.Helper()
	h := &harness{channel: newFakeChannel(), transports: &fakeTransportFactory{}}
	h.engine = NewNegotiationEngine(
		EngineConfig{ConnectTimeout: time.Second, NotificationBuffer: 256},
		func() ports.SignalChannel { return h.channel },
		h.transports,
		media,
		nil,
	)
	t.Cleanup(h.engine.Cleanup)
	return h
}

// waitFor drains notifications until one of kind arrives.
func waitFor(t *testing.T, e *NegotiationEngine, kind ports.NotificationKind) ports.Notification {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n := <-e.Notifications():
			if n.Kind == kind {
				return n
			}
		case <-timeout:
			t.Fatalf("no %s notification", kind)
			return ports.Notification{}
		}
	}
}

func sdpOf(t *testing.T, raw json.RawMessage) webrtc.SessionDescription {
	t.Helper()
	var sdp webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(raw, &sdp))
	return sdp
}

func rawJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
