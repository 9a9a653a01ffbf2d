package services

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"ridercomm/internal/core/domain"
	"ridercomm/internal/core/ports"
	apperrors "ridercomm/pkg/errors"
	"ridercomm/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ChannelFactory opens a fresh signaling channel for each session.
type ChannelFactory func() ports.SignalChannel

type EngineConfig struct {
	ConnectTimeout     time.Duration
	NotificationBuffer int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ConnectTimeout:     10 * time.Second,
		NotificationBuffer: 64,
	}
}

// NegotiationEngine runs one participant's side of a call: the relay
// connection, local capture and one PeerLink per remote participant.
// Inbound signaling is handled in order on a single dispatch goroutine.
type NegotiationEngine struct {
	cfg        EngineConfig
	newChannel ChannelFactory
	transports ports.TransportFactory
	media      ports.MediaSource
	logger     *zap.SugaredLogger

	notifications chan ports.Notification

	mu          sync.Mutex
	active      bool
	generation  uint64
	role        domain.Role
	room        domain.RoomID
	channel     ports.SignalChannel
	cancel      context.CancelFunc
	links       map[domain.ConnectionID]*PeerLink
	localStream ports.LocalStream
	muted       bool
	speakerOn   bool
}

func NewNegotiationEngine(
	cfg EngineConfig,
	newChannel ChannelFactory,
	transports ports.TransportFactory,
	media ports.MediaSource,
	logger *zap.SugaredLogger,
) *NegotiationEngine {
	defaults := DefaultEngineConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = defaults.NotificationBuffer
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &NegotiationEngine{
		cfg:           cfg,
		newChannel:    newChannel,
		transports:    transports,
		media:         media,
		logger:        logger,
		notifications: make(chan ports.Notification, cfg.NotificationBuffer),
		links:         make(map[domain.ConnectionID]*PeerLink),
		speakerOn:     true,
	}
}

// Notifications delivers engine events. When the consumer falls behind,
// new notifications are dropped.
func (e *NegotiationEngine) Notifications() <-chan ports.Notification {
	return e.notifications
}

// StartHosting joins room as the host. The host never sends offers.
func (e *NegotiationEngine) StartHosting(ctx context.Context, room domain.RoomID) error {
	return e.start(ctx, room, domain.RoleHost)
}

// JoinSession joins room as a client, offering to every member it learns about.
func (e *NegotiationEngine) JoinSession(ctx context.Context, room domain.RoomID) error {
	return e.start(ctx, room, domain.RoleClient)
}

func (e *NegotiationEngine) start(ctx context.Context, room domain.RoomID, role domain.Role) error {
	room = domain.RoomID(strings.TrimSpace(string(room)))
	if room == "" {
		return apperrors.WrapError(domain.ErrEmptyRoomID, apperrors.ErrCodeInvalidInput, "room id is required", http.StatusBadRequest)
	}

	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return domain.ErrSessionActive
	}
	sessionCtx, cancel := context.WithCancel(context.Background())
	ch := e.newChannel()
	e.generation++
	gen := e.generation
	e.active = true
	e.role = role
	e.room = room
	e.channel = ch
	e.cancel = cancel
	e.links = make(map[domain.ConnectionID]*PeerLink)
	e.mu.Unlock()

	log := e.logger.With("room_id", room, "role", role)
	e.notifySignaling(domain.SignalingConnecting, nil)

	connectCtx, cancelConnect := context.WithTimeout(sessionCtx, e.cfg.ConnectTimeout)
	stop := context.AfterFunc(ctx, cancelConnect)
	err := ch.Connect(connectCtx)
	stop()
	cancelConnect()
	if err != nil {
		connErr := apperrors.NewConnectionError("failed to connect to signaling server", err)
		e.teardown(gen)
		e.notifySignaling(domain.SignalingFailed, connErr)
		log.Warnw("could not reach signaling server", "error", err)
		return connErr
	}
	e.notifySignaling(domain.SignalingConnected, nil)

	if err := e.sendOn(ch, domain.MessageJoinRoom, domain.JoinRoomPayload{RoomID: room, Role: role}); err != nil {
		connErr := apperrors.NewConnectionError("failed to join room", err)
		e.teardown(gen)
		e.notifySignaling(domain.SignalingFailed, connErr)
		return connErr
	}
	log.Infow("joined room")

	e.acquireMedia(ctx, gen)

	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		return apperrors.NewConnectionError("session closed during startup", domain.ErrChannelClosed)
	}
	e.mu.Unlock()

	go e.dispatch(sessionCtx, gen, ch)
	return nil
}

// acquireMedia is best effort: without a capture device the session
// continues receive-only.
func (e *NegotiationEngine) acquireMedia(ctx context.Context, gen uint64) {
	var (
		stream ports.LocalStream
		err    error
	)
	if e.media == nil {
		err = domain.ErrNoCaptureDevice
	} else {
		stream, err = e.media.Acquire(ctx)
	}
	if err != nil {
		if !apperrors.HasCode(err, apperrors.ErrCodeMedia) {
			err = apperrors.NewMediaError("failed to acquire local audio", err)
		}
		e.logger.Warnw("continuing without local audio", "error", err)
		e.notify(ports.Notification{
			Kind:    ports.NotifyWarning,
			Message: "microphone unavailable, continuing without outbound audio",
			Err:     err,
		})
		return
	}

	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		stream.Stop()
		return
	}
	e.localStream = stream
	muted := e.muted
	e.mu.Unlock()

	for _, t := range stream.Tracks() {
		t.SetEnabled(!muted)
	}
	e.notify(ports.Notification{Kind: ports.NotifyLocalStreamReady, LocalStream: stream})
}

func (e *NegotiationEngine) dispatch(ctx context.Context, gen uint64, ch ports.SignalChannel) {
	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.handleEvent(ctx, gen, ch, ev)
		}
	}
}

func (e *NegotiationEngine) handleEvent(ctx context.Context, gen uint64, ch ports.SignalChannel, ev ports.ChannelEvent) {
	switch ev.Kind {
	case ports.ChannelMessage:
		e.handleMessage(ctx, ev.Message)

	case ports.ChannelReconnecting:
		e.logger.Infow("signaling connection lost, reconnecting", "attempt", ev.Attempt)
		e.notifySignaling(domain.SignalingReconnecting, nil)

	case ports.ChannelReconnected:
		e.handleReconnected(gen, ch)

	case ports.ChannelFailed:
		err := apperrors.NewConnectionError("lost connection to signaling server", ev.Err)
		e.logger.Warnw("signaling connection failed", "error", ev.Err)
		e.notifySignaling(domain.SignalingFailed, err)
	}
}

// handleReconnected drops every link, since the relay assigned a new
// connection id, and joins the room again.
func (e *NegotiationEngine) handleReconnected(gen uint64, ch ports.SignalChannel) {
	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		return
	}
	links := e.links
	e.links = make(map[domain.ConnectionID]*PeerLink)
	room, role := e.room, e.role
	e.mu.Unlock()

	for _, link := range links {
		link.close()
		e.notify(ports.Notification{Kind: ports.NotifyPeerStateChanged, RemoteID: link.remoteID, LinkState: domain.LinkClosed})
	}

	e.logger.Infow("reconnected to signaling server, rejoining", "room_id", room, "dropped_links", len(links))
	e.notifySignaling(domain.SignalingConnected, nil)
	if err := e.sendOn(ch, domain.MessageJoinRoom, domain.JoinRoomPayload{RoomID: room, Role: role}); err != nil {
		e.logger.Warnw("failed to rejoin room", "room_id", room, "error", err)
	}
}

func (e *NegotiationEngine) handleMessage(ctx context.Context, msg domain.SignalMessage) {
	var err error
	switch msg.Type {
	case domain.MessageRoomJoined:
		var p domain.RoomJoinedPayload
		if err = msg.Decode(&p); err == nil {
			e.logger.Infow("room joined", "room_id", p.RoomID, "role", p.Role)
			e.notify(ports.Notification{Kind: ports.NotifyRoomJoined, RoomID: p.RoomID, Role: p.Role})
		}

	case domain.MessageUserJoined:
		var remoteID domain.ConnectionID
		if err = msg.Decode(&remoteID); err == nil {
			_, err = e.CreatePeerLink(ctx, remoteID)
		}

	case domain.MessageUserLeft:
		var remoteID domain.ConnectionID
		if err = msg.Decode(&remoteID); err == nil {
			e.removeLink(remoteID)
		}

	case domain.MessageOffer:
		err = e.handleOffer(ctx, msg)

	case domain.MessageAnswer:
		err = e.handleAnswer(ctx, msg)

	case domain.MessageICECandidate:
		err = e.handleCandidate(msg)

	case domain.MessageError:
		var p domain.ErrorPayload
		if err = msg.Decode(&p); err == nil {
			e.logger.Warnw("signaling server reported an error", "message", p.Message)
			e.notify(ports.Notification{Kind: ports.NotifyServerError, Message: p.Message})
		}

	default:
		e.logger.Debugw("ignoring unexpected message", "type", msg.Type)
	}

	if err != nil {
		e.logger.Warnw("failed to handle signaling message", "type", msg.Type, "error", err)
	}
}

// CreatePeerLink returns the link for remoteID, creating it if needed. A
// new link on the offering side sends its offer immediately, with or
// without local audio.
func (e *NegotiationEngine) CreatePeerLink(ctx context.Context, remoteID domain.ConnectionID) (*PeerLink, error) {
	link, created, err := e.getOrCreateLink(remoteID)
	if err != nil || !created {
		return link, err
	}
	if link.Offerer() {
		if err := e.sendOffer(ctx, link); err != nil {
			return link, err
		}
	}
	return link, nil
}

// getOrCreateLink is the single insert-or-lookup point for links.
func (e *NegotiationEngine) getOrCreateLink(remoteID domain.ConnectionID) (*PeerLink, bool, error) {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return nil, false, apperrors.NewNegotiationError("no active session", domain.ErrNotConnected)
	}
	if link, ok := e.links[remoteID]; ok {
		e.mu.Unlock()
		return link, false, nil
	}

	link := newPeerLink(remoteID, e.role.InitiatesOffer())
	transport, err := e.transports.NewTransport(remoteID, e.callbacks(link))
	if err != nil {
		e.mu.Unlock()
		return nil, false, apperrors.NewNegotiationError("failed to create peer transport", err)
	}
	link.transport = transport
	e.links[remoteID] = link
	stream := e.localStream
	e.mu.Unlock()

	e.logger.Infow("peer link created", "remote_id", remoteID, "offerer", link.offerer)
	e.attachLocal(link, stream)
	return link, true, nil
}

func (e *NegotiationEngine) attachLocal(link *PeerLink, stream ports.LocalStream) {
	if stream == nil {
		return
	}
	if err := link.attach(stream.Tracks()); err != nil {
		e.logger.Warnw("failed to attach local audio", "remote_id", link.remoteID, "error", err)
		e.notify(ports.Notification{
			Kind:     ports.NotifyWarning,
			RemoteID: link.remoteID,
			Message:  "could not send local audio to peer",
			Err:      apperrors.NewMediaError("failed to attach local audio", err),
		})
	}
}

func (e *NegotiationEngine) callbacks(link *PeerLink) ports.TransportCallbacks {
	return ports.TransportCallbacks{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			if !e.isCurrent(link) {
				return
			}
			raw, err := json.Marshal(c)
			if err == nil {
				err = e.send(domain.MessageICECandidate, domain.CandidatePayload{Candidate: raw, To: link.remoteID})
			}
			if err != nil {
				e.logger.Debugw("failed to send ICE candidate", "remote_id", link.remoteID, "error", err)
			}
		},
		OnRemoteStream: func(stream ports.RemoteStream) {
			if !e.isCurrent(link) {
				return
			}
			e.logger.Infow("remote audio received", "remote_id", link.remoteID, "track_id", stream.TrackID())
			e.notify(ports.Notification{Kind: ports.NotifyRemoteStreamReady, RemoteID: link.remoteID, RemoteStream: stream})
		},
		OnStateChange: func(state webrtc.PeerConnectionState) {
			e.handleTransportState(link, state)
		},
		OnStats: func(stats domain.LinkStats) {
			if e.isCurrent(link) {
				e.notify(ports.Notification{Kind: ports.NotifyLinkStats, RemoteID: link.remoteID, Stats: stats})
			}
		},
	}
}

func (e *NegotiationEngine) handleTransportState(link *PeerLink, state webrtc.PeerConnectionState) {
	var next domain.LinkState
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		next = domain.LinkNegotiating
	case webrtc.PeerConnectionStateConnected:
		next = domain.LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		next = domain.LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		next = domain.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		next = domain.LinkClosed
	default:
		return
	}
	if !e.isCurrent(link) {
		return
	}
	e.transition(link, next)
	if next.Terminal() {
		e.discardLink(link)
	}
}

func (e *NegotiationEngine) transition(link *PeerLink, state domain.LinkState) {
	if link.setState(state) {
		e.logger.Infow("peer link state changed", "remote_id", link.remoteID, "state", state)
		e.notify(ports.Notification{Kind: ports.NotifyPeerStateChanged, RemoteID: link.remoteID, LinkState: state})
	}
}

func (e *NegotiationEngine) sendOffer(ctx context.Context, link *PeerLink) error {
	ctx, span := tracing.TraceNegotiation(ctx, "offer", string(link.remoteID))
	defer span.End()

	e.transition(link, domain.LinkNegotiating)
	offer, err := link.transport.CreateOffer(ctx)
	if err != nil {
		return e.failLink(ctx, link, apperrors.NewNegotiationError("failed to create offer", err))
	}
	raw, err := json.Marshal(offer)
	if err == nil {
		err = e.send(domain.MessageOffer, domain.OfferPayload{Offer: raw, To: link.remoteID})
	}
	if err != nil {
		return e.failLink(ctx, link, apperrors.NewNegotiationError("failed to send offer", err))
	}
	e.logger.Debugw("offer sent", "remote_id", link.remoteID)
	return nil
}

func (e *NegotiationEngine) handleOffer(ctx context.Context, msg domain.SignalMessage) error {
	var p domain.OfferPayload
	if err := msg.Decode(&p); err != nil {
		return apperrors.NewNegotiationError("malformed offer", err)
	}
	sdp, err := decodeDescription(p.From, p.Offer)
	if err != nil {
		return err
	}

	ctx, span := tracing.TraceNegotiation(ctx, "answer", string(p.From))
	defer span.End()

	link, _, err := e.getOrCreateLink(p.From)
	if err != nil {
		return err
	}
	e.mu.Lock()
	stream := e.localStream
	e.mu.Unlock()
	e.attachLocal(link, stream)

	e.transition(link, domain.LinkNegotiating)
	answer, err := link.transport.HandleOffer(ctx, sdp)
	if err != nil {
		return e.failLink(ctx, link, apperrors.NewNegotiationError("failed to apply offer", err))
	}
	e.flushCandidates(link)

	raw, err := json.Marshal(answer)
	if err == nil {
		err = e.send(domain.MessageAnswer, domain.AnswerPayload{Answer: raw, To: link.remoteID})
	}
	if err != nil {
		return e.failLink(ctx, link, apperrors.NewNegotiationError("failed to send answer", err))
	}
	e.logger.Debugw("answer sent", "remote_id", link.remoteID)
	return nil
}

func (e *NegotiationEngine) handleAnswer(ctx context.Context, msg domain.SignalMessage) error {
	var p domain.AnswerPayload
	if err := msg.Decode(&p); err != nil {
		return apperrors.NewNegotiationError("malformed answer", err)
	}
	sdp, err := decodeDescription(p.From, p.Answer)
	if err != nil {
		return err
	}

	link := e.Link(p.From)
	if link == nil {
		return apperrors.NewNegotiationError("answer from unknown peer", domain.ErrLinkNotFound).
			WithContext("remote_id", p.From)
	}

	ctx, span := tracing.TraceNegotiation(ctx, "apply-answer", string(p.From))
	defer span.End()

	if err := link.transport.HandleAnswer(ctx, sdp); err != nil {
		return e.failLink(ctx, link, apperrors.NewNegotiationError("failed to apply answer", err))
	}
	e.flushCandidates(link)
	return nil
}

func (e *NegotiationEngine) handleCandidate(msg domain.SignalMessage) error {
	var p domain.CandidatePayload
	if err := msg.Decode(&p); err != nil {
		return apperrors.NewNegotiationError("malformed ICE candidate", err)
	}
	link := e.Link(p.From)
	if link == nil {
		e.logger.Debugw("ignoring ICE candidate for unknown peer", "remote_id", p.From)
		return nil
	}

	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(p.Candidate, &c); err != nil {
		return apperrors.NewNegotiationError("malformed ICE candidate", err)
	}
	if _, err := link.addCandidate(c); err != nil {
		return apperrors.NewNegotiationError("failed to add ICE candidate", err).WithContext("remote_id", p.From)
	}
	return nil
}

func (e *NegotiationEngine) flushCandidates(link *PeerLink) {
	for _, c := range link.remoteDescriptionApplied() {
		if err := link.transport.AddICECandidate(c); err != nil {
			e.logger.Debugw("failed to add queued ICE candidate", "remote_id", link.remoteID, "error", err)
		}
	}
}

func decodeDescription(from domain.ConnectionID, raw json.RawMessage) (webrtc.SessionDescription, error) {
	var sdp webrtc.SessionDescription
	if from == "" || len(raw) == 0 {
		return sdp, apperrors.NewNegotiationError("relayed description is missing sender or body", domain.ErrMalformedMessage)
	}
	if err := json.Unmarshal(raw, &sdp); err != nil {
		return sdp, apperrors.NewNegotiationError("malformed session description", err)
	}
	return sdp, nil
}

// failLink fails one link; the session and other links carry on.
func (e *NegotiationEngine) failLink(ctx context.Context, link *PeerLink, err error) error {
	tracing.RecordError(ctx, err)
	e.logger.Warnw("peer link failed", "remote_id", link.remoteID, "error", err)
	e.transition(link, domain.LinkFailed)
	e.notify(ports.Notification{Kind: ports.NotifyWarning, RemoteID: link.remoteID, Message: "negotiation failed", Err: err})
	e.discardLink(link)
	return err
}

func (e *NegotiationEngine) discardLink(link *PeerLink) {
	e.mu.Lock()
	if e.links[link.remoteID] == link {
		delete(e.links, link.remoteID)
	}
	e.mu.Unlock()
	link.close()
}

func (e *NegotiationEngine) removeLink(remoteID domain.ConnectionID) {
	e.mu.Lock()
	link := e.links[remoteID]
	delete(e.links, remoteID)
	e.mu.Unlock()

	if link != nil {
		link.close()
		e.notify(ports.Notification{Kind: ports.NotifyPeerStateChanged, RemoteID: remoteID, LinkState: domain.LinkClosed})
	}
	e.logger.Infow("peer left", "remote_id", remoteID)
	e.notify(ports.Notification{Kind: ports.NotifyPeerLeft, RemoteID: remoteID})
}

func (e *NegotiationEngine) isCurrent(link *PeerLink) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.links[link.remoteID] == link
}

func (e *NegotiationEngine) send(t domain.MessageType, payload interface{}) error {
	e.mu.Lock()
	ch := e.channel
	e.mu.Unlock()
	if ch == nil {
		return domain.ErrNotConnected
	}
	return e.sendOn(ch, t, payload)
}

func (e *NegotiationEngine) sendOn(ch ports.SignalChannel, t domain.MessageType, payload interface{}) error {
	msg, err := domain.NewMessage(t, payload)
	if err != nil {
		return err
	}
	return ch.Send(msg)
}

func (e *NegotiationEngine) notify(n ports.Notification) {
	select {
	case e.notifications <- n:
	default:
		e.logger.Warnw("notification dropped, consumer is not keeping up", "kind", n.Kind)
	}
}

func (e *NegotiationEngine) notifySignaling(state domain.SignalingState, err error) {
	e.notify(ports.Notification{Kind: ports.NotifySignalingStateChanged, SignalingState: state, Err: err})
}

// ToggleMute flips the muted flag and enables or disables every local
// track to match. It returns the new muted state.
func (e *NegotiationEngine) ToggleMute() bool {
	e.mu.Lock()
	e.muted = !e.muted
	muted := e.muted
	stream := e.localStream
	e.mu.Unlock()

	if stream != nil {
		for _, t := range stream.Tracks() {
			t.SetEnabled(!muted)
		}
	}
	e.logger.Infow("microphone toggled", "muted", muted)
	return muted
}

// ToggleSpeaker flips the speaker flag and returns whether it is on.
// Output routing belongs to whoever consumes remote streams.
func (e *NegotiationEngine) ToggleSpeaker() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speakerOn = !e.speakerOn
	return e.speakerOn
}

func (e *NegotiationEngine) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

func (e *NegotiationEngine) SpeakerOn() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speakerOn
}

func (e *NegotiationEngine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *NegotiationEngine) Role() domain.Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

func (e *NegotiationEngine) RoomID() domain.RoomID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room
}

func (e *NegotiationEngine) LocalStream() ports.LocalStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localStream
}

// Link returns the live link for remoteID, or nil.
func (e *NegotiationEngine) Link(remoteID domain.ConnectionID) *PeerLink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.links[remoteID]
}

// Links returns the live links ordered by remote id.
func (e *NegotiationEngine) Links() []*PeerLink {
	e.mu.Lock()
	out := make([]*PeerLink, 0, len(e.links))
	for _, link := range e.links {
		out = append(out, link)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].remoteID < out[j].remoteID })
	return out
}

// Cleanup stops capture, closes every link and the relay connection, and
// returns the engine to its initial state. Safe to call at any time.
func (e *NegotiationEngine) Cleanup() {
	e.teardown(0)
}

// teardown resets the engine. A non-zero gen only tears down that session.
func (e *NegotiationEngine) teardown(gen uint64) {
	e.mu.Lock()
	if gen != 0 && e.generation != gen {
		e.mu.Unlock()
		return
	}
	wasActive := e.active
	cancel, ch, stream, links := e.cancel, e.channel, e.localStream, e.links

	e.generation++
	e.active = false
	e.role = ""
	e.room = ""
	e.channel = nil
	e.cancel = nil
	e.links = make(map[domain.ConnectionID]*PeerLink)
	e.localStream = nil
	e.muted = false
	e.speakerOn = true
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, link := range links {
		link.close()
	}
	if stream != nil {
		stream.Stop()
	}
	if ch != nil {
		ch.Close()
	}
	if wasActive && gen == 0 {
		e.logger.Infow("session closed", "links_closed", len(links))
		e.notifySignaling(domain.SignalingClosed, nil)
	}
}
