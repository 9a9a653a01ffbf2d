package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ridercomm/internal/core/domain"
	"ridercomm/internal/core/ports"
	apperrors "ridercomm/pkg/errors"
	"ridercomm/pkg/tracing"

	"go.uber.org/zap"
)

// Peer is the relay's handle on one connected participant. Send must not
// block; it reports false when the message could not be queued.
type Peer interface {
	ID() domain.ConnectionID
	Send(msg domain.SignalMessage) bool
}

// RouteOutcome describes what happened to a point-to-point message.
type RouteOutcome int

const (
	RouteDelivered RouteOutcome = iota
	RouteInvalid
	RouteUnknownRecipient
	RouteQueueFull
)

func (o RouteOutcome) String() string {
	switch o {
	case RouteDelivered:
		return "delivered"
	case RouteInvalid:
		return "invalid"
	case RouteUnknownRecipient:
		return "unknown_recipient"
	case RouteQueueFull:
		return "queue_full"
	default:
		return "unknown"
	}
}

type member struct {
	peer Peer
	room domain.RoomID
	role domain.Role
}

// Relay owns room membership and forwards negotiation messages between
// connections. It never inspects offer, answer or candidate bodies.
type Relay struct {
	mu       sync.Mutex
	peers    map[domain.ConnectionID]*member
	registry *RoomRegistry

	metrics   ports.RelayMetrics
	publisher ports.MembershipPublisher
	logger    *zap.SugaredLogger
}

// NewRelay creates a relay. metrics and publisher may be nil.
func NewRelay(logger *zap.SugaredLogger, metrics ports.RelayMetrics, publisher ports.MembershipPublisher) *Relay {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Relay{
		peers:     make(map[domain.ConnectionID]*member),
		registry:  NewRoomRegistry(),
		metrics:   metrics,
		publisher: publisher,
		logger:    logger,
	}
}

// Register records a new connection. It belongs to no room until it joins.
func (r *Relay) Register(peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers[peer.ID()] = &member{peer: peer, role: domain.RoleClient}
	r.updateGaugesLocked()
	r.logger.Infow("connection registered", "connection_id", peer.ID())
}

// HandleMessage dispatches one inbound envelope. A returned error should be
// reported to the sender as an error event; it never affects other members.
func (r *Relay) HandleMessage(ctx context.Context, from domain.ConnectionID, msg domain.SignalMessage) error {
	switch msg.Type {
	case domain.MessageJoinRoom:
		r.incReceived(msg.Type)
		var payload domain.JoinRoomPayload
		if err := msg.Decode(&payload); err != nil {
			r.incErrors("invalid_payload")
			return apperrors.NewRelayError("invalid join-room payload")
		}
		return r.Join(ctx, from, payload)
	case domain.MessageOffer, domain.MessageAnswer, domain.MessageICECandidate:
		r.incReceived(msg.Type)
		outcome := r.Route(ctx, from, msg.Type, msg.Payload)
		tracing.AddSpanAttributes(ctx, tracing.OutcomeKey.String(outcome.String()))
		return nil
	default:
		r.incErrors("unknown_type")
		return apperrors.NewRelayError(fmt.Sprintf("unknown message type: %s", msg.Type)).
			WithContext("type", string(msg.Type))
	}
}

// Join places the connection in a room. Existing members are announced to
// the joiner, the joiner is announced to them, then the join is acknowledged.
func (r *Relay) Join(ctx context.Context, from domain.ConnectionID, payload domain.JoinRoomPayload) error {
	if payload.RoomID == "" {
		r.logger.Warnw("join rejected: empty room id", "connection_id", from)
		r.incErrors("empty_room")
		return apperrors.WrapError(domain.ErrEmptyRoomID, apperrors.ErrCodeRelay, "Invalid room ID", 400)
	}
	role := domain.ParseRole(string(payload.Role))
	tracing.AddSpanAttributes(ctx, tracing.RoomIDKey.String(string(payload.RoomID)), tracing.RoleKey.String(string(role)))

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.peers[from]
	if !ok {
		return apperrors.NewRelayError("connection is not registered")
	}

	// Rejoining the current room only refreshes the role.
	if m.room == payload.RoomID && r.registry.Contains(m.room, from) {
		m.role = role
		m.peer.Send(envelope(domain.MessageRoomJoined, domain.RoomJoinedPayload{RoomID: m.room, Role: role}))
		r.logger.Infow("connection rejoined room", "connection_id", from, "room_id", m.room, "role", role)
		return nil
	}

	if m.room != "" {
		r.leaveLocked(m)
	}

	existing, created := r.registry.Add(payload.RoomID, from)
	m.room = payload.RoomID
	m.role = role

	for _, id := range existing {
		m.peer.Send(envelope(domain.MessageUserJoined, id))
	}
	for _, id := range existing {
		if other, ok := r.peers[id]; ok {
			other.peer.Send(envelope(domain.MessageUserJoined, from))
		}
	}
	m.peer.Send(envelope(domain.MessageRoomJoined, domain.RoomJoinedPayload{RoomID: m.room, Role: role}))

	r.updateGaugesLocked()
	r.publish(domain.MembershipEvent{
		Type:         domain.MembershipJoined,
		RoomID:       m.room,
		ConnectionID: from,
		Role:         role,
		Members:      len(existing) + 1,
		Timestamp:    time.Now(),
	})
	r.logger.Infow("connection joined room",
		"connection_id", from,
		"room_id", m.room,
		"role", role,
		"existing_members", len(existing),
		"room_created", created,
	)
	return nil
}

// Route forwards an offer, answer or ice-candidate to the connection named
// in the payload's "to" field as {<body>, from}. Malformed payloads and
// unknown recipients are dropped without notifying the sender.
func (r *Relay) Route(ctx context.Context, from domain.ConnectionID, t domain.MessageType, payload json.RawMessage) RouteOutcome {
	bodyKey := t.BodyKey()

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return r.drop(t, from, "", RouteInvalid, "payload is not an object")
	}

	var to domain.ConnectionID
	if raw, ok := fields["to"]; !ok || json.Unmarshal(raw, &to) != nil || to == "" {
		return r.drop(t, from, "", RouteInvalid, "missing recipient")
	}
	body, ok := fields[bodyKey]
	if !ok || isNull(body) {
		return r.drop(t, from, to, RouteInvalid, "missing "+bodyKey)
	}

	fromRaw, _ := json.Marshal(from)
	forwarded, err := json.Marshal(map[string]json.RawMessage{
		bodyKey: body,
		"from":  fromRaw,
	})
	if err != nil {
		return r.drop(t, from, to, RouteInvalid, "body is not valid JSON")
	}

	r.mu.Lock()
	target, ok := r.peers[to]
	r.mu.Unlock()

	tracing.AddSpanAttributes(ctx, tracing.RemoteIDKey.String(string(to)))
	if !ok {
		outcome := RouteUnknownRecipient
		r.incDropped(t, outcome)
		r.logger.Debugw("recipient not connected, dropping", "type", t, "from", from, "to", to)
		return outcome
	}
	if !target.peer.Send(domain.SignalMessage{Type: t, Payload: forwarded}) {
		return r.drop(t, from, to, RouteQueueFull, "recipient queue full")
	}

	if r.metrics != nil {
		r.metrics.IncRelayed(t)
	}
	r.logger.Debugw("relayed message", "type", t, "from", from, "to", to, "bytes", len(body))
	return RouteDelivered
}

// Disconnect removes the connection, notifying the rest of its room.
func (r *Relay) Disconnect(ctx context.Context, id domain.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.peers[id]
	if !ok {
		return
	}
	delete(r.peers, id)
	if m.room != "" {
		r.leaveLocked(m)
	}
	r.updateGaugesLocked()
	r.logger.Infow("connection disconnected", "connection_id", id)
}

// Rooms lists live rooms and their member counts.
func (r *Relay) Rooms() []domain.RoomSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.Rooms()
}

// Members returns the members of one room.
func (r *Relay) Members(room domain.RoomID) []domain.ConnectionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.Members(room)
}

func (r *Relay) Stats() domain.RelayStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.RelayStats{
		Connections: len(r.peers),
		Rooms:       r.registry.Len(),
		Members:     r.registry.MemberCount(),
	}
}

func (r *Relay) leaveLocked(m *member) {
	id := m.peer.ID()
	room := m.room
	remaining, deleted := r.registry.Remove(room, id)
	m.room = ""

	for _, other := range remaining {
		if o, ok := r.peers[other]; ok {
			o.peer.Send(envelope(domain.MessageUserLeft, id))
		}
	}

	r.publish(domain.MembershipEvent{
		Type:         domain.MembershipLeft,
		RoomID:       room,
		ConnectionID: id,
		Members:      len(remaining),
		Timestamp:    time.Now(),
	})
	r.logger.Infow("connection left room",
		"connection_id", id,
		"room_id", room,
		"remaining_members", len(remaining),
		"room_deleted", deleted,
	)
}

func (r *Relay) drop(t domain.MessageType, from, to domain.ConnectionID, outcome RouteOutcome, reason string) RouteOutcome {
	r.incDropped(t, outcome)
	r.logger.Warnw("dropping message", "type", t, "from", from, "to", to, "reason", reason)
	return outcome
}

func (r *Relay) updateGaugesLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.SetConnections(len(r.peers))
	r.metrics.SetRooms(r.registry.Len())
	r.metrics.SetMembers(r.registry.MemberCount())
}

func (r *Relay) publish(event domain.MembershipEvent) {
	if r.publisher != nil {
		r.publisher.Publish(event)
	}
}

func (r *Relay) incReceived(t domain.MessageType) {
	if r.metrics != nil {
		r.metrics.IncReceived(t)
	}
}

func (r *Relay) incDropped(t domain.MessageType, outcome RouteOutcome) {
	if r.metrics != nil {
		r.metrics.IncDropped(t, outcome.String())
	}
}

func (r *Relay) incErrors(reason string) {
	if r.metrics != nil {
		r.metrics.IncErrors(reason)
	}
}

// envelope builds a relay-originated message. Payloads are strings or plain
// structs and always marshal.
func envelope(t domain.MessageType, payload interface{}) domain.SignalMessage {
	msg, err := domain.NewMessage(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
