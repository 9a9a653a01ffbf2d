package ports

import (
	"context"
	"time"

	"ridercomm/internal/core/domain"
)

type ChannelEventKind int

const (
	// ChannelMessage carries one inbound envelope.
	ChannelMessage ChannelEventKind = iota
	// ChannelReconnecting is emitted once per reconnect attempt.
	ChannelReconnecting
	// ChannelReconnected follows a successful re-dial. The relay has assigned
	// a new connection id and forgotten any room membership.
	ChannelReconnected
	// ChannelFailed is terminal: retries are exhausted.
	ChannelFailed
)

type ChannelEvent struct {
	Kind    ChannelEventKind
	Message domain.SignalMessage
	Attempt int
	Err     error
}

// SignalChannel is a client connection to the relay.
type SignalChannel interface {
	// Connect dials the relay and returns once the connection is usable.
	Connect(ctx context.Context) error
	Send(msg domain.SignalMessage) error
	// Events is closed after Close or a terminal failure.
	Events() <-chan ChannelEvent
	Close() error
}

// MembershipPublisher fans relay membership changes out to other systems.
// Publish must not block the relay.
type MembershipPublisher interface {
	Publish(event domain.MembershipEvent)
}

// RelayMetrics receives relay instrumentation.
type RelayMetrics interface {
	SetConnections(n int)
	SetRooms(n int)
	SetMembers(n int)
	IncReceived(t domain.MessageType)
	IncRelayed(t domain.MessageType)
	IncDropped(t domain.MessageType, reason string)
	IncErrors(reason string)
	ObserveHandling(t domain.MessageType, d time.Duration)
}
