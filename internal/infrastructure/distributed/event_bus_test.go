package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"ridercomm/internal/core/domain"
	"ridercomm/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
	messages [][]byte
	err      error
	block    chan struct{}
	attempts int
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.err != nil {
		return redis.NewIntResult(0, p.err)
	}
	p.channels = append(p.channels, channel)
	p.messages = append(p.messages, message.([]byte))
	return redis.NewIntResult(1, nil)
}

func (p *fakePublisher) events(t *testing.T) []Event {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, 0, len(p.messages))
	for _, raw := range p.messages {
		var e Event
		require.NoError(t, json.Unmarshal(raw, &e))
		out = append(out, e)
	}
	return out
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func joined(room domain.RoomID, id domain.ConnectionID, members int) domain.MembershipEvent {
	return domain.MembershipEvent{
		Type:         domain.MembershipJoined,
		RoomID:       room,
		ConnectionID: id,
		Role:         domain.RoleClient,
		Members:      members,
	}
}

func TestEventBus_PublishesInOrder(t *testing.T) {
	pub := &fakePublisher{}
	bus := NewEventBus(pub, "relay-a", EventBusConfig{}, nil)
	bus.Start(context.Background())

	bus.Publish(joined("ROOM1", "c1", 1))
	bus.Publish(joined("ROOM1", "c2", 2))
	bus.Publish(domain.MembershipEvent{Type: domain.MembershipLeft, RoomID: "ROOM1", ConnectionID: "c1", Members: 1})
	require.NoError(t, bus.Close())

	events := pub.events(t)
	require.Len(t, events, 3)
	assert.Equal(t, domain.ConnectionID("c1"), events[0].ConnectionID)
	assert.Equal(t, domain.ConnectionID("c2"), events[1].ConnectionID)
	assert.Equal(t, domain.MembershipLeft, events[2].Type)
	for _, e := range events {
		assert.Equal(t, "relay-a", e.InstanceID)
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.Equal(t, []string{DefaultChannel, DefaultChannel, DefaultChannel}, pub.channels)
	assert.Equal(t, uint64(3), bus.Published())
}

func TestEventBus_WireFormatIsFlat(t *testing.T) {
	pub := &fakePublisher{}
	bus := NewEventBus(pub, "relay-a", EventBusConfig{Channel: "custom"}, nil)
	bus.Start(context.Background())
	bus.Publish(joined("ROOM1", "c1", 1))
	require.NoError(t, bus.Close())

	require.Equal(t, 1, pub.count())
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.messages[0], &raw))
	assert.Equal(t, "relay-a", raw["instance_id"])
	assert.Equal(t, "member_joined", raw["type"])
	assert.Equal(t, "ROOM1", raw["room_id"])
	assert.Equal(t, []string{"custom"}, pub.channels)
}

func TestEventBus_PublishNeverBlocks(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	bus := NewEventBus(pub, "relay-a", EventBusConfig{QueueSize: 2}, nil)
	bus.Start(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(joined("ROOM1", "c1", 1))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled Redis")
	}
	assert.GreaterOrEqual(t, bus.Dropped(), uint64(7))

	close(pub.block)
	require.NoError(t, bus.Close())
}

func TestEventBus_PublishErrorsAreSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	bus := NewEventBus(pub, "relay-a", EventBusConfig{}, nil)
	bus.Start(context.Background())

	bus.Publish(joined("ROOM1", "c1", 1))
	require.NoError(t, bus.Close())

	assert.Equal(t, uint64(0), bus.Published())
	assert.Equal(t, 0, pub.count())
}

func TestEventBus_BreakerPausesPublishing(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	bus := NewEventBus(pub, "relay-a", EventBusConfig{
		Breaker: circuitbreaker.Config{FailureThreshold: 2, Cooldown: time.Hour},
	}, nil)
	bus.Start(context.Background())

	for i := 0; i < 5; i++ {
		bus.Publish(joined("ROOM1", "c1", 1))
	}
	require.NoError(t, bus.Close())

	pub.mu.Lock()
	attempts := pub.attempts
	pub.mu.Unlock()
	assert.Equal(t, 2, attempts)
	assert.Equal(t, uint64(3), bus.Skipped())
	assert.Equal(t, circuitbreaker.StateOpen, bus.BreakerState())
}

func TestEventBus_CloseWithoutStart(t *testing.T) {
	bus := NewEventBus(&fakePublisher{}, "relay-a", EventBusConfig{}, nil)
	bus.Publish(joined("ROOM1", "c1", 1))

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	assert.NotPanics(t, func() { bus.Publish(joined("ROOM1", "c2", 2)) })
}

func TestEventBus_StopsWithContext(t *testing.T) {
	pub := &fakePublisher{}
	bus := NewEventBus(pub, "relay-a", EventBusConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	bus.Start(ctx)

	bus.Publish(joined("ROOM1", "c1", 1))
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, bus.Close())
}

func TestEventBus_DecodeSkipsOwnAndMalformed(t *testing.T) {
	bus := NewEventBus(&fakePublisher{}, "relay-a", EventBusConfig{}, nil)

	own, _ := json.Marshal(Event{InstanceID: "relay-a", MembershipEvent: joined("ROOM1", "c1", 1)})
	_, ok := bus.decode(string(own))
	assert.False(t, ok)

	_, ok = bus.decode("{not json")
	assert.False(t, ok)

	other, _ := json.Marshal(Event{InstanceID: "relay-b", MembershipEvent: joined("ROOM2", "c9", 3)})
	event, ok := bus.decode(string(other))
	require.True(t, ok)
	assert.Equal(t, "relay-b", event.InstanceID)
	assert.Equal(t, domain.RoomID("ROOM2"), event.RoomID)
	assert.Equal(t, 3, event.Members)
}
