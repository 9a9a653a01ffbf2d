package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ridercomm/internal/core/domain"
	"ridercomm/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "ridercomm:membership"

// Event is a membership change as it travels between relay instances.
type Event struct {
	InstanceID string `json:"instance_id"`
	domain.MembershipEvent
}

// Publisher is the part of a Redis client the bus writes through.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type EventBusConfig struct {
	Channel        string
	QueueSize      int
	PublishTimeout time.Duration
	Breaker        circuitbreaker.Config
}

func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		Channel:        DefaultChannel,
		QueueSize:      256,
		PublishTimeout: 2 * time.Second,
		Breaker: circuitbreaker.Config{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Cooldown:         10 * time.Second,
		},
	}
}

// EventBus implements ports.MembershipPublisher over Redis pub/sub.
// Publish only enqueues; a single goroutine started by Start does the
// network writes so the relay never waits on Redis.
type EventBus struct {
	publisher  Publisher
	instanceID string
	cfg        EventBusConfig
	logger     *zap.SugaredLogger
	breaker    *circuitbreaker.CircuitBreaker

	queue     chan domain.MembershipEvent
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	mu        sync.RWMutex

	published atomic.Uint64
	dropped   atomic.Uint64
	skipped   atomic.Uint64
}

func NewEventBus(publisher Publisher, instanceID string, cfg EventBusConfig, logger *zap.SugaredLogger) *EventBus {
	defaults := DefaultEventBusConfig()
	if cfg.Channel == "" {
		cfg.Channel = defaults.Channel
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}
	if cfg.Breaker == (circuitbreaker.Config{}) {
		cfg.Breaker = defaults.Breaker
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	eb := &EventBus{
		publisher:  publisher,
		instanceID: instanceID,
		cfg:        cfg,
		logger:     logger,
		breaker:    circuitbreaker.New(cfg.Breaker),
		queue:      make(chan domain.MembershipEvent, cfg.QueueSize),
		done:       make(chan struct{}),
	}
	eb.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		if to == circuitbreaker.StateOpen {
			eb.logger.Warnw("Redis publishing paused", "channel", cfg.Channel, "cooldown", cfg.Breaker.Cooldown)
			return
		}
		eb.logger.Infow("Redis publishing state changed", "from", from, "to", to)
	})
	return eb
}

// Start launches the publishing goroutine. It returns when ctx is done or
// Close is called, after flushing what is already queued.
func (eb *EventBus) Start(ctx context.Context) {
	eb.startOnce.Do(func() {
		go eb.run(ctx)
	})
}

// Publish enqueues event. When the queue is full the event is dropped.
func (eb *EventBus) Publish(event domain.MembershipEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed.Load() {
		return
	}

	select {
	case eb.queue <- event:
	default:
		eb.dropped.Add(1)
		eb.logger.Warnw("Membership event dropped, queue full",
			"type", event.Type,
			"room_id", event.RoomID,
			"connection_id", event.ConnectionID,
		)
	}
}

func (eb *EventBus) run(ctx context.Context) {
	defer close(eb.done)

	for {
		select {
		case <-ctx.Done():
			eb.drain(context.Background())
			return
		case event, ok := <-eb.queue:
			if !ok {
				return
			}
			eb.send(ctx, event)
		}
	}
}

func (eb *EventBus) drain(ctx context.Context) {
	for {
		select {
		case event, ok := <-eb.queue:
			if !ok {
				return
			}
			eb.send(ctx, event)
		default:
			return
		}
	}
}

func (eb *EventBus) send(ctx context.Context, event domain.MembershipEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(Event{InstanceID: eb.instanceID, MembershipEvent: event})
	if err != nil {
		eb.logger.Warnw("Failed to marshal membership event", "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, eb.cfg.PublishTimeout)
	defer cancel()

	err = eb.breaker.Execute(pubCtx, func(ctx context.Context) error {
		return eb.publisher.Publish(ctx, eb.cfg.Channel, data).Err()
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		eb.skipped.Add(1)
		return
	}
	if err != nil {
		eb.logger.Warnw("Failed to publish membership event",
			"type", event.Type,
			"room_id", event.RoomID,
			"error", err,
		)
		return
	}

	eb.published.Add(1)
	eb.logger.Debugw("Published membership event",
		"type", event.Type,
		"room_id", event.RoomID,
		"connection_id", event.ConnectionID,
		"members", event.Members,
	)
}

// Published is the number of events written to Redis.
func (eb *EventBus) Published() uint64 { return eb.published.Load() }

// Dropped is the number of events discarded because the queue was full.
func (eb *EventBus) Dropped() uint64 { return eb.dropped.Load() }

// Skipped is the number of events not sent while Redis publishing was paused.
func (eb *EventBus) Skipped() uint64 { return eb.skipped.Load() }

// BreakerState reports whether publishing to Redis is currently paused.
func (eb *EventBus) BreakerState() circuitbreaker.State { return eb.breaker.State() }

// Close stops accepting events, flushes the queue and waits for the
// publishing goroutine when it was started.
func (eb *EventBus) Close() error {
	eb.closeOnce.Do(func() {
		eb.mu.Lock()
		eb.closed.Store(true)
		close(eb.queue)
		eb.mu.Unlock()
	})

	started := true
	eb.startOnce.Do(func() { started = false })
	if started {
		<-eb.done
	}
	return nil
}

// Subscribe delivers membership events published by other instances to
// handler until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, client redis.UniversalClient, handler func(Event) error) error {
	pubsub := client.Subscribe(ctx, eb.cfg.Channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", eb.cfg.Channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription closed")
			}
			event, ok := eb.decode(msg.Payload)
			if !ok {
				continue
			}
			if err := handler(event); err != nil {
				eb.logger.Warnw("Error handling membership event",
					"type", event.Type,
					"instance_id", event.InstanceID,
					"error", err,
				)
			}
		}
	}
}

// decode parses payload and reports false for malformed events and for
// events this instance published itself.
func (eb *EventBus) decode(payload string) (Event, bool) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("Failed to unmarshal membership event",
			"error", err,
			"payload", payload,
		)
		return Event{}, false
	}
	if event.InstanceID == eb.instanceID {
		return Event{}, false
	}
	return event, true
}
