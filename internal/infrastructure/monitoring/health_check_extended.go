package monitoring

import (
	"context"
	"fmt"
	"time"

	"ridercomm/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// StatsSource is anything that reports relay occupancy.
type StatsSource interface {
	Stats() domain.RelayStats
}

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRelayCheck fails when the relay does not answer a stats query within
// the timeout, which means its lock is wedged.
func (h *HealthChecker) AddRelayCheck(relay StatsSource, interval, timeout time.Duration) {
	h.AddCheck("relay", func(ctx context.Context) (bool, error) {
		return probeRelay(ctx, relay)
	}, interval, timeout)
}

// AddReadinessCheck creates a readiness check that verifies all dependencies.
// redisClient may be nil when the event bus is disabled.
func (h *HealthChecker) AddReadinessCheck(
	redisClient redis.UniversalClient,
	relay StatsSource,
	interval, timeout time.Duration,
) {
	h.AddCheck("readiness", func(ctx context.Context) (bool, error) {
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return false, fmt.Errorf("redis: %w", err)
			}
		}

		if relay != nil {
			if ok, err := probeRelay(ctx, relay); !ok {
				return false, err
			}
		}

		return true, nil
	}, interval, timeout)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == StatusHealthy
}

func probeRelay(ctx context.Context, relay StatsSource) (bool, error) {
	done := make(chan struct{})
	go func() {
		relay.Stats()
		close(done)
	}()

	select {
	case <-done:
		return true, nil
	case <-ctx.Done():
		return false, fmt.Errorf("relay unresponsive: %w", ctx.Err())
	}
}
