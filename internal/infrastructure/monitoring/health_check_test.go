package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ridercomm/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRelay struct {
	block chan struct{}
}

func (s *stubRelay) Stats() domain.RelayStats {
	if s.block != nil {
		<-s.block
	}
	return domain.RelayStats{Connections: 2, Rooms: 1, Members: 2}
}

func TestHealthChecker_NoChecksIsHealthy(t *testing.T) {
	h := NewHealthChecker(nil)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Empty(t, status.Checks)
	assert.True(t, h.IsReady(context.Background()))
}

func TestHealthChecker_FailingCheck(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("ok", func(ctx context.Context) (bool, error) { return true, nil }, time.Second, time.Second)
	h.AddCheck("broken", func(ctx context.Context) (bool, error) { return false, errors.New("disk gone") }, time.Second, time.Second)
	h.AddCheck("false", func(ctx context.Context) (bool, error) { return false, nil }, time.Second, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["ok"])
	assert.Equal(t, "disk gone", status.Checks["broken"])
	assert.Equal(t, "check failed", status.Checks["false"])
}

func TestHealthChecker_RelayCheck(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddRelayCheck(&stubRelay{}, time.Second, time.Second)

	assert.True(t, h.IsReady(context.Background()))
}

func TestHealthChecker_RelayCheckTimesOut(t *testing.T) {
	relay := &stubRelay{block: make(chan struct{})}
	defer close(relay.block)

	h := NewHealthChecker(nil)
	h.AddRelayCheck(relay, time.Second, 20*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Contains(t, status.Checks["relay"], "relay unresponsive")
}

func TestHealthChecker_ReadinessWithUnreachableRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	h := NewHealthChecker(nil)
	h.AddReadinessCheck(client, &stubRelay{}, time.Second, time.Second)

	status := h.GetReadinessStatus(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Contains(t, status.Checks["readiness"], "redis")
}

func TestHealthChecker_ReadinessWithoutRedis(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddReadinessCheck(nil, &stubRelay{}, time.Second, time.Second)

	assert.True(t, h.IsReady(context.Background()))
}

func TestHealthChecker_BackgroundChecks(t *testing.T) {
	var mu sync.Mutex
	healthy := false

	h := NewHealthChecker(nil)
	h.AddCheck("flaky", func(ctx context.Context) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return healthy, nil
	}, 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartBackgroundChecks(ctx)

	require.Eventually(t, func() bool {
		return h.LastResults()["flaky"] == "check failed"
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	healthy = true
	mu.Unlock()

	require.Eventually(t, func() bool {
		return h.LastResults()["flaky"] == StatusHealthy
	}, time.Second, 5*time.Millisecond)
}
