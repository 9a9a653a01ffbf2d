package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errDialRefused  = errors.New("dial tcp 192.168.43.1:3000: connection refused")
	errBadHandshake = errors.New("websocket: bad handshake")
)

func backoff(retries int) Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  retries,
		InitialDelay: 2 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// dialer fails the first failures calls with err.
type dialer struct {
	failures int
	err      error
	calls    int
}

func (d *dialer) dial() error {
	d.calls++
	if d.calls <= d.failures {
		return d.err
	}
	return nil
}

func TestRetry_ReturnsOnFirstSuccess(t *testing.T) {
	d := &dialer{}
	require.NoError(t, Retry(context.Background(), backoff(3), d.dial))
	assert.Equal(t, 1, d.calls)
}

func TestRetry_RecoversAfterFailures(t *testing.T) {
	d := &dialer{failures: 2, err: errDialRefused}
	require.NoError(t, Retry(context.Background(), backoff(3), d.dial))
	assert.Equal(t, 3, d.calls)
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	d := &dialer{failures: 100, err: errDialRefused}
	err := Retry(context.Background(), backoff(2), d.dial)

	assert.ErrorIs(t, err, errDialRefused)
	assert.Contains(t, err.Error(), "max attempts (3)")
	assert.Equal(t, 3, d.calls)
}

func TestRetry_DisabledCallsOnce(t *testing.T) {
	d := &dialer{failures: 100, err: errDialRefused}
	assert.ErrorIs(t, Retry(context.Background(), Config{}, d.dial), errDialRefused)
	assert.Equal(t, 1, d.calls)
}

func TestRetry_StopsWhenCancelledDuringWait(t *testing.T) {
	cfg := backoff(5)
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	d := &dialer{failures: 100, err: errDialRefused}
	cfg.OnRetry = func(int, error) { cancel() }

	err := Retry(ctx, cfg, d.dial)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, d.calls)
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	cfg := backoff(3)
	cfg.NonRetryableErrors = []error{errBadHandshake}

	d := &dialer{failures: 100, err: errBadHandshake}
	err := Retry(context.Background(), cfg, d.dial)

	assert.ErrorIs(t, err, errBadHandshake)
	assert.Contains(t, err.Error(), "non-retryable")
	assert.Equal(t, 1, d.calls)
}

func TestRetry_RetryableList(t *testing.T) {
	cfg := backoff(3)
	cfg.RetryableErrors = []error{errDialRefused}

	d := &dialer{failures: 1, err: errDialRefused}
	require.NoError(t, Retry(context.Background(), cfg, d.dial))
	assert.Equal(t, 2, d.calls)

	d = &dialer{failures: 100, err: errBadHandshake}
	err := Retry(context.Background(), cfg, d.dial)
	assert.Contains(t, err.Error(), "not in retryable list")
	assert.Equal(t, 1, d.calls)
}

func TestRetry_OnRetryCountsFromOne(t *testing.T) {
	cfg := backoff(2)
	var seen []int
	cfg.OnRetry = func(attempt int, err error) {
		assert.ErrorIs(t, err, errDialRefused)
		seen = append(seen, attempt)
	}

	_ = Retry(context.Background(), cfg, (&dialer{failures: 100, err: errDialRefused}).dial)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestFixed_ReconnectPolicy(t *testing.T) {
	cfg := Fixed(3, 5*time.Millisecond)

	d := &dialer{failures: 100, err: errDialRefused}
	start := time.Now()
	err := Retry(context.Background(), cfg, d.dial)

	assert.Error(t, err)
	assert.Equal(t, 3, d.calls)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, calculateDelay(cfg, 7))
}

func TestFixed_AtLeastOneCall(t *testing.T) {
	cfg := Fixed(0, time.Millisecond)
	assert.Zero(t, cfg.MaxAttempts)
	assert.True(t, cfg.DelayFirst)
}

func TestRetryWithResult(t *testing.T) {
	calls := 0
	conn, err := RetryWithResult(context.Background(), backoff(3), func() (string, error) {
		calls++
		if calls < 2 {
			return "", errDialRefused
		}
		return "ws://192.168.43.1:3000/ws", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ws://192.168.43.1:3000/ws", conn)

	n, err := RetryWithResult(context.Background(), backoff(1), func() (int, error) {
		return 7, errDialRefused
	})
	assert.Error(t, err)
	assert.Zero(t, n)
}

func TestCalculateDelay(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2.0}

	assert.Equal(t, 100*time.Millisecond, calculateDelay(cfg, 0))
	assert.Equal(t, 200*time.Millisecond, calculateDelay(cfg, 1))
	assert.Equal(t, 300*time.Millisecond, calculateDelay(cfg, 2))

	cfg.Multiplier = 0
	assert.Equal(t, 100*time.Millisecond, calculateDelay(cfg, 4))
}

func TestCalculateDelay_JitterStaysWithinQuarter(t *testing.T) {
	cfg := Config{InitialDelay: 200 * time.Millisecond, Multiplier: 1, Jitter: true}

	for i := 0; i < 50; i++ {
		d := calculateDelay(cfg, 0)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}
