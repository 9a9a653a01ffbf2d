package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ridercomm/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rateLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router http.Handler, remoteAddr string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := rateLimitedRouter(cfg)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(router, "", nil).Code)
	}
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	router := rateLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:5000", nil).Code)

	w := get(router, "10.0.0.1:5001", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["error"])

	// A different rider is unaffected.
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.2:5000", nil).Code)
}

func TestHTTPRateLimitMiddleware_ForwardedForFirstHop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	router := rateLimitedRouter(cfg)

	proxied := map[string]string{"X-Forwarded-For": "192.168.1.7, 10.0.0.1"}
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:5000", proxied).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(router, "10.0.0.1:5000", proxied).Code)

	other := map[string]string{"X-Forwarded-For": "192.168.1.8, 10.0.0.1"}
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:5000", other).Code)
}

func TestHTTPRateLimitMiddleware_ConcurrencyCap(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1000
	cfg.RateLimiting.HTTP.Burst = 1000
	cfg.RateLimiting.HTTP.MaxConcurrent = 1

	release := make(chan struct{})
	entered := make(chan struct{})
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		if c.Query("hold") != "" {
			close(entered)
			<-release
		}
		c.Status(http.StatusOK)
	})

	done := make(chan int)
	go func() {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test?hold=1", nil))
		done <- w.Code
	}()
	<-entered

	assert.Equal(t, http.StatusServiceUnavailable, get(router, "", nil).Code)

	close(release)
	assert.Equal(t, http.StatusOK, <-done)
	assert.Equal(t, http.StatusOK, get(router, "", nil).Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.43.2:51234"
	assert.Equal(t, "192.168.43.2", clientIP(req))

	req.Header.Set("X-Forwarded-For", "not-an-ip")
	assert.Equal(t, "192.168.43.2", clientIP(req))

	req.Header.Set("X-Forwarded-For", " 10.1.1.1 ")
	assert.Equal(t, "10.1.1.1", clientIP(req))

	req.Header.Del("X-Forwarded-For")
	req.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", clientIP(req))
}

func TestRateLimiterStore_EvictsIdle(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	store := newRateLimiterStore(1, 1)
	store.now = func() time.Time { return now }

	first := store.getLimiter("a")
	store.getLimiter("b")
	assert.Same(t, first, store.getLimiter("a"))
	assert.Equal(t, 2, store.size())

	now = now.Add(limiterIdleTTL + time.Second)
	store.getLimiter("c")
	assert.Equal(t, 1, store.size())
	assert.NotSame(t, first, store.getLimiter("a"))
}
