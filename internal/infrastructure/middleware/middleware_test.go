package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "ridercomm/pkg/errors"
	"ridercomm/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func errorRouter(log *zap.SugaredLogger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(log), ErrorHandlerMiddleware(log))
	router.GET("/app", func(c *gin.Context) {
		c.Error(apperrors.NewNotFoundError("room").WithContext("room_id", "ABC123"))
	})
	router.GET("/plain", func(c *gin.Context) {
		c.Error(errors.New("boom"))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("nil map")
	})
	router.GET("/written", func(c *gin.Context) {
		c.JSON(http.StatusConflict, gin.H{"already": true})
		c.Error(errors.New("late"))
	})
	return router
}

func serve(t *testing.T, router http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestErrorHandler_AppError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	router := errorRouter(zap.New(core).Sugar())

	code, body := serve(t, router, "/app")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", body["error"])
	assert.Equal(t, "room not found", body["message"])
	assert.Equal(t, map[string]interface{}{"room_id": "ABC123"}, body["details"])

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
}

func TestErrorHandler_PlainError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	router := errorRouter(zap.New(core).Sugar())

	code, body := serve(t, router, "/plain")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "INTERNAL_ERROR", body["error"])
	assert.NotContains(t, body, "details")
	assert.Equal(t, 1, logs.FilterMessage("Unhandled error").Len())
}

func TestErrorHandler_KeepsWrittenResponse(t *testing.T) {
	router := errorRouter(zap.NewNop().Sugar())

	code, body := serve(t, router, "/written")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, true, body["already"])
}

func TestRecoveryMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	router := errorRouter(zap.New(core).Sugar())

	code, body := serve(t, router, "/panic")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "INTERNAL_ERROR", body["error"])
	assert.Equal(t, 1, logs.FilterMessage("Panic recovered").Len())
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)

	router := gin.New()
	router.Use(RequestLogger(logger.NewContextLogger(zap.New(core))))
	router.GET("/api/ip", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/ip", nil))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "/api/ip", fields["path"])
	assert.Equal(t, int64(http.StatusNoContent), fields["status_code"])
}

func TestTracingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	exporter := tracetest.NewInMemoryExporter()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSyncer(exporter))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	router := gin.New()
	router.Use(TracingMiddleware())
	router.GET("/api/rooms", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/fail", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/rooms", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)

	assert.Equal(t, "GET /api/rooms", spans[0].Name)
	assert.Contains(t, spans[0].Attributes, attribute.String("http.route", "/api/rooms"))
	assert.Contains(t, spans[0].Attributes, attribute.Int("http.status_code", http.StatusOK))
	assert.Equal(t, codes.Ok, spans[0].Status.Code)

	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Contains(t, spans[2].Attributes, attribute.String("http.route", "unmatched"))
}
