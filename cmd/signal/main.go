package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"ridercomm/internal/core/ports"
	httphandlers "ridercomm/internal/handlers/http"
	"ridercomm/internal/infrastructure/distributed"
	"ridercomm/internal/infrastructure/middleware"
	"ridercomm/internal/infrastructure/monitoring"
	"ridercomm/internal/infrastructure/netinfo"
	"ridercomm/internal/infrastructure/signal"
	"ridercomm/pkg/circuitbreaker"
	"ridercomm/pkg/config"
	"ridercomm/pkg/logger"
	"ridercomm/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, path, err := config.LoadFirst(
		os.Getenv("RIDERCOMM_CONFIG"),
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/ridercomm/config.yaml",
		"config.yaml",
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", path, err)
		os.Exit(1)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if path != "" {
		log.Infow("Loaded config", "path", path)
	} else {
		log.Info("No config file found, using defaults")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: os.Getenv("RIDERCOMM_ENV"),
		SampleRate:  cfg.Tracing.SamplingRate,
	})
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	// Monitoring
	var metrics ports.RelayMetrics
	var metricsHandler http.Handler
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
		metricsHandler = promhttp.Handler()
		log.Infow("Prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	// Optional Redis fan-out of membership changes
	var redisClient *redis.Client
	var bus *distributed.EventBus
	var publisher ports.MembershipPublisher
	if cfg.Redis.Enabled {
		redisClient, err = distributed.NewRedisClient(ctx, distributed.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, log)
		if err != nil {
			log.Fatalw("Failed to connect to Redis", "error", err)
		}

		instanceID := instanceName()
		bus = distributed.NewEventBus(redisClient, instanceID, distributed.EventBusConfig{
			Channel: cfg.Redis.Channel,
			Breaker: circuitbreaker.Config{
				FailureThreshold: cfg.Redis.BreakerThreshold,
				Cooldown:         cfg.Redis.BreakerCooldown,
			},
		}, log)
		bus.Start(ctx)
		publisher = bus

		go func() {
			err := bus.Subscribe(ctx, redisClient, func(e distributed.Event) error {
				log.Debugw("Membership change on another relay",
					"instance_id", e.InstanceID,
					"type", e.Type,
					"room_id", e.RoomID,
					"members", e.Members,
				)
				return nil
			})
			if err != nil && ctx.Err() == nil {
				log.Warnw("Membership subscription ended", "error", err)
			}
		}()
		log.Infow("Membership event bus enabled", "instance_id", instanceID, "channel", cfg.Redis.Channel)
	}

	// Relay
	relay := signal.NewRelay(log, metrics, publisher)

	wsConfig := signal.ServerConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendQueueSize:  cfg.Signal.SendQueueSize,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		wsConfig.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		wsConfig.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	wsServer := signal.NewWebSocketServer(relay, wsConfig, metrics, zapLogger)

	// Health
	health := monitoring.NewHealthChecker(log)
	health.AddRelayCheck(relay, 30*time.Second, 2*time.Second)
	if redisClient != nil {
		health.AddRedisCheck(redisClient, 30*time.Second, 2*time.Second)
	}
	health.StartBackgroundChecks(ctx)

	resolver := netinfo.NewResolver(nil, cfg.Server.StaticIP, cfg.ListenPort())

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogger(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	handler := httphandlers.NewSignalHandler(relay, wsServer.HandleWebSocket, resolver, health, metricsHandler)
	handler.SetupRoutes(router, cfg.Signal.Path, cfg.Monitoring.MetricsPath)

	// WriteTimeout would cut long-lived WebSocket connections; the socket
	// sets its own write deadlines.
	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting ridercomm signaling relay", "address", cfg.Server.Address, "ws_path", cfg.Signal.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	printBanner(resolver, cfg.ListenPort(), log)

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down ridercomm signaling relay...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	wsCtx, wsCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer wsCancel()
	if err := wsServer.Shutdown(wsCtx); err != nil {
		log.Warnw("WebSocket connections did not drain", "error", err)
	}

	cancel()
	if bus != nil {
		bus.Close()
		log.Infow("Membership event bus closed", "published", bus.Published(), "dropped", bus.Dropped(), "skipped", bus.Skipped())
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorw("Error closing Redis client", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error shutting down tracer provider", "error", err)
	}

	log.Info("ridercomm signaling relay stopped")
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// printBanner lists every address riders can open, primary first.
func printBanner(resolver *netinfo.Resolver, port int, log *zap.SugaredLogger) {
	addrs := resolver.Resolve()

	fmt.Printf("\nridercomm relay is running\n")
	fmt.Printf("  Local:   http://localhost:%d\n", port)

	if len(addrs.All) == 0 {
		fmt.Printf("  Network: %s\n", addrs.URL)
		log.Warnw("Could not detect a network address", "using", addrs.Primary)
		return
	}

	fmt.Printf("\n  Network addresses (share any of these with riders):\n")
	for i, url := range addrs.URLs {
		marker := ""
		if i == 0 {
			marker = "  (primary)"
		}
		fmt.Printf("    %s%s\n", url, marker)
	}
	fmt.Println()

	if detected, mismatch := resolver.StaticMismatch(); mismatch {
		log.Warnw("STATIC_IP differs from the detected address",
			"static_ip", addrs.Primary,
			"detected", detected,
		)
	}
}
