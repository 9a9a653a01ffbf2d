package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ridercomm/internal/core/domain"
	"ridercomm/internal/core/ports"
	apperrors "ridercomm/pkg/errors"
	rlog "ridercomm/pkg/logger"
	"ridercomm/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ServerConfig tunes per-connection behaviour of the WebSocket endpoint.
type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueueSize  int
	MaxMessageSize int64
	AllowedOrigins []string

	// MessagesPerSecond <= 0 disables the per-connection message limiter.
	MessagesPerSecond float64
	Burst             int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   25 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  64,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

type WebSocketServer struct {
	relay    *Relay
	cfg      ServerConfig
	upgrader websocket.Upgrader
	metrics  ports.RelayMetrics

	connections map[domain.ConnectionID]*connection
	mu          sync.RWMutex
	wg          sync.WaitGroup

	logger *zap.SugaredLogger
	ctxLog *rlog.ContextLogger
}

func NewWebSocketServer(relay *Relay, cfg ServerConfig, metrics ports.RelayMetrics, logger *zap.Logger) *WebSocketServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultServerConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaults.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaults.SendQueueSize
	}

	s := &WebSocketServer{
		relay:       relay,
		cfg:         cfg,
		metrics:     metrics,
		connections: make(map[domain.ConnectionID]*connection),
		logger:      logger.Sugar(),
		ctxLog:      rlog.NewContextLogger(logger),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

// connection is one upgraded socket. Only writePump writes to conn.
type connection struct {
	id   domain.ConnectionID
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan domain.SignalMessage
	closed bool
}

func (c *connection) ID() domain.ConnectionID { return c.id }

func (c *connection) Send(msg domain.SignalMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	c := &connection{
		id:   domain.ConnectionID(uuid.NewString()),
		conn: conn,
		send: make(chan domain.SignalMessage, s.cfg.SendQueueSize),
	}

	s.mu.Lock()
	s.connections[c.id] = c
	s.mu.Unlock()
	s.wg.Add(1)

	s.logger.Infow("client connected", "connection_id", c.id, "remote_addr", r.RemoteAddr)

	s.relay.Register(c)
	go s.writePump(c)
	s.readPump(c)

	s.relay.Disconnect(context.Background(), c.id)
	c.close()

	s.mu.Lock()
	delete(s.connections, c.id)
	s.mu.Unlock()
	s.wg.Done()

	s.logger.Infow("client disconnected", "connection_id", c.id)
}

func (s *WebSocketServer) readPump(c *connection) {
	if s.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = int(s.cfg.MessagesPerSecond)
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), burst)
	}

	baseCtx := rlog.WithConnectionID(context.Background(), string(c.id))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from client", "connection_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if limiter != nil && !limiter.Allow() {
			if s.metrics != nil {
				s.metrics.IncErrors("rate_limited")
			}
			s.sendError(c, apperrors.NewRateLimitError())
			continue
		}

		var msg domain.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			if s.metrics != nil {
				s.metrics.IncErrors("invalid_envelope")
			}
			s.sendError(c, apperrors.NewRelayError("invalid message envelope"))
			continue
		}

		s.dispatch(baseCtx, c, msg)
	}
}

func (s *WebSocketServer) dispatch(baseCtx context.Context, c *connection, msg domain.SignalMessage) {
	ctx, span := tracing.TraceSignalMessage(baseCtx, string(msg.Type), string(c.id))
	defer span.End()

	start := time.Now()
	err := s.relay.HandleMessage(ctx, c.id, msg)
	if s.metrics != nil && (msg.Type.Relayed() || msg.Type == domain.MessageJoinRoom) {
		s.metrics.ObserveHandling(msg.Type, time.Since(start))
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		s.ctxLog.Sugar(ctx).Infow("error handling message from client", "type", msg.Type, "error", err)
		s.sendError(c, err)
	}
}

func (s *WebSocketServer) writePump(c *connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				s.logger.Infow("error writing message", "connection_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "connection_id", c.id, "error", err)
				return
			}
		}
	}
}

func (s *WebSocketServer) sendError(c *connection, err error) {
	message := err.Error()
	if appErr := apperrors.GetAppError(err); appErr != nil {
		message = appErr.Message
	}
	c.Send(envelope(domain.MessageError, domain.ErrorPayload{Message: message}))
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// ConnectionCount is the number of open sockets.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Shutdown closes every open socket and waits for their handlers to finish.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for _, c := range s.connections {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	stats := s.relay.Stats()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
		"rooms":       stats.Rooms,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
