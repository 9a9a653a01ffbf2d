package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"ridercomm/internal/core/domain"
	"ridercomm/internal/core/ports"
	"ridercomm/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ClientConfig configures a relay client connection.
type ClientConfig struct {
	URL               string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	EventBuffer       int
	Header            http.Header
}

func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:               url,
		ReconnectAttempts: 10,
		ReconnectDelay:    2 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		EventBuffer:       64,
	}
}

// Client is a SignalChannel over a gorilla WebSocket. After an unexpected
// drop it re-dials on a fixed schedule and reports the outcome as events.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	running bool

	writeMu   sync.Mutex
	events    chan ports.ChannelEvent
	closeOnce sync.Once
}

var _ ports.SignalChannel = (*Client)(nil)

func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan ports.ChannelEvent, cfg.EventBuffer),
	}
}

// Connect dials the relay. The context bounds the dial only.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return domain.ErrChannelClosed
	}
	c.conn = conn
	c.running = true
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	if c.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
	conn.SetPingHandler(func(data string) error {
		if c.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return conn, nil
}

func (c *Client) Send(msg domain.SignalMessage) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return domain.ErrChannelClosed
	}
	if conn == nil {
		return domain.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) Events() <-chan ports.ChannelEvent {
	return c.events
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, running := c.conn, c.running
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	if !running {
		c.closeEvents()
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.closeEvents()

	for {
		c.consume(conn)
		if c.isClosed() {
			return
		}

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		next, err := c.reconnect()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.logger.Warnw("giving up on signaling server", "url", c.cfg.URL, "error", err)
			c.emit(ports.ChannelEvent{Kind: ports.ChannelFailed, Err: err})
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			next.Close()
			return
		}
		c.conn = next
		c.mu.Unlock()

		conn = next
		c.emit(ports.ChannelEvent{Kind: ports.ChannelReconnected})
	}
}

func (c *Client) consume(conn *websocket.Conn) {
	for {
		var msg domain.SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !c.isClosed() {
				c.logger.Infow("signaling connection lost", "url", c.cfg.URL, "error", err)
			}
			conn.Close()
			return
		}
		if c.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		c.emit(ports.ChannelEvent{Kind: ports.ChannelMessage, Message: msg})
	}
}

func (c *Client) reconnect() (*websocket.Conn, error) {
	if c.cfg.ReconnectAttempts <= 0 {
		return nil, errors.New("reconnection disabled")
	}
	attempt := 0
	return retry.RetryWithResult(c.ctx, retry.Fixed(c.cfg.ReconnectAttempts, c.cfg.ReconnectDelay), func() (*websocket.Conn, error) {
		attempt++
		c.emit(ports.ChannelEvent{Kind: ports.ChannelReconnecting, Attempt: attempt})
		c.logger.Infow("reconnecting to signaling server", "url", c.cfg.URL, "attempt", attempt)

		ctx, cancel := context.WithTimeout(c.ctx, c.dialer.HandshakeTimeout)
		defer cancel()
		return c.dial(ctx)
	})
}

func (c *Client) emit(ev ports.ChannelEvent) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) closeEvents() {
	c.closeOnce.Do(func() { close(c.events) })
}
