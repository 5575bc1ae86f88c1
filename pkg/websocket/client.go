// Package websocket provides a reconnecting WebSocket reader, used to tail the
// event stream from the command line.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"tradeguard/internal/core"
	"tradeguard/pkg/retry"
	"tradeguard/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MessageHandler handles one incoming frame
type MessageHandler func(message []byte)

// Client reads from a WebSocket endpoint, reconnecting with exponential backoff
type Client struct {
	url     string
	header  http.Header
	handler MessageHandler
	logger  core.ILogger

	reconnectBase time.Duration
	reconnectMax  time.Duration
	pongWait      time.Duration

	mu          sync.Mutex
	conn        *websocket.Conn
	onConnected func()

	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
}

func NewClient(url string, handler MessageHandler, logger core.ILogger) *Client {
	meter := telemetry.GetMeter("ws-client")
	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Total number of WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Total number of WebSocket connection attempts"))

	return &Client{
		url:           url,
		header:        http.Header{},
		handler:       handler,
		logger:        logger.WithField("component", "ws_client"),
		reconnectBase: 500 * time.Millisecond,
		reconnectMax:  30 * time.Second,
		pongWait:      90 * time.Second,
		msgCounter:    msgCounter,
		connCounter:   connCounter,
	}
}

// SetReconnect bounds the backoff between attempts
func (c *Client) SetReconnect(base, max time.Duration) {
	c.reconnectBase, c.reconnectMax = base, max
}

// SetOnConnected sets a callback run after every successful dial
func (c *Client) SetOnConnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// SetHeader adds a header sent with every dial, such as Origin
func (c *Client) SetHeader(key, value string) {
	c.header.Set(key, value)
}

// Run reads until ctx is cancelled. Dial failures and dropped connections are
// retried; maxAttempts > 0 bounds consecutive failed dials.
func (c *Client) Run(ctx context.Context, maxAttempts int) error {
	stop := context.AfterFunc(ctx, c.closeConn)
	defer stop()

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := c.connect(ctx)
		if err != nil {
			failures++
			c.logger.Warn("WebSocket connect failed", "url", c.url, "attempt", failures, "error", err)
			if maxAttempts > 0 && failures >= maxAttempts {
				return fmt.Errorf("websocket %s: giving up after %d attempts: %w", c.url, failures, err)
			}
		} else {
			if ctx.Err() != nil {
				// Cancelled while dialling; the AfterFunc may have missed this conn
				c.closeConn()
				return nil
			}
			failures = 0
			c.mu.Lock()
			cb := c.onConnected
			c.mu.Unlock()
			if cb != nil {
				cb()
			}
			c.readLoop(ctx)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry.Exponential(c.reconnectBase, c.reconnectMax, failures)):
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	c.connCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("url", c.url)))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return err
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("WebSocket connected", "url", c.url)
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.closeConn()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if ctx.Err() == nil && !errors.As(err, &ce) {
				c.logger.Warn("WebSocket read failed", "url", c.url, "error", err)
			}
			return
		}
		c.msgCounter.Add(ctx, 1)
		if c.handler != nil {
			c.handler(message)
		}
	}
}
