package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/switchboard/switchboard/internal/protocol"
	"github.com/switchboard/switchboard/pkg/log"
)

const (
	// handshakeTimeout bounds the WebSocket upgrade.
	handshakeTimeout = 15 * time.Second
	// writeTimeout bounds a single outbound frame.
	writeTimeout = 10 * time.Second
)

// Client manages the WebSocket connection to the broker. Writes are
// serialized through a mutex; reads must come from a single goroutine.
type Client struct {
	config *Config
	logger log.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	reconnectMu      sync.Mutex
	reconnectAttempt int
}

// NewClient creates a new broker client.
func NewClient(cfg *Config, logger log.Logger) *Client {
	return &Client{
		config: cfg,
		logger: logger.With("component", "client"),
	}
}

// Connect establishes the WebSocket connection to the broker. Any existing
// connection is closed first. The agent's token, when set, is presented as
// an Authorization header so the broker can bind it before registration.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: c.config.TLSInsecureSkipVerify,
		},
	}

	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}

	c.logger.Debug().
		Str("url", c.config.BrokerURL).
		Msg("Connecting to broker")

	conn, resp, err := dialer.DialContext(ctx, c.config.BrokerURL, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return fmt.Errorf("failed to connect (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.conn = conn

	c.logger.Info().Msg("Connected to broker")
	return nil
}

// Send writes a message to the broker. Concurrent callers are serialized.
func (c *Client) Send(msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errors.New("not connected")
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// Read blocks until the next inbound message arrives. Only one goroutine
// may call Read at a time.
func (c *Client) Read() (*protocol.Message, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil, errors.New("not connected")
	}

	var msg protocol.Message
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SetReadDeadline bounds the next Read. A zero time clears the deadline.
func (c *Client) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return errors.New("not connected")
	}
	return conn.SetReadDeadline(t)
}

// Close sends a close frame and tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	deadline := time.Now().Add(writeTimeout)
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
		deadline,
	)

	err := c.conn.Close()
	c.conn = nil
	return err
}

// NextReconnectInterval returns the next reconnection interval using
// exponential backoff.
func (c *Client) NextReconnectInterval() time.Duration {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.reconnectAttempt++

	baseInterval := float64(c.config.ReconnectMinInterval)
	maxInterval := float64(c.config.ReconnectMaxInterval)

	// min * 2^(attempt-1), capped at max
	interval := baseInterval * math.Pow(2, float64(c.reconnectAttempt-1))
	if interval > maxInterval {
		interval = maxInterval
	}

	// Add jitter (±10%)
	jitter := interval * 0.1
	interval = interval - jitter + (jitter * 2 * float64(time.Now().UnixNano()%100) / 100)

	return time.Duration(interval)
}

// ResetReconnectInterval resets the reconnection attempt counter.
func (c *Client) ResetReconnectInterval() {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	c.reconnectAttempt = 0
}
