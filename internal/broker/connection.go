package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/switchboard/switchboard/internal/protocol"
	"github.com/switchboard/switchboard/pkg/log"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod is how often pings are sent. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum inbound frame size in bytes.
	maxMessageSize = 512 * 1024

	// sendBufferSize is the outbound queue depth per connection. A client
	// that falls this far behind is dropped rather than allowed to block
	// the fabric.
	sendBufferSize = 256
)

// Connection wraps one WebSocket connection with its buffered outbound queue
// and pump goroutines. The connection id becomes the client id once
// registration succeeds.
type Connection struct {
	id     string
	broker *Broker
	conn   *websocket.Conn
	send   chan []byte
	logger log.Logger

	// bearerToken is the Authorization header token, used when the register
	// payload carries none.
	bearerToken string

	mu          sync.RWMutex
	closed      bool
	closeReason string

	clientMu sync.RWMutex
	client   *Client
}

// newConnection wraps an upgraded WebSocket connection.
func newConnection(b *Broker, ws *websocket.Conn, bearerToken string) *Connection {
	id := uuid.New().String()
	return &Connection{
		id:          id,
		broker:      b,
		conn:        ws,
		send:        make(chan []byte, sendBufferSize),
		logger:      b.logger.With("connection_id", id),
		bearerToken: bearerToken,
	}
}

// ID returns the connection id.
func (c *Connection) ID() string {
	return c.id
}

// Client returns the registered client, or nil before registration.
func (c *Connection) Client() *Client {
	c.clientMu.RLock()
	defer c.clientMu.RUnlock()
	return c.client
}

func (c *Connection) setClient(client *Client) {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()
	c.client = client
}

// RemoteAddr returns the peer address for logging.
func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Send queues a frame for the write pump. It never blocks: false means the
// connection is closed or the send buffer is full.
func (c *Connection) Send(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// SendMessage encodes and queues a protocol message.
func (c *Connection) SendMessage(msg *protocol.Message) bool {
	data, err := msg.Bytes()
	if err != nil {
		c.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("failed to encode message")
		return false
	}
	if !c.Send(data) {
		return false
	}
	c.broker.metrics.RecordMessage("out", string(msg.Type))
	return true
}

// SendError queues a structured error message.
func (c *Connection) SendError(code, message string) {
	c.SendMessage(protocol.MustMessage(protocol.MessageTypeError, &protocol.ErrorPayload{
		Code:    code,
		Message: message,
	}))
}

// Close marks the connection closed and closes the send channel, which makes
// the write pump flush queued frames, send a close frame, and drop the
// underlying connection. Safe to call more than once; the first reason wins.
func (c *Connection) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeReason = reason
	c.mu.Unlock()

	close(c.send)
}

// CloseReason returns the reason recorded by the first Close call.
func (c *Connection) CloseReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeReason
}

// readPump reads frames from the connection and hands them to the broker.
// The first frame must be a register message and must arrive within the
// registration window. One readPump runs per connection; it owns all reads.
func (c *Connection) readPump() {
	defer c.broker.dropConnection(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	_ = c.conn.SetReadDeadline(time.Now().Add(c.broker.registerWindow))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.logger.Debug().Err(err).Msg("connection closed before registration")
		c.Close("register_timeout")
		return
	}

	if err := c.broker.handleRegister(c, data); err != nil {
		c.SendError(protocol.CodeForError(err), err.Error())
		c.Close("register_failed")
		return
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug().Err(err).Msg("connection read failed")
			}
			return
		}
		c.broker.handleMessage(c, data)
	}
}

// writePump writes queued frames and periodic pings. One writePump runs per
// connection; it owns all writes and closes the underlying connection when
// the send channel is drained after Close.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
