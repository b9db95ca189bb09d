package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/switchboard/switchboard/internal/protocol"
)

const (
	// dialTimeout bounds the WebSocket upgrade.
	dialTimeout = 10 * time.Second
	// welcomeTimeout bounds the wait for the broker's registration reply.
	welcomeTimeout = 15 * time.Second
	// writeTimeout bounds a single outbound frame.
	writeTimeout = 10 * time.Second
	// requestTimeout is the default bound for a synchronous request.
	requestTimeout = 30 * time.Second
)

// Client is a WebSocket management connection to the broker. It registers
// with the management capability and then exchanges typed fabric messages.
type Client struct {
	url   string
	token string

	mu      sync.Mutex
	conn    *websocket.Conn
	welcome *protocol.WelcomePayload
}

// NewClient creates an unconnected client for the given broker address.
// A bare host:port is normalized to ws://host:port/ws.
func NewClient(server, token string) *Client {
	if !strings.HasPrefix(server, "ws://") && !strings.HasPrefix(server, "wss://") {
		server = "ws://" + server
	}
	if u, err := url.Parse(server); err == nil && (u.Path == "" || u.Path == "/") {
		u.Path = "/ws"
		server = u.String()
	}

	return &Client{
		url:   server,
		token: token,
	}
}

// Connect dials the broker and registers with the given capabilities
// (management when none are named). The token, when set, travels both as a
// bearer header and in the register payload.
func (c *Client) Connect(ctx context.Context, capabilities ...string) error {
	if len(capabilities) == 0 {
		capabilities = []string{protocol.CapabilityManagement}
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return fmt.Errorf("failed to connect to %s (HTTP %d): %w", c.url, resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}
	c.conn = conn

	caps := make(map[string]bool, len(capabilities))
	for _, name := range capabilities {
		caps[name] = true
	}
	hostname, _ := os.Hostname()

	register := protocol.MustMessage(protocol.MessageTypeRegister, &protocol.RegisterPayload{
		UserSession:  sessionName(),
		Capabilities: caps,
		Token:        c.token,
		SystemInfo: &protocol.SystemInfo{
			Hostname: hostname,
			Platform: runtime.GOOS,
			Arch:     runtime.GOARCH,
			CPUs:     runtime.NumCPU(),
			Version:  Version,
		},
	})
	if err := c.send(register); err != nil {
		_ = conn.Close()
		return fmt.Errorf("registration failed: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(welcomeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("registration failed: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	msg, err := protocol.ParseMessage(data)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("registration failed: %w", err)
	}
	if msg.Type == protocol.MessageTypeError {
		var ep protocol.ErrorPayload
		if decodeErr := protocol.Decode(msg, &ep); decodeErr == nil {
			_ = conn.Close()
			return fmt.Errorf("registration rejected: %s", ep.Message)
		}
		_ = conn.Close()
		return errors.New("registration rejected")
	}
	if msg.Type != protocol.MessageTypeWelcome {
		_ = conn.Close()
		return fmt.Errorf("registration failed: expected welcome, got %s", msg.Type)
	}

	var welcome protocol.WelcomePayload
	if err := protocol.Decode(msg, &welcome); err != nil {
		_ = conn.Close()
		return fmt.Errorf("registration failed: %w", err)
	}
	c.welcome = &welcome

	return nil
}

// Welcome returns the broker's registration reply.
func (c *Client) Welcome() *protocol.WelcomePayload {
	return c.welcome
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}

// ListClients asks the broker for every live connection.
func (c *Client) ListClients(ctx context.Context) (*protocol.ClientListPayload, error) {
	if err := c.request(protocol.RequestListClients, nil); err != nil {
		return nil, err
	}
	msg, err := c.await(ctx, protocol.MessageTypeClientList)
	if err != nil {
		return nil, err
	}
	var payload protocol.ClientListPayload
	if err := protocol.Decode(msg, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Stats asks the broker for its live counters.
func (c *Client) Stats(ctx context.Context) (*protocol.StatsPayload, error) {
	if err := c.request(protocol.RequestGetStats, nil); err != nil {
		return nil, err
	}
	msg, err := c.await(ctx, protocol.MessageTypeStats)
	if err != nil {
		return nil, err
	}
	var payload protocol.StatsPayload
	if err := protocol.Decode(msg, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// ReloadPlugins triggers a catalogue reload and returns the broadcast that
// announces the new command set.
func (c *Client) ReloadPlugins(ctx context.Context) (*protocol.PluginsReloadedPayload, error) {
	if err := c.request(protocol.RequestReloadPlugins, nil); err != nil {
		return nil, err
	}
	msg, err := c.await(ctx, protocol.MessageTypePluginsReloaded)
	if err != nil {
		return nil, err
	}
	var payload protocol.PluginsReloadedPayload
	if err := protocol.Decode(msg, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// History queries recorded command outcomes. Zero or empty filter values are
// omitted from the request.
func (c *Client) History(ctx context.Context, limit int, status, target, command string) (*protocol.HistoryPayload, error) {
	params := map[string]interface{}{}
	if limit > 0 {
		params["limit"] = limit
	}
	if status != "" {
		params["status"] = status
	}
	if target != "" {
		params["target_client"] = target
	}
	if command != "" {
		params["command"] = command
	}

	if err := c.request(protocol.RequestHistory, params); err != nil {
		return nil, err
	}
	msg, err := c.await(ctx, protocol.MessageTypeHistory)
	if err != nil {
		return nil, err
	}
	var payload protocol.HistoryPayload
	if err := protocol.Decode(msg, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Forward asks the broker to deliver a command to the target agent and
// returns the broker's acknowledgment.
func (c *Client) Forward(ctx context.Context, target, command string, params map[string]interface{}, priority int) (*protocol.ForwardAckPayload, error) {
	payload := &protocol.ForwardCommandPayload{
		TargetClient: target,
		Command: protocol.CommandRequest{
			Command: command,
			Params:  params,
		},
		Priority: &priority,
	}
	if err := c.send(protocol.MustMessage(protocol.MessageTypeForwardCommand, payload)); err != nil {
		return nil, err
	}

	msg, err := c.await(ctx, protocol.MessageTypeForwardAck, protocol.MessageTypeForwardError)
	if err != nil {
		return nil, err
	}
	if msg.Type == protocol.MessageTypeForwardError {
		var fe protocol.ForwardErrorPayload
		if err := protocol.Decode(msg, &fe); err != nil {
			return nil, err
		}
		if fe.Code != "" {
			return nil, fmt.Errorf("forward rejected: %s (%s)", fe.Error, fe.Code)
		}
		return nil, fmt.Errorf("forward rejected: %s", fe.Error)
	}

	var ack protocol.ForwardAckPayload
	if err := protocol.Decode(msg, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// AwaitResult reads broadcast outcomes until the command finishes or ctx
// expires. Execution on the agent is unaffected by the bound; only the wait
// gives up.
func (c *Client) AwaitResult(ctx context.Context, commandID string) (*protocol.CommandResultPayload, *protocol.CommandErrorPayload, error) {
	for {
		msg, err := c.next(ctx)
		if err != nil {
			if isTimeout(err) || ctx.Err() != nil {
				return nil, nil, fmt.Errorf("%w: no result for %s within the wait bound", protocol.ErrCommandTimeout, commandID)
			}
			return nil, nil, err
		}

		switch msg.Type {
		case protocol.MessageTypeCommandResult:
			var result protocol.CommandResultPayload
			if err := protocol.Decode(msg, &result); err != nil {
				return nil, nil, err
			}
			if result.CommandID == commandID {
				return &result, nil, nil
			}
		case protocol.MessageTypeCommandError:
			var cmdErr protocol.CommandErrorPayload
			if err := protocol.Decode(msg, &cmdErr); err != nil {
				return nil, nil, err
			}
			if cmdErr.CommandID == commandID {
				return nil, &cmdErr, nil
			}
		}
	}
}

// Watch streams every broadcast the broker sends to management clients,
// keeping the connection alive with heartbeats. It returns nil once ctx is
// cancelled.
func (c *Client) Watch(ctx context.Context, handle func(*protocol.Message)) error {
	interval := 30 * time.Second
	if c.welcome != nil && c.welcome.HeartbeatInterval > 0 {
		interval = time.Duration(c.welcome.HeartbeatInterval) * time.Second
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				// Closing the connection unblocks the read below.
				c.mu.Lock()
				if c.conn != nil {
					_ = c.conn.Close()
				}
				c.mu.Unlock()
				return
			case <-ticker.C:
				_ = c.send(protocol.MustMessage(protocol.MessageTypeHeartbeat, nil))
			}
		}
	}()

	for {
		msg, err := c.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msg.Type == protocol.MessageTypeHeartbeatAck {
			continue
		}
		handle(msg)
	}
}

// request sends a named request to the broker.
func (c *Client) request(command string, params map[string]interface{}) error {
	return c.send(protocol.MustMessage(protocol.MessageTypeRequest, &protocol.RequestPayload{
		Command: command,
		Params:  params,
	}))
}

// send writes one message. Writes are serialized so the watch heartbeat
// ticker cannot interleave with a request frame.
func (c *Client) send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// next reads one message, honoring any deadline carried by ctx.
func (c *Client) next(ctx context.Context) (*protocol.Message, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errors.New("not connected")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.ParseMessage(data)
}

// await reads until one of the wanted message types arrives. Broadcasts that
// happen to pass by in the meantime are skipped; a broker error message ends
// the wait.
func (c *Client) await(ctx context.Context, want ...protocol.MessageType) (*protocol.Message, error) {
	for {
		msg, err := c.next(ctx)
		if err != nil {
			if isTimeout(err) {
				return nil, fmt.Errorf("timed out waiting for %s", wantNames(want))
			}
			return nil, err
		}

		for _, t := range want {
			if msg.Type == t {
				return msg, nil
			}
		}

		if msg.Type == protocol.MessageTypeError {
			var ep protocol.ErrorPayload
			if err := protocol.Decode(msg, &ep); err != nil {
				return nil, errors.New("broker reported an error")
			}
			if ep.Code != "" {
				return nil, fmt.Errorf("broker error: %s (%s)", ep.Message, ep.Code)
			}
			return nil, fmt.Errorf("broker error: %s", ep.Message)
		}
	}
}

// sessionName identifies this CLI invocation to the fabric.
func sessionName() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "operator"
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return user + "@" + hostname
}

func wantNames(want []protocol.MessageType) string {
	names := make([]string, len(want))
	for i, t := range want {
		names[i] = string(t)
	}
	return strings.Join(names, " or ")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
