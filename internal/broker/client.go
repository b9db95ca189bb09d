package broker

import (
	"sort"
	"sync"
	"time"

	"github.com/switchboard/switchboard/internal/protocol"
)

// PendingCommand is one forwarded invocation awaiting a terminal outcome on
// its target. It lives in the target Client's pending map from forward until
// the result, error, or disconnect that finishes it.
type PendingCommand struct {
	ID        string
	Name      string
	Requester string
	Priority  int
	Status    protocol.CommandStatus
	CreatedAt time.Time
}

// Client is one registered connection: its broker-assigned id, the immutable
// capability set negotiated at registration, and the commands pending on it.
// A Client exists exactly as long as its connection; nothing survives removal.
type Client struct {
	ID          string
	UserSession string
	// Subject is the token subject when a token was presented at registration.
	Subject      string
	Capabilities map[string]bool
	SystemInfo   *protocol.SystemInfo
	ConnectedAt  time.Time

	conn *Connection

	mu            sync.RWMutex
	lastHeartbeat time.Time
	pending       map[string]*PendingCommand
}

// newClient builds the Client for a connection that passed registration. The
// connection id becomes the client id.
func newClient(conn *Connection, reg *protocol.RegisterPayload, granted []string, subject string) *Client {
	caps := make(map[string]bool, len(granted))
	for _, name := range granted {
		caps[name] = true
	}
	now := time.Now().UTC()
	return &Client{
		ID:            conn.id,
		UserSession:   reg.UserSession,
		Subject:       subject,
		Capabilities:  caps,
		SystemInfo:    reg.SystemInfo,
		ConnectedAt:   now,
		conn:          conn,
		lastHeartbeat: now,
		pending:       make(map[string]*PendingCommand),
	}
}

// HasCapability reports whether the client holds the named capability. The
// capability set is immutable after registration, so no lock is needed.
func (c *Client) HasCapability(name string) bool {
	return c.Capabilities[name]
}

// IsAgent reports whether the client executes commands.
func (c *Client) IsAgent() bool {
	return c.HasCapability(protocol.CapabilityControl)
}

// IsManagement reports whether the client may forward commands and receives
// outcome broadcasts.
func (c *Client) IsManagement() bool {
	return c.HasCapability(protocol.CapabilityManagement)
}

// Type classifies the client for the connected-clients gauge.
func (c *Client) Type() string {
	switch {
	case c.IsManagement():
		return "management"
	case c.IsAgent():
		return "agent"
	default:
		return "other"
	}
}

// CapabilityNames returns the granted capabilities in sorted order.
func (c *Client) CapabilityNames() []string {
	names := make([]string, 0, len(c.Capabilities))
	for name := range c.Capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Touch records a heartbeat. Timestamps are monotonic per client: an older
// timestamp never rewinds the recorded one.
func (c *Client) Touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.After(c.lastHeartbeat) {
		c.lastHeartbeat = now
	}
}

// LastHeartbeat returns the most recent heartbeat time.
func (c *Client) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// Send queues a message on the client's connection. It never blocks; false
// means the send buffer was full or the connection is closed.
func (c *Client) Send(msg *protocol.Message) bool {
	return c.conn.SendMessage(msg)
}

// AddPending stores a command awaiting an outcome on this client.
func (c *Client) AddPending(cmd *PendingCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[cmd.ID] = cmd
}

// AdvancePending moves a pending command to a later non-terminal status.
// It returns false for unknown ids and for transitions that would move the
// lifecycle backwards.
func (c *Client) AdvancePending(id string, status protocol.CommandStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd, ok := c.pending[id]
	if !ok {
		return false
	}
	if !cmd.Status.CanTransitionTo(status) {
		return false
	}
	cmd.Status = status
	return true
}

// TakePending removes and returns the pending command with the given id.
func (c *Client) TakePending(id string) (*PendingCommand, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return cmd, ok
}

// DrainPending removes and returns every pending command. Called when the
// client disconnects; the commands are marked lost, never retried.
func (c *Client) DrainPending() []*PendingCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmds := make([]*PendingCommand, 0, len(c.pending))
	for _, cmd := range c.pending {
		cmds = append(cmds, cmd)
	}
	c.pending = make(map[string]*PendingCommand)
	return cmds
}

// PendingCount returns the number of commands awaiting an outcome.
func (c *Client) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// Info returns the client's entry for a client_list reply.
func (c *Client) Info() protocol.ClientInfo {
	info := protocol.ClientInfo{
		ClientID:        c.ID,
		UserSession:     c.UserSession,
		Capabilities:    c.CapabilityNames(),
		ConnectedAt:     c.ConnectedAt,
		LastHeartbeat:   c.LastHeartbeat(),
		PendingCommands: c.PendingCount(),
	}
	if c.SystemInfo != nil {
		info.Hostname = c.SystemInfo.Hostname
		info.Platform = c.SystemInfo.Platform
	}
	return info
}
