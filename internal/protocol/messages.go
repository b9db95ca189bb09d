// Package protocol defines the message catalogue exchanged between the
// Switchboard broker, its agents, and management clients. Every frame on the
// wire is a Message envelope whose Payload decodes into one of the typed
// payload structs below; required fields are validated at the decode boundary
// so malformed shapes are rejected before they reach any handler.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType defines the type of a fabric message.
type MessageType string

const (
	// Client -> Broker message types
	MessageTypeRegister       MessageType = "register"
	MessageTypeHeartbeat      MessageType = "heartbeat"
	MessageTypeRequest        MessageType = "request"
	MessageTypeForwardCommand MessageType = "forward_command"

	// Broker -> Client message types
	MessageTypeWelcome         MessageType = "welcome"
	MessageTypeHeartbeatAck    MessageType = "heartbeat_ack"
	MessageTypeClientList      MessageType = "client_list"
	MessageTypeStats           MessageType = "stats"
	MessageTypeHistory         MessageType = "history"
	MessageTypeForwardAck      MessageType = "forward_ack"
	MessageTypeForwardError    MessageType = "forward_error"
	MessageTypePluginsReloaded MessageType = "plugins_reloaded"
	MessageTypeConfigUpdate    MessageType = "config_update"
	MessageTypeError           MessageType = "error"

	// Broker <-> Agent command relay types. The broker wraps a forwarded
	// command as "command"; the agent answers with "command_ack" once queued
	// and a terminal "command_result" or "command_error".
	MessageTypeCommand       MessageType = "command"
	MessageTypeCommandAck    MessageType = "command_ack"
	MessageTypeCommandResult MessageType = "command_result"
	MessageTypeCommandError  MessageType = "command_error"
)

// Capability names negotiated at registration. The set is immutable for the
// lifetime of the connection.
const (
	// CapabilityManagement allows forwarding commands and receiving the
	// broadcast of every command outcome.
	CapabilityManagement = "management"
	// CapabilityControl marks a connection as an agent that executes commands.
	CapabilityControl = "control"
	// CapabilityHotReload allows triggering plugin reloads.
	CapabilityHotReload = "hot_reload"
)

// Request command names answered synchronously by the broker.
const (
	RequestListClients   = "list_clients"
	RequestGetStats      = "get_stats"
	RequestReloadPlugins = "reload_plugins"
	RequestHistory       = "history"
)

// Message is the envelope for every frame on the wire.
type Message struct {
	// Type is the message type.
	Type MessageType `json:"type"`
	// Payload contains the type-specific message data.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Timestamp is when the message was created.
	Timestamp time.Time `json:"timestamp"`
	// ID is a unique message identifier.
	ID string `json:"id,omitempty"`
}

// NewMessage creates a new message with the given type and payload.
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	return &Message{
		Type:      msgType,
		Payload:   payloadBytes,
		Timestamp: time.Now().UTC(),
		ID:        uuid.New().String(),
	}, nil
}

// MustMessage is NewMessage for payloads that cannot fail to marshal.
// It panics on error and is intended for static payload structs.
func MustMessage(msgType MessageType, payload interface{}) *Message {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %s payload: %v", msgType, err))
	}
	return msg
}

// Bytes serializes the message to JSON bytes.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage deserializes a message from JSON bytes. Only the envelope is
// validated here; payloads are checked by Decode.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if msg.Type == "" {
		return nil, errors.New("message missing type")
	}
	return &msg, nil
}

// Validator is implemented by payloads with required fields.
type Validator interface {
	Validate() error
}

// Decode unmarshals the message payload into p and validates required fields.
func Decode(m *Message, p Validator) error {
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, p); err != nil {
			return fmt.Errorf("malformed %s payload: %w", m.Type, err)
		}
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid %s payload: %w", m.Type, err)
	}
	return nil
}

// RegisterPayload is the first message a connection must send.
type RegisterPayload struct {
	// UserSession identifies the human or process session behind the connection.
	UserSession string `json:"user_session"`
	// Capabilities is the set of capability flags the connection requests.
	Capabilities map[string]bool `json:"capabilities"`
	// SystemInfo describes the connecting host.
	SystemInfo *SystemInfo `json:"system_info,omitempty"`
	// Token authorizes privileged capabilities (management, hot_reload).
	Token string `json:"token,omitempty"`
}

// Validate checks required registration fields.
func (p *RegisterPayload) Validate() error {
	if p.UserSession == "" {
		return errors.New("user_session is required")
	}
	if p.Capabilities == nil {
		return errors.New("capabilities is required")
	}
	return nil
}

// CapabilitySet returns the names of the enabled capabilities.
func (p *RegisterPayload) CapabilitySet() []string {
	caps := make([]string, 0, len(p.Capabilities))
	for name, enabled := range p.Capabilities {
		if enabled {
			caps = append(caps, name)
		}
	}
	return caps
}

// SystemInfo describes a connecting host.
type SystemInfo struct {
	Hostname string `json:"hostname,omitempty"`
	Platform string `json:"platform,omitempty"`
	Arch     string `json:"arch,omitempty"`
	CPUs     int    `json:"cpus,omitempty"`
	Version  string `json:"version,omitempty"`
}

// WelcomePayload is the broker's reply to a successful registration.
type WelcomePayload struct {
	ClientID   string    `json:"client_id"`
	ServerTime time.Time `json:"server_time"`
	// AvailableCommands lists the names in the current command catalogue.
	AvailableCommands []string `json:"available_commands"`
	// Commands carries the full catalogue so agents can build their
	// executor tables without a second round trip.
	Commands []CommandSpec `json:"commands,omitempty"`
	// HeartbeatInterval tells the client how often to send heartbeats, in seconds.
	HeartbeatInterval int `json:"heartbeat_interval,omitempty"`
}

// Validate checks required welcome fields.
func (p *WelcomePayload) Validate() error {
	if p.ClientID == "" {
		return errors.New("client_id is required")
	}
	if p.ServerTime.IsZero() {
		return errors.New("server_time is required")
	}
	return nil
}

// RequestPayload asks the broker to answer a named request synchronously.
type RequestPayload struct {
	Command string `json:"command"`
	// Params carries request arguments, e.g. a history limit.
	Params map[string]interface{} `json:"params,omitempty"`
}

// Validate checks required request fields.
func (p *RequestPayload) Validate() error {
	if p.Command == "" {
		return errors.New("command is required")
	}
	return nil
}

// ClientInfo is one entry in a client_list reply.
type ClientInfo struct {
	ClientID        string    `json:"client_id"`
	UserSession     string    `json:"user_session"`
	Hostname        string    `json:"hostname,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	Capabilities    []string  `json:"capabilities"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	PendingCommands int       `json:"pending_commands"`
}

// ClientListPayload is the reply to a list_clients request.
type ClientListPayload struct {
	Clients []ClientInfo `json:"clients"`
}

// Validate implements Validator; a client list has no required fields.
func (p *ClientListPayload) Validate() error { return nil }

// StatsPayload is the reply to a get_stats request.
type StatsPayload struct {
	UptimeSeconds       int64            `json:"uptime_seconds"`
	ConnectedClients    int              `json:"connected_clients"`
	ClientsByCapability map[string]int   `json:"clients_by_capability,omitempty"`
	PendingCommands     int              `json:"pending_commands"`
	ForwardedTotal      int64            `json:"forwarded_total"`
	OutcomesByStatus    map[string]int64 `json:"outcomes_by_status,omitempty"`
	AvailableCommands   int              `json:"available_commands"`
	PluginReloads       int64            `json:"plugin_reloads"`
	HeartbeatEvictions  int64            `json:"heartbeat_evictions"`
}

// Validate implements Validator; stats have no required fields.
func (p *StatsPayload) Validate() error { return nil }

// HistoryEntry is one recorded command outcome in a history reply.
type HistoryEntry struct {
	CommandID    string     `json:"command_id"`
	Name         string     `json:"name"`
	TargetClient string     `json:"target_client"`
	Requester    string     `json:"requester,omitempty"`
	Priority     int        `json:"priority"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	DurationMs   int64      `json:"duration_ms"`
	ResultSize   int64      `json:"result_size,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// HistoryPayload is the reply to a history request.
type HistoryPayload struct {
	Entries []HistoryEntry `json:"entries"`
}

// Validate implements Validator; a history reply has no required fields.
func (p *HistoryPayload) Validate() error { return nil }

// CommandRequest is the inner command of a forward_command.
type CommandRequest struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// ForwardCommandPayload asks the broker to forward a command to an agent.
type ForwardCommandPayload struct {
	TargetClient string         `json:"target_client"`
	Command      CommandRequest `json:"command"`
	// Priority orders execution on the target; lower is more urgent.
	// Omitted means DefaultPriority.
	Priority *int `json:"priority,omitempty"`
}

// DefaultPriority is used when a forward_command carries no priority.
const DefaultPriority = 5

// Validate checks required forward_command fields.
func (p *ForwardCommandPayload) Validate() error {
	if p.TargetClient == "" {
		return errors.New("target_client is required")
	}
	if p.Command.Command == "" {
		return errors.New("command.command is required")
	}
	return nil
}

// EffectivePriority resolves the optional priority against the default.
func (p *ForwardCommandPayload) EffectivePriority() int {
	if p.Priority == nil {
		return DefaultPriority
	}
	return *p.Priority
}

// ForwardAckPayload confirms a forward to the requester.
type ForwardAckPayload struct {
	CommandID    string `json:"command_id"`
	TargetClient string `json:"target_client"`
	Status       string `json:"status"`
}

// Validate checks required forward_ack fields.
func (p *ForwardAckPayload) Validate() error {
	if p.CommandID == "" {
		return errors.New("command_id is required")
	}
	if p.Status == "" {
		return errors.New("status is required")
	}
	return nil
}

// ForwardErrorPayload reports a failed forward to the requester only.
type ForwardErrorPayload struct {
	Error        string `json:"error"`
	Code         string `json:"code,omitempty"`
	TargetClient string `json:"target_client,omitempty"`
}

// Validate checks required forward_error fields.
func (p *ForwardErrorPayload) Validate() error {
	if p.Error == "" {
		return errors.New("error is required")
	}
	return nil
}

// CommandPayload is the wrapped command the broker sends to the target agent.
type CommandPayload struct {
	CommandID string                 `json:"command_id"`
	Command   string                 `json:"command"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Priority  int                    `json:"priority"`
}

// Validate checks required command fields.
func (p *CommandPayload) Validate() error {
	if p.CommandID == "" {
		return errors.New("command_id is required")
	}
	if p.Command == "" {
		return errors.New("command is required")
	}
	return nil
}

// CommandAckPayload is the agent's immediate acknowledgment that a command
// entered its queue.
type CommandAckPayload struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
}

// Validate checks required command_ack fields.
func (p *CommandAckPayload) Validate() error {
	if p.CommandID == "" {
		return errors.New("command_id is required")
	}
	if p.Status == "" {
		return errors.New("status is required")
	}
	return nil
}

// CommandResultPayload carries a successful command outcome. The broker
// relays it to every management-capable connection, filling TargetClient.
type CommandResultPayload struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result"`
	// DurationMs is the wall-clock execution time in milliseconds.
	DurationMs int64 `json:"duration"`
	// TargetClient is set by the broker on relay.
	TargetClient string `json:"target_client,omitempty"`
	// Artifact replaces an oversized inline result when offload is enabled.
	Artifact *ArtifactRef `json:"artifact,omitempty"`
}

// Validate checks required command_result fields.
func (p *CommandResultPayload) Validate() error {
	if p.CommandID == "" {
		return errors.New("command_id is required")
	}
	return nil
}

// CommandErrorPayload carries a failed command outcome.
type CommandErrorPayload struct {
	CommandID string `json:"command_id"`
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	// TargetClient is set by the broker on relay.
	TargetClient string `json:"target_client,omitempty"`
}

// Validate checks required command_error fields.
func (p *CommandErrorPayload) Validate() error {
	if p.CommandID == "" {
		return errors.New("command_id is required")
	}
	if p.Error == "" {
		return errors.New("error is required")
	}
	return nil
}

// ArtifactRef points at a result payload offloaded to object storage.
type ArtifactRef struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	ContentType string    `json:"content_type,omitempty"`
	URL         string    `json:"url,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// PluginsReloadedPayload broadcasts the catalogue after a reload.
type PluginsReloadedPayload struct {
	AvailableCommands []string      `json:"available_commands"`
	Commands          []CommandSpec `json:"commands,omitempty"`
	// LoadErrors lists the manifests that failed to load, one "file: reason"
	// entry each. Failures never block the rest of the catalogue.
	LoadErrors []string `json:"load_errors,omitempty"`
}

// Validate implements Validator; an empty catalogue is a valid reload outcome.
func (p *PluginsReloadedPayload) Validate() error { return nil }

// ErrorPayload reports a protocol violation or request failure.
type ErrorPayload struct {
	// Code is the machine-readable error code.
	Code string `json:"code,omitempty"`
	// Message is a human-readable error message.
	Message string `json:"message"`
}

// Validate checks required error fields.
func (p *ErrorPayload) Validate() error {
	if p.Message == "" {
		return errors.New("message is required")
	}
	return nil
}
