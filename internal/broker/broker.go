// Package broker implements the central command-and-control fabric: the
// WebSocket endpoint clients register against, the router that forwards
// commands to agents and relays their outcomes to management clients, and
// the heartbeat monitor that evicts silent connections.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/switchboard/switchboard/internal/artifact"
	"github.com/switchboard/switchboard/internal/config"
	"github.com/switchboard/switchboard/internal/history"
	"github.com/switchboard/switchboard/internal/plugin"
	"github.com/switchboard/switchboard/internal/protocol"
	"github.com/switchboard/switchboard/pkg/health"
	"github.com/switchboard/switchboard/pkg/log"
	"github.com/switchboard/switchboard/pkg/metrics"
	"github.com/switchboard/switchboard/pkg/tracing"
)

// Options carries the optional services the broker composes. Nil fields
// disable the corresponding feature.
type Options struct {
	// Metrics is the Prometheus registry wrapper; a private one is created
	// when nil so tests never share collectors.
	Metrics *metrics.Metrics
	// Journal records terminal command outcomes when set.
	Journal *history.Journal
	// Offloader moves oversized results to object storage when set.
	Offloader *artifact.Offloader
	// Store is the artifact store behind the offloader, used for readiness.
	Store *artifact.Store
}

// Broker composes the connection handler, command router, heartbeat monitor,
// and plugin catalogue behind one WebSocket listener.
type Broker struct {
	cfg     *config.Config
	logger  log.Logger
	metrics *metrics.BrokerMetrics

	registry *Registry
	router   *Router
	monitor  *Monitor
	plugins  *plugin.Registry
	journal  *history.Journal
	auth     *TokenValidator

	upgrader       websocket.Upgrader
	metricsHandler *metrics.Metrics
	checks         []health.Check

	registerWindow time.Duration

	running       atomic.Bool
	startedAt     time.Time
	pluginReloads atomic.Int64
}

// New assembles a broker from its configuration and services. The plugin
// registry is required; logger defaults to a no-op.
func New(cfg *config.Config, plugins *plugin.Registry, logger log.Logger, opts Options) *Broker {
	if logger == nil {
		logger = log.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewBrokerMetrics()
	}

	b := &Broker{
		cfg:            cfg,
		logger:         logger.With("component", "broker"),
		metrics:        opts.Metrics.Broker,
		registry:       NewRegistry(cfg.Fabric.MaxClients),
		plugins:        plugins,
		journal:        opts.Journal,
		auth:           NewTokenValidator(cfg.Auth.Secret),
		metricsHandler: opts.Metrics,
		registerWindow: cfg.Fabric.RegisterTimeout.Std(),
		startedAt:      time.Now().UTC(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin is not checked; privileged capabilities are gated by
			// signed tokens at registration, not by browser origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	b.router = newRouter(b.registry, opts.Journal, opts.Offloader, b.metrics, logger)
	b.monitor = NewMonitor(b.registry, cfg.Fabric.HeartbeatInterval.Std(), cfg.Fabric.HeartbeatTimeout.Std(), b.metrics, logger)

	// Report degraded once the fabric is within 10% of the connection cap.
	b.checks = append(b.checks, health.NewFabricCheck(b, health.WithMaxConnectionsThreshold(cfg.Fabric.MaxClients*9/10)))
	if opts.Journal != nil {
		b.checks = append(b.checks, health.NewPingCheck("history", opts.Journal.Ping))
	}
	if opts.Store != nil {
		b.checks = append(b.checks, health.NewPingCheck("artifact_store", opts.Store.HealthCheck))
	}

	return b
}

// Start begins background work: the heartbeat monitor sweep.
func (b *Broker) Start() {
	b.startedAt = time.Now().UTC()
	b.running.Store(true)
	b.monitor.Start()
	b.logger.Info().
		Int("max_clients", b.cfg.Fabric.MaxClients).
		Dur("heartbeat_timeout", b.cfg.Fabric.HeartbeatTimeout.Std()).
		Int("commands", b.plugins.Len()).
		Msg("broker started")
}

// Stop halts the monitor and closes every connection. Connection teardown
// completes asynchronously as the pump goroutines unwind. Safe to call more
// than once.
func (b *Broker) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	b.monitor.Stop()
	for _, client := range b.registry.List() {
		client.conn.Close("server_shutdown")
	}
	b.logger.Info().Msg("broker stopped")
}

// IsHealthy reports whether the broker has been started and not stopped.
func (b *Broker) IsHealthy() bool {
	return b.running.Load()
}

// ConnectionCount returns the number of registered clients.
func (b *Broker) ConnectionCount() int {
	return b.registry.Count()
}

// TokenValidator exposes the broker's token validator, used by operator
// tooling to mint capability tokens from the same shared secret.
func (b *Broker) TokenValidator() *TokenValidator {
	return b.auth
}

// handleRegister processes the first frame on a connection. Any failure is a
// registration error: the caller reports it and closes the connection.
func (b *Broker) handleRegister(c *Connection, data []byte) error {
	ctx, span := tracing.StartSpan(context.Background(), "broker.register")
	defer span.End()

	msg, err := protocol.ParseMessage(data)
	if err != nil {
		b.metrics.RecordRegistration("malformed")
		return fmt.Errorf("%w: %v", protocol.ErrRegistrationFailed, err)
	}
	if msg.Type != protocol.MessageTypeRegister {
		b.metrics.RecordRegistration("malformed")
		return fmt.Errorf("%w: first message must be register, got %s", protocol.ErrRegistrationFailed, msg.Type)
	}

	var reg protocol.RegisterPayload
	if err := protocol.Decode(msg, &reg); err != nil {
		b.metrics.RecordRegistration("malformed")
		return fmt.Errorf("%w: %v", protocol.ErrRegistrationFailed, err)
	}

	token := reg.Token
	if token == "" {
		token = c.bearerToken
	}
	granted, claims, err := b.auth.AuthorizeCapabilities(reg.CapabilitySet(), token, b.cfg.Auth.RequireAgentToken)
	if err != nil {
		b.metrics.RecordAuthFailure()
		b.metrics.RecordRegistration("auth_failed")
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: %v", protocol.ErrRegistrationFailed, err)
	}

	subject := ""
	if claims != nil {
		subject = claims.Subject
	}
	client := newClient(c, &reg, granted, subject)
	if err := b.registry.Add(client); err != nil {
		b.metrics.RecordRegistration("server_full")
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: %v", protocol.ErrRegistrationFailed, err)
	}
	c.setClient(client)

	welcome := &protocol.WelcomePayload{
		ClientID:          client.ID,
		ServerTime:        time.Now().UTC(),
		AvailableCommands: b.plugins.CommandNames(),
		Commands:          b.plugins.Commands(),
		HeartbeatInterval: int(b.cfg.Fabric.HeartbeatInterval.Std().Seconds()),
	}
	c.SendMessage(protocol.MustMessage(protocol.MessageTypeWelcome, welcome))

	b.metrics.RecordMessage("in", string(protocol.MessageTypeRegister))
	b.metrics.RecordRegistration("success")
	b.refreshClientGauges()
	tracing.AddSpanAttributes(ctx, tracing.AttrClientID.String(client.ID))

	b.logger.Info().
		Str("client_id", client.ID).
		Str("user_session", client.UserSession).
		Str("remote_addr", c.RemoteAddr()).
		Any("capabilities", granted).
		Msg("client registered")
	return nil
}

// handleMessage dispatches one post-registration frame.
func (b *Broker) handleMessage(c *Connection, data []byte) {
	client := c.Client()
	if client == nil {
		return
	}

	msg, err := protocol.ParseMessage(data)
	if err != nil {
		b.metrics.RecordMessage("in", "malformed")
		c.SendError(protocol.ErrorCodeProtocol, err.Error())
		return
	}
	b.metrics.RecordMessage("in", string(msg.Type))

	switch msg.Type {
	case protocol.MessageTypeHeartbeat:
		b.handleHeartbeat(c, client)
	case protocol.MessageTypeRequest:
		b.handleRequest(c, client, msg)
	case protocol.MessageTypeForwardCommand:
		b.handleForwardCommand(c, client, msg)
	case protocol.MessageTypeCommandAck:
		b.handleCommandAck(c, client, msg)
	case protocol.MessageTypeCommandResult:
		b.handleCommandResult(c, client, msg)
	case protocol.MessageTypeCommandError:
		b.handleCommandError(c, client, msg)
	default:
		c.SendError(protocol.ErrorCodeProtocol, fmt.Sprintf("unsupported message type: %s", msg.Type))
	}
}

func (b *Broker) handleHeartbeat(c *Connection, client *Client) {
	client.Touch(time.Now().UTC())
	c.SendMessage(protocol.MustMessage(protocol.MessageTypeHeartbeatAck, nil))
}

func (b *Broker) handleForwardCommand(c *Connection, client *Client, msg *protocol.Message) {
	var payload protocol.ForwardCommandPayload
	if err := protocol.Decode(msg, &payload); err != nil {
		c.SendError(protocol.ErrorCodeProtocol, err.Error())
		return
	}

	if !client.IsManagement() {
		b.metrics.RecordAuthFailure()
		c.SendMessage(protocol.MustMessage(protocol.MessageTypeForwardError, &protocol.ForwardErrorPayload{
			Error:        "forward_command requires the management capability",
			Code:         protocol.ErrorCodeUnauthorized,
			TargetClient: payload.TargetClient,
		}))
		return
	}

	fwd, err := b.router.Reserve(client, &payload)
	if err != nil {
		c.SendMessage(protocol.MustMessage(protocol.MessageTypeForwardError, &protocol.ForwardErrorPayload{
			Error:        err.Error(),
			Code:         protocol.CodeForError(err),
			TargetClient: payload.TargetClient,
		}))
		return
	}

	// The ack goes onto the requester's send queue before the command can
	// reach the target, so a fast agent's result can never overtake it.
	c.SendMessage(protocol.MustMessage(protocol.MessageTypeForwardAck, fwd.Ack()))
	b.router.Dispatch(fwd)
}

func (b *Broker) handleCommandAck(c *Connection, client *Client, msg *protocol.Message) {
	var payload protocol.CommandAckPayload
	if err := protocol.Decode(msg, &payload); err != nil {
		c.SendError(protocol.ErrorCodeProtocol, err.Error())
		return
	}
	b.router.HandleAck(client, &payload)
}

func (b *Broker) handleCommandResult(c *Connection, client *Client, msg *protocol.Message) {
	var payload protocol.CommandResultPayload
	if err := protocol.Decode(msg, &payload); err != nil {
		c.SendError(protocol.ErrorCodeProtocol, err.Error())
		return
	}
	b.router.HandleResult(client, &payload)
}

func (b *Broker) handleCommandError(c *Connection, client *Client, msg *protocol.Message) {
	var payload protocol.CommandErrorPayload
	if err := protocol.Decode(msg, &payload); err != nil {
		c.SendError(protocol.ErrorCodeProtocol, err.Error())
		return
	}
	b.router.HandleError(client, &payload)
}

// ReloadPlugins rebuilds the command catalogue and broadcasts the new set to
// every connection, with any per-manifest failures riding along in the
// broadcast. Only a directory-level failure aborts the reload. trigger names
// what asked for the reload (request, watcher).
func (b *Broker) ReloadPlugins(trigger string) (*plugin.ReloadResult, error) {
	result, err := b.plugins.Reload()
	if err != nil {
		b.metrics.RecordPluginReload("error", 0)
		b.logger.Error().Err(err).Str("trigger", trigger).Msg("plugin reload failed")
		return nil, err
	}

	b.pluginReloads.Add(1)
	b.metrics.RecordPluginReload("success", len(result.Commands))
	for range result.Errors {
		b.metrics.RecordPluginLoadError()
	}

	b.broadcastAll(protocol.MustMessage(protocol.MessageTypePluginsReloaded, &protocol.PluginsReloadedPayload{
		AvailableCommands: result.Commands,
		Commands:          b.plugins.Commands(),
		LoadErrors:        result.Errors,
	}))
	b.logger.Debug().Str("trigger", trigger).Int("commands", len(result.Commands)).Msg("plugin catalogue broadcast")
	return result, nil
}

// BroadcastConfigUpdate pushes a secret-redacted view of the configuration to
// every connection, typically after the config file changed on disk.
func (b *Broker) BroadcastConfigUpdate(cfg *config.Config) {
	msg, err := protocol.NewMessage(protocol.MessageTypeConfigUpdate, cfg.Redacted())
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to encode config update")
		return
	}
	b.broadcastAll(msg)
	b.logger.Info().Msg("configuration update broadcast")
}

// broadcastAll sends one message to every registered client. Clients whose
// send buffer is full are dropped rather than allowed to block the fabric.
func (b *Broker) broadcastAll(msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		b.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("failed to encode broadcast")
		return
	}
	for _, client := range b.registry.List() {
		if !client.conn.Send(data) {
			b.metrics.RecordDroppedClient()
			client.conn.Close("slow_client")
			continue
		}
		b.metrics.RecordMessage("out", string(msg.Type))
	}
	b.metrics.RecordBroadcast(string(msg.Type))
}

// dropConnection tears down a connection when its read pump exits: the client
// leaves the registry and its pending commands are marked lost.
func (b *Broker) dropConnection(c *Connection) {
	c.Close("connection_closed")
	reason := c.CloseReason()

	client := c.Client()
	if client == nil {
		b.metrics.RecordDisconnect(reason)
		b.logger.Debug().Str("connection_id", c.id).Str("reason", reason).Msg("connection dropped before registration")
		return
	}

	if _, ok := b.registry.Remove(client.ID); !ok {
		return
	}
	b.router.MarkLost(client)
	b.refreshClientGauges()
	b.metrics.RecordDisconnect(reason)
	b.logger.Info().
		Str("client_id", client.ID).
		Str("reason", reason).
		Msg("client disconnected")
}

// refreshClientGauges resets the connected-clients gauge for every client type.
func (b *Broker) refreshClientGauges() {
	for clientType, count := range b.registry.CountByType() {
		b.metrics.SetConnectedClients(clientType, float64(count))
	}
}
