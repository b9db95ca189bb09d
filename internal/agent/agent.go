// Package agent implements the Switchboard agent: a remote process that
// connects to the broker, registers its capabilities, and executes
// forwarded commands through a priority queue and bounded worker pool.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/switchboard/switchboard/internal/health"
	"github.com/switchboard/switchboard/internal/protocol"
	"github.com/switchboard/switchboard/pkg/log"
	"github.com/switchboard/switchboard/pkg/metrics"
)

// Version is the agent software version, reported at registration.
const Version = "0.1.0"

const (
	// welcomeTimeout bounds the wait for the broker's welcome after
	// sending register.
	welcomeTimeout = 10 * time.Second
	// readTimeoutMultiplier scales the heartbeat interval into a read
	// deadline. The broker acks every heartbeat, so a silent connection
	// this long is dead.
	readTimeoutMultiplier = 3
)

// Agent is the main agent process. It maintains the broker connection with
// reconnection backoff and owns the executor, sampler, and evaluator.
type Agent struct {
	config    *Config
	logger    log.Logger
	client    *Client
	executor  *Executor
	sampler   *health.Sampler
	evaluator *health.Evaluator
	metrics   *metrics.Metrics

	// heartbeatInterval starts from config and is overridden by the
	// welcome value. Written before each connection's heartbeat loop
	// starts, never during.
	heartbeatInterval time.Duration

	// lastHeartbeatSent is the UnixNano of the most recent heartbeat,
	// used to derive round-trip latency from heartbeat_ack.
	lastHeartbeatSent atomic.Int64

	shuttingDown atomic.Bool
	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// New creates a new Agent instance.
func New(cfg *Config, logger log.Logger, m *metrics.Metrics) (*Agent, error) {
	if m == nil || m.Agent == nil {
		return nil, errors.New("agent metrics are required")
	}

	sampler := health.NewSampler(cfg.SampleInterval, *logger.Underlying())

	thresholds := health.DefaultThresholds()
	thresholds.CPUWarning = cfg.CPUWarning
	thresholds.CPUCritical = cfg.CPUCritical
	thresholds.MemoryWarning = cfg.MemoryWarning
	thresholds.MemoryCritical = cfg.MemoryCritical
	thresholds.HeartbeatInterval = cfg.HeartbeatInterval
	thresholds.HeartbeatTimeout = 2 * cfg.HeartbeatInterval

	evaluator := health.NewEvaluator(sampler, thresholds, *logger.Underlying())

	client := NewClient(cfg, logger)
	handlers := newHandlerSet(cfg, evaluator)
	executor := NewExecutor(cfg, client, handlers.Map(), sampler, m.Agent, logger)

	a := &Agent{
		config:            cfg,
		logger:            logger,
		client:            client,
		executor:          executor,
		sampler:           sampler,
		evaluator:         evaluator,
		metrics:           m,
		heartbeatInterval: cfg.HeartbeatInterval,
		shutdownChan:      make(chan struct{}),
	}

	evaluator.OnChange(func(old, new health.Status, snap health.Snapshot) {
		m.Agent.SetHealthState(string(new))
		a.logger.Info().
			Str("from", string(old)).
			Str("to", string(new)).
			Float64("cpu", snap.CPU.Value).
			Float64("memory", snap.Memory.Value).
			Msg("Health state changed")
	})

	sampler.OnSample(func() {
		snap := evaluator.Snapshot()
		m.Agent.SetCPUUsage(snap.CPU.Value)
		m.Agent.SetMemoryUsage(snap.Memory.Value)
	})

	return a, nil
}

// Run connects to the broker and processes commands until the context is
// cancelled or Stop is called.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info().
		Str("user_session", a.config.UserSession).
		Str("broker_url", a.config.BrokerURL).
		Str("version", Version).
		Msg("Starting agent")

	a.sampler.Start()
	a.executor.Start()
	a.metrics.Agent.SetHealthState(string(health.StatusHealthy))

	return a.connectionLoop(ctx)
}

// Stop gracefully shuts down the agent: no new commands are accepted,
// executing commands drain within the context's deadline, and the
// connection closes.
func (a *Agent) Stop(ctx context.Context) error {
	a.logger.Info().Msg("Stopping agent")
	a.shuttingDown.Store(true)
	close(a.shutdownChan)

	a.executor.Stop(ctx)

	if err := a.client.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Error closing connection")
	}

	a.sampler.Stop()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info().Msg("Agent stopped")
	case <-ctx.Done():
		a.logger.Warn().Msg("Shutdown timeout, forcing exit")
	}

	return nil
}

// connectionLoop maintains the broker connection, re-registering from
// scratch after every loss. Work queued on a dead connection is dropped.
func (a *Agent) connectionLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.shutdownChan:
			return nil
		default:
		}

		if err := a.client.Connect(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Failed to connect to broker")
			a.waitForReconnect(ctx)
			continue
		}

		welcome, err := a.register()
		if err != nil {
			a.logger.Error().Err(err).Msg("Failed to register with broker")
			_ = a.client.Close()
			a.waitForReconnect(ctx)
			continue
		}

		a.client.ResetReconnectInterval()
		a.metrics.Agent.SetConnected()

		connLogger := a.logger.With("client_id", welcome.ClientID)
		connLogger.Info().
			Int("commands", len(welcome.Commands)).
			Dur("heartbeat_interval", a.heartbeatInterval).
			Msg("Registered with broker")

		if err := a.messageLoop(ctx, connLogger); err != nil {
			if !errors.Is(err, context.Canceled) && !a.shuttingDown.Load() {
				connLogger.Error().Err(err).Msg("Connection lost")
			}
		}

		a.metrics.Agent.SetDisconnected()
		a.executor.DropQueued()

		if a.shuttingDown.Load() {
			return nil
		}

		a.waitForReconnect(ctx)
	}
}

// register sends the registration message and waits for the welcome. The
// returned payload's catalogue is installed into the executor before any
// command can arrive.
func (a *Agent) register() (*protocol.WelcomePayload, error) {
	hostname, _ := os.Hostname()

	reg := protocol.RegisterPayload{
		UserSession: a.config.UserSession,
		Capabilities: map[string]bool{
			"control":     true,
			"system_info": true,
		},
		SystemInfo: &protocol.SystemInfo{
			Hostname: hostname,
			Platform: runtime.GOOS,
			Arch:     runtime.GOARCH,
			CPUs:     runtime.NumCPU(),
			Version:  Version,
		},
		Token: a.config.Token,
	}

	if err := a.client.Send(protocol.MustMessage(protocol.MessageTypeRegister, reg)); err != nil {
		return nil, fmt.Errorf("failed to send register: %w", err)
	}

	_ = a.client.SetReadDeadline(time.Now().Add(welcomeTimeout))
	defer func() { _ = a.client.SetReadDeadline(time.Time{}) }()

	msg, err := a.client.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read welcome: %w", err)
	}

	switch msg.Type {
	case protocol.MessageTypeWelcome:
	case protocol.MessageTypeError:
		var ep protocol.ErrorPayload
		if derr := protocol.Decode(msg, &ep); derr == nil {
			return nil, fmt.Errorf("registration rejected: %s", ep.Message)
		}
		return nil, errors.New("registration rejected")
	default:
		return nil, fmt.Errorf("expected welcome, got %s", msg.Type)
	}

	var welcome protocol.WelcomePayload
	if err := protocol.Decode(msg, &welcome); err != nil {
		return nil, err
	}

	if welcome.HeartbeatInterval > 0 {
		a.heartbeatInterval = time.Duration(welcome.HeartbeatInterval) * time.Second
	}

	a.executor.SetCommands(welcome.Commands)

	return &welcome, nil
}

// messageLoop reads frames until the connection dies. Each connection gets
// its own heartbeat loop.
func (a *Agent) messageLoop(ctx context.Context, logger log.Logger) error {
	hbCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()

	a.wg.Add(1)
	go a.heartbeatLoop(hbCtx, logger)

	readTimeout := a.heartbeatInterval * readTimeoutMultiplier

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.shutdownChan:
			return nil
		default:
		}

		_ = a.client.SetReadDeadline(time.Now().Add(readTimeout))
		msg, err := a.client.Read()
		if err != nil {
			return fmt.Errorf("receive error: %w", err)
		}

		a.handleMessage(msg, logger)
	}
}

// handleMessage processes one inbound frame. Nothing here returns an
// error: a bad frame is logged and the connection stays up.
func (a *Agent) handleMessage(msg *protocol.Message, logger log.Logger) {
	switch msg.Type {
	case protocol.MessageTypeCommand:
		a.handleCommand(msg, logger)

	case protocol.MessageTypeHeartbeatAck:
		if sent := a.lastHeartbeatSent.Load(); sent > 0 {
			latency := time.Since(time.Unix(0, sent))
			a.sampler.ObserveHeartbeat(latency)
		}

	case protocol.MessageTypePluginsReloaded:
		var p protocol.PluginsReloadedPayload
		if err := protocol.Decode(msg, &p); err != nil {
			logger.Warn().Err(err).Msg("Malformed plugins_reloaded payload")
			return
		}
		a.executor.SetCommands(p.Commands)
		logger.Info().
			Int("commands", len(p.Commands)).
			Msg("Command catalogue reloaded")

	case protocol.MessageTypeConfigUpdate:
		logger.Debug().Msg("Broker configuration changed")

	case protocol.MessageTypeError:
		var p protocol.ErrorPayload
		if err := protocol.Decode(msg, &p); err != nil {
			logger.Warn().Msg("Received malformed error frame")
			return
		}
		logger.Warn().
			Str("code", p.Code).
			Str("message", p.Message).
			Msg("Broker reported an error")

	default:
		logger.Warn().
			Str("type", string(msg.Type)).
			Msg("Received unexpected message type")
	}
}

// handleCommand submits a forwarded command to the executor and reports
// rejections upstream.
func (a *Agent) handleCommand(msg *protocol.Message, logger log.Logger) {
	var cmd protocol.CommandPayload
	if err := protocol.Decode(msg, &cmd); err != nil {
		logger.Warn().Err(err).Msg("Malformed command payload")
		return
	}

	if err := a.executor.Submit(&cmd); err != nil {
		logger.Warn().
			Err(err).
			Str("command_id", cmd.CommandID).
			Str("command", cmd.Command).
			Msg("Rejected command")

		code := ""
		if errors.Is(err, protocol.ErrUnknownCommand) {
			code = protocol.ErrorCodeUnknownCommand
		}
		if serr := a.client.Send(protocol.MustMessage(protocol.MessageTypeCommandError, protocol.CommandErrorPayload{
			CommandID: cmd.CommandID,
			Error:     err.Error(),
			Code:      code,
		})); serr != nil {
			logger.Warn().Err(serr).Msg("Failed to send command rejection")
		}
	}
}

// heartbeatLoop sends heartbeats on the configured interval until its
// context ends. A send failure ends the loop; the read side notices the
// dead connection independently.
func (a *Agent) heartbeatLoop(ctx context.Context, logger log.Logger) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdownChan:
			return
		case <-ticker.C:
			a.lastHeartbeatSent.Store(time.Now().UnixNano())
			if err := a.client.Send(protocol.MustMessage(protocol.MessageTypeHeartbeat, nil)); err != nil {
				a.metrics.Agent.RecordHeartbeatFailure()
				logger.Error().Err(err).Msg("Failed to send heartbeat")
				return
			}
			a.metrics.Agent.RecordHeartbeat()
		}
	}
}

// waitForReconnect waits out the backoff before the next attempt.
func (a *Agent) waitForReconnect(ctx context.Context) {
	interval := a.client.NextReconnectInterval()
	a.metrics.Agent.RecordReconnect()
	a.logger.Info().Dur("interval", interval).Msg("Waiting before reconnect")

	select {
	case <-ctx.Done():
	case <-a.shutdownChan:
	case <-time.After(interval):
	}
}
