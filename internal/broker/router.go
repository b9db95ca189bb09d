package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard/switchboard/internal/artifact"
	"github.com/switchboard/switchboard/internal/history"
	"github.com/switchboard/switchboard/internal/protocol"
	"github.com/switchboard/switchboard/pkg/log"
	"github.com/switchboard/switchboard/pkg/metrics"
	"github.com/switchboard/switchboard/pkg/tracing"
)

// Router owns the forward path and the completion relay: it assigns
// correlation ids, tracks commands in their target's pending map, and fans
// terminal outcomes out to every management-capable connection.
type Router struct {
	registry  *Registry
	journal   *history.Journal
	offloader *artifact.Offloader
	metrics   *metrics.BrokerMetrics
	logger    log.Logger

	forwarded atomic.Int64

	mu       sync.Mutex
	outcomes map[string]int64
}

func newRouter(registry *Registry, journal *history.Journal, offloader *artifact.Offloader, m *metrics.BrokerMetrics, logger log.Logger) *Router {
	return &Router{
		registry:  registry,
		journal:   journal,
		offloader: offloader,
		metrics:   m,
		logger:    logger.With("component", "router"),
		outcomes:  make(map[string]int64),
	}
}

// forwardedCommand is a command parked between Reserve and Dispatch: it has
// its correlation id and sits in the target's pending map, but nothing has
// gone out to the target yet.
type forwardedCommand struct {
	cmd    *PendingCommand
	target *Client
	frame  *protocol.Message
	ack    *protocol.ForwardAckPayload
}

// Ack returns the forward_ack for the requester.
func (f *forwardedCommand) Ack() *protocol.ForwardAckPayload {
	return f.ack
}

// Reserve allocates a correlation id for a forward and parks the command in
// the target's pending map without sending anything. A missing target is
// reported to the requester only, never broadcast. The caller must queue the
// ack on the requester before calling Dispatch: once the command reaches the
// target, its outcome can land on the requester's send queue at any moment,
// and the ack has to already be ahead of it.
func (r *Router) Reserve(requester *Client, p *protocol.ForwardCommandPayload) (*forwardedCommand, error) {
	target, ok := r.registry.Get(p.TargetClient)
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrTargetNotFound, p.TargetClient)
	}

	cmd := &PendingCommand{
		ID:        uuid.New().String(),
		Name:      p.Command.Command,
		Requester: requester.ID,
		Priority:  p.EffectivePriority(),
		Status:    protocol.CommandStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	target.AddPending(cmd)

	return &forwardedCommand{
		cmd:    cmd,
		target: target,
		frame: protocol.MustMessage(protocol.MessageTypeCommand, &protocol.CommandPayload{
			CommandID: cmd.ID,
			Command:   cmd.Name,
			Params:    p.Command.Params,
			Priority:  cmd.Priority,
		}),
		ack: &protocol.ForwardAckPayload{
			CommandID:    cmd.ID,
			TargetClient: target.ID,
			Status:       "sent",
		},
	}, nil
}

// Dispatch sends a reserved command to its target. The requester was already
// acked, so a target whose send queue is full cannot fail the forward
// anymore: the command finishes as cancelled and the outcome is broadcast
// like any other, behind the ack.
func (r *Router) Dispatch(f *forwardedCommand) {
	cmd, target := f.cmd, f.target

	ctx, span := tracing.StartSpan(context.Background(), "broker.forward")
	defer span.End()
	tracing.AddSpanAttributes(ctx,
		tracing.AttrCommandID.String(cmd.ID),
		tracing.AttrCommandName.String(cmd.Name),
		tracing.AttrTargetID.String(target.ID),
		tracing.AttrClientID.String(cmd.Requester),
	)

	if !target.Send(f.frame) {
		target.TakePending(cmd.ID)
		r.metrics.RecordDroppedClient()
		target.conn.Close("slow_client")
		err := fmt.Errorf("target %s send queue is full", target.ID)
		tracing.RecordError(ctx, err)

		errPayload := &protocol.CommandErrorPayload{
			CommandID:    cmd.ID,
			Error:        "target dropped before delivery: send queue full",
			TargetClient: target.ID,
		}
		r.finish(cmd, target.ID, protocol.CommandStatusCancelled, errPayload.Error, 0, 0, time.Now().UTC())
		r.broadcastOutcome(protocol.MustMessage(protocol.MessageTypeCommandError, errPayload))
		return
	}

	r.forwarded.Add(1)
	r.metrics.RecordCommandStart()
	r.logger.Info().
		Str("command_id", cmd.ID).
		Str("command", cmd.Name).
		Str("target_client", target.ID).
		Str("requester", cmd.Requester).
		Int("priority", cmd.Priority).
		Msg("command forwarded")
}

// HandleAck records the target's acknowledgment that a command entered its
// queue or started running. Acks for unknown or already-terminal commands are
// dropped.
func (r *Router) HandleAck(agent *Client, p *protocol.CommandAckPayload) {
	status := protocol.CommandStatus(p.Status)
	if status != protocol.CommandStatusQueued && status != protocol.CommandStatusRunning {
		r.logger.Debug().Str("command_id", p.CommandID).Str("status", p.Status).Msg("ignoring ack with unexpected status")
		return
	}
	if !agent.AdvancePending(p.CommandID, status) {
		r.logger.Debug().Str("command_id", p.CommandID).Str("client_id", agent.ID).Msg("ack for unknown command, dropping")
	}
}

// HandleResult finishes a command successfully and broadcasts the outcome.
// Results referencing an unknown command id are logged and dropped; nothing
// is surfaced to any client.
func (r *Router) HandleResult(agent *Client, p *protocol.CommandResultPayload) {
	cmd, ok := agent.TakePending(p.CommandID)
	if !ok {
		r.logger.Warn().Str("command_id", p.CommandID).Str("client_id", agent.ID).Msg("result for unknown command, dropping")
		return
	}

	ctx, span := tracing.StartSpan(context.Background(), "broker.relay")
	defer span.End()
	tracing.AddSpanAttributes(ctx,
		tracing.AttrCommandID.String(cmd.ID),
		tracing.AttrCommandName.String(cmd.Name),
		tracing.AttrTargetID.String(agent.ID),
	)

	completedAt := time.Now().UTC()
	resultSize := len(p.Result)
	if r.offloader != nil {
		inline, ref := r.offloader.MaybeOffload(ctx, cmd.ID, p.Result)
		p.Result = inline
		p.Artifact = ref
		if ref != nil {
			resultSize = int(ref.Size)
		}
	}
	p.TargetClient = agent.ID

	r.finish(cmd, agent.ID, protocol.CommandStatusCompleted, "", p.DurationMs, resultSize, completedAt)
	r.broadcastOutcome(protocol.MustMessage(protocol.MessageTypeCommandResult, p))
}

// HandleError finishes a command as failed and broadcasts the outcome.
func (r *Router) HandleError(agent *Client, p *protocol.CommandErrorPayload) {
	cmd, ok := agent.TakePending(p.CommandID)
	if !ok {
		r.logger.Warn().Str("command_id", p.CommandID).Str("client_id", agent.ID).Msg("error for unknown command, dropping")
		return
	}

	p.TargetClient = agent.ID
	r.finish(cmd, agent.ID, protocol.CommandStatusFailed, p.Error, 0, 0, time.Now().UTC())
	r.broadcastOutcome(protocol.MustMessage(protocol.MessageTypeCommandError, p))
}

// MarkLost cancels every command still pending on a disconnecting client.
func (r *Router) MarkLost(client *Client) {
	cmds := client.DrainPending()
	if len(cmds) == 0 {
		return
	}
	now := time.Now().UTC()
	for _, cmd := range cmds {
		r.finish(cmd, client.ID, protocol.CommandStatusCancelled, "target disconnected before completion", 0, 0, now)
	}
	r.logger.Warn().Str("client_id", client.ID).Int("commands", len(cmds)).Msg("pending commands lost to disconnect")
}

// finish applies a terminal status: journal row, metrics, and outcome counts.
func (r *Router) finish(cmd *PendingCommand, targetID string, status protocol.CommandStatus, errText string, durationMs int64, resultSize int, completedAt time.Time) {
	if r.journal != nil {
		r.journal.Record(history.Entry{
			CommandID:    cmd.ID,
			Command:      cmd.Name,
			TargetClient: targetID,
			Requester:    cmd.Requester,
			Priority:     cmd.Priority,
			Status:       string(status),
			Error:        errText,
			DurationMs:   durationMs,
			ResultSize:   resultSize,
			CreatedAt:    cmd.CreatedAt,
			CompletedAt:  completedAt,
		})
	}

	r.mu.Lock()
	r.outcomes[string(status)]++
	r.mu.Unlock()

	r.metrics.RecordCommandComplete(cmd.Name, string(status), float64(durationMs)/1000)
	r.logger.Info().
		Str("command_id", cmd.ID).
		Str("command", cmd.Name).
		Str("status", string(status)).
		Int64("duration_ms", durationMs).
		Msg("command finished")
}

// broadcastOutcome fans a terminal outcome out to every management-capable
// connection. Fan-out, not unicast: multiple observers may be watching the
// same agent.
func (r *Router) broadcastOutcome(msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		r.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("failed to encode outcome")
		return
	}
	for _, client := range r.registry.List() {
		if !client.IsManagement() {
			continue
		}
		if !client.conn.Send(data) {
			r.metrics.RecordDroppedClient()
			client.conn.Close("slow_client")
			continue
		}
		r.metrics.RecordMessage("out", string(msg.Type))
	}
	r.metrics.RecordBroadcast(string(msg.Type))
}

// ForwardedTotal returns the number of commands forwarded since start.
func (r *Router) ForwardedTotal() int64 {
	return r.forwarded.Load()
}

// Outcomes returns a copy of the terminal status counts.
func (r *Router) Outcomes() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.outcomes))
	for status, count := range r.outcomes {
		out[status] = count
	}
	return out
}
