package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/switchboard/switchboard/internal/health"
	"github.com/switchboard/switchboard/internal/protocol"
	"github.com/switchboard/switchboard/pkg/log"
	"github.com/switchboard/switchboard/pkg/metrics"
	"github.com/switchboard/switchboard/pkg/tracing"
)

// resultSender delivers executor output upstream. Satisfied by *Client.
type resultSender interface {
	Send(msg *protocol.Message) error
}

// commandTable maps command names to their specs. Tables are immutable;
// SetCommands replaces the whole table.
type commandTable struct {
	specs map[string]protocol.CommandSpec
}

// Executor runs forwarded commands. A single dispatch loop drains the
// priority queue; blocking commands are handed to a bounded worker pool,
// everything else executes inline on the loop.
type Executor struct {
	cfg     *Config
	logger  log.Logger
	sender  resultSender
	sampler *health.Sampler
	metrics *metrics.AgentMetrics

	handlers map[string]HandlerFunc
	table    atomic.Pointer[commandTable]

	queue  *commandQueue
	poolCh chan *queuedCommand

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	wg             sync.WaitGroup
	draining       atomic.Bool
}

// NewExecutor creates an executor with the given handler implementations.
// The command table starts empty; SetCommands installs the catalogue from
// the broker's welcome.
func NewExecutor(cfg *Config, sender resultSender, handlers map[string]HandlerFunc, sampler *health.Sampler, m *metrics.AgentMetrics, logger log.Logger) *Executor {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Executor{
		cfg:            cfg,
		logger:         logger.With("component", "executor"),
		sender:         sender,
		sampler:        sampler,
		metrics:        m,
		handlers:       handlers,
		queue:          newCommandQueue(),
		poolCh:         make(chan *queuedCommand),
		dispatchCtx:    ctx,
		dispatchCancel: cancel,
	}
	e.table.Store(&commandTable{specs: map[string]protocol.CommandSpec{}})

	return e
}

// Start launches the dispatch loop and the blocking worker pool.
func (e *Executor) Start() {
	e.wg.Add(1)
	go e.dispatchLoop()

	for i := 0; i < e.cfg.PoolSize; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	e.logger.Info().
		Int("pool_size", e.cfg.PoolSize).
		Msg("Executor started")
}

// Stop drains the executor: no new submissions are accepted, commands
// already executing run to completion, and anything still queued is
// dropped. The context bounds the wait.
func (e *Executor) Stop(ctx context.Context) {
	e.draining.Store(true)
	e.dispatchCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info().Msg("Executor drained")
	case <-ctx.Done():
		e.logger.Warn().Msg("Executor drain deadline exceeded")
	}

	e.DropQueued()
}

// SetCommands replaces the command table with the given catalogue. Existing
// queued commands keep the spec they were submitted under.
func (e *Executor) SetCommands(specs []protocol.CommandSpec) {
	next := &commandTable{specs: make(map[string]protocol.CommandSpec, len(specs))}
	for _, spec := range specs {
		next.specs[spec.Name] = spec
	}
	e.table.Store(next)

	e.logger.Info().
		Int("commands", len(specs)).
		Msg("Command table updated")
}

// Submit acknowledges and enqueues a command. Unknown commands and
// submissions during drain return an error without entering the queue; the
// caller reports those upstream as command_error. The priority is used as
// received: the broker resolves an omitted priority to the default before
// forwarding, so zero here means most urgent, not unset.
func (e *Executor) Submit(cmd *protocol.CommandPayload) error {
	if e.draining.Load() {
		return errors.New("agent is draining")
	}

	item, err := e.resolve(cmd)
	if err != nil {
		return err
	}

	e.send(protocol.MustMessage(protocol.MessageTypeCommandAck, protocol.CommandAckPayload{
		CommandID: cmd.CommandID,
		Status:    string(protocol.CommandStatusQueued),
	}))

	e.queue.Push(item)
	e.metrics.SetQueueDepth(float64(e.queue.Len()))

	e.logger.Debug().
		Str("command_id", cmd.CommandID).
		Str("command", cmd.Command).
		Int("priority", cmd.Priority).
		Bool("blocking", item.blocking).
		Msg("Command queued")

	return nil
}

// DropQueued discards everything still waiting for dispatch. Called when
// the connection the commands arrived on is gone and their results could
// never be correlated.
func (e *Executor) DropQueued() {
	dropped := e.queue.Drain()
	e.metrics.SetQueueDepth(0)

	if len(dropped) > 0 {
		e.logger.Info().
			Int("count", len(dropped)).
			Msg("Dropped queued commands")
	}
}

// QueueDepth reports the number of commands awaiting dispatch.
func (e *Executor) QueueDepth() int {
	return e.queue.Len()
}

// resolve looks up the spec and handler for a command. Commands missing
// from the catalogue fall back to a built-in handler of the same name.
func (e *Executor) resolve(cmd *protocol.CommandPayload) (*queuedCommand, error) {
	table := e.table.Load()

	spec, ok := table.specs[cmd.Command]
	if !ok {
		spec = protocol.CommandSpec{Name: cmd.Command, Handler: cmd.Command}
	}

	handlerName := spec.Handler
	if handlerName == "" {
		handlerName = spec.Name
	}

	handler, ok := e.handlers[handlerName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownCommand, cmd.Command)
	}

	return &queuedCommand{
		cmd:        cmd,
		spec:       spec,
		handler:    handler,
		blocking:   spec.Blocking || blockingBuiltins[handlerName],
		enqueuedAt: time.Now(),
	}, nil
}

func (e *Executor) dispatchLoop() {
	defer e.wg.Done()

	for {
		item, ok := e.queue.Pop(e.dispatchCtx)
		if !ok {
			return
		}
		e.metrics.SetQueueDepth(float64(e.queue.Len()))

		if item.blocking {
			select {
			case e.poolCh <- item:
			case <-e.dispatchCtx.Done():
				e.logger.Debug().
					Str("command_id", item.cmd.CommandID).
					Msg("Dropped command mid-dispatch during shutdown")
				return
			}
			continue
		}

		e.execute(item)
	}
}

func (e *Executor) worker(id int) {
	defer e.wg.Done()

	logger := e.logger.With("worker_id", id)
	logger.Debug().Msg("Worker started")

	for {
		select {
		case item := <-e.poolCh:
			e.execute(item)
		case <-e.dispatchCtx.Done():
			return
		}
	}
}

// execute runs one command and sends its result or error upstream. The
// handler context carries the per-command timeout; cancelling the dispatch
// context never interrupts an execution already underway.
func (e *Executor) execute(item *queuedCommand) {
	timeout := e.cfg.CommandTimeout
	if item.spec.TimeoutSeconds > 0 {
		timeout = time.Duration(item.spec.TimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ctx = log.ContextWithCommandID(ctx, item.cmd.CommandID)
	ctx, span := tracing.StartSpan(ctx, "agent.command.execute",
		tracing.WithAttributes(
			tracing.AttrCommandID.String(item.cmd.CommandID),
			tracing.AttrCommandName.String(item.cmd.Command),
		),
	)
	defer span.End()

	params := mergeParams(item.spec.Params, item.cmd.Params)

	e.metrics.CommandsActive.Inc()
	defer e.metrics.CommandsActive.Dec()

	start := time.Now()
	result, err := item.handler(ctx, params)
	duration := time.Since(start)

	e.sampler.ObserveCommand(err == nil)

	if err != nil {
		tracing.RecordError(ctx, err)
		e.reportError(item, err, timeout, duration)
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		e.reportError(item, fmt.Errorf("failed to encode result: %w", err), timeout, duration)
		return
	}

	e.metrics.RecordCommandComplete(item.cmd.Command, "completed", duration.Seconds())
	e.logger.Info().
		Str("command_id", item.cmd.CommandID).
		Str("command", item.cmd.Command).
		Dur("duration", duration).
		Dur("queue_wait", start.Sub(item.enqueuedAt)).
		Msg("Command completed")

	e.send(protocol.MustMessage(protocol.MessageTypeCommandResult, protocol.CommandResultPayload{
		CommandID:  item.cmd.CommandID,
		Result:     raw,
		DurationMs: duration.Milliseconds(),
	}))
}

func (e *Executor) reportError(item *queuedCommand, err error, timeout time.Duration, duration time.Duration) {
	status := "failed"
	code := ""
	message := err.Error()

	if errors.Is(err, context.DeadlineExceeded) {
		status = "timeout"
		code = protocol.ErrorCodeCommandTimeout
		message = fmt.Sprintf("command timed out after %s", timeout)
	}

	e.metrics.RecordCommandComplete(item.cmd.Command, status, duration.Seconds())
	e.logger.Warn().
		Str("command_id", item.cmd.CommandID).
		Str("command", item.cmd.Command).
		Dur("duration", duration).
		Str("error", message).
		Msg("Command failed")

	e.send(protocol.MustMessage(protocol.MessageTypeCommandError, protocol.CommandErrorPayload{
		CommandID: item.cmd.CommandID,
		Error:     message,
		Code:      code,
	}))
}

// send delivers a frame upstream, logging delivery failures. A failed send
// means the connection is gone and the outcome is dropped, matching the
// no-redelivery contract.
func (e *Executor) send(msg *protocol.Message) {
	if err := e.sender.Send(msg); err != nil {
		e.logger.Warn().
			Err(err).
			Str("type", string(msg.Type)).
			Msg("Failed to send message, outcome dropped")
	}
}

// mergeParams lays the forwarded params over the spec defaults.
func mergeParams(defaults, overrides map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
