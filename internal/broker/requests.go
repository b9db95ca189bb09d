package broker

import (
	"fmt"
	"time"

	"github.com/switchboard/switchboard/internal/history"
	"github.com/switchboard/switchboard/internal/protocol"
)

// handleRequest answers a named request synchronously from in-memory state.
func (b *Broker) handleRequest(c *Connection, client *Client, msg *protocol.Message) {
	var req protocol.RequestPayload
	if err := protocol.Decode(msg, &req); err != nil {
		c.SendError(protocol.ErrorCodeProtocol, err.Error())
		return
	}

	switch req.Command {
	case protocol.RequestListClients:
		c.SendMessage(protocol.MustMessage(protocol.MessageTypeClientList, &protocol.ClientListPayload{
			Clients: b.registry.Snapshot(),
		}))

	case protocol.RequestGetStats:
		c.SendMessage(protocol.MustMessage(protocol.MessageTypeStats, b.stats()))

	case protocol.RequestReloadPlugins:
		if !client.HasCapability(protocol.CapabilityHotReload) {
			b.metrics.RecordAuthFailure()
			c.SendError(protocol.ErrorCodeUnauthorized, "reload_plugins requires the hot_reload capability")
			return
		}
		if _, err := b.ReloadPlugins("request"); err != nil {
			c.SendError(protocol.ErrorCodePluginLoad, err.Error())
		}

	case protocol.RequestHistory:
		if !client.IsManagement() {
			b.metrics.RecordAuthFailure()
			c.SendError(protocol.ErrorCodeUnauthorized, "history requires the management capability")
			return
		}
		b.handleHistoryRequest(c, req.Params)

	default:
		c.SendError(protocol.ErrorCodeProtocol, fmt.Sprintf("unknown request command: %s", req.Command))
	}
}

// stats builds the get_stats reply from live registry and router state.
func (b *Broker) stats() *protocol.StatsPayload {
	return &protocol.StatsPayload{
		UptimeSeconds:       int64(time.Since(b.startedAt).Seconds()),
		ConnectedClients:    b.registry.Count(),
		ClientsByCapability: b.registry.CountByCapability(),
		PendingCommands:     b.registry.PendingTotal(),
		ForwardedTotal:      b.router.ForwardedTotal(),
		OutcomesByStatus:    b.router.Outcomes(),
		AvailableCommands:   b.plugins.Len(),
		PluginReloads:       b.pluginReloads.Load(),
		HeartbeatEvictions:  b.monitor.Evictions(),
	}
}

// handleHistoryRequest answers a history request from the journal.
func (b *Broker) handleHistoryRequest(c *Connection, params map[string]interface{}) {
	if b.journal == nil {
		c.SendError(protocol.ErrorCodeProtocol, "history is not enabled")
		return
	}

	limit := 0
	if v, ok := params["limit"].(float64); ok {
		limit = int(v)
	}
	var filter history.Filter
	if v, ok := params["status"].(string); ok {
		filter.Status = v
	}
	if v, ok := params["target_client"].(string); ok {
		filter.TargetClient = v
	}
	if v, ok := params["command"].(string); ok {
		filter.Command = v
	}

	entries, err := b.journal.Recent(limit, filter)
	if err != nil {
		c.SendError(protocol.ErrorCodeProtocol, fmt.Sprintf("history query failed: %v", err))
		return
	}

	payload := &protocol.HistoryPayload{
		Entries: make([]protocol.HistoryEntry, 0, len(entries)),
	}
	for _, e := range entries {
		payload.Entries = append(payload.Entries, historyEntryToWire(e))
	}
	c.SendMessage(protocol.MustMessage(protocol.MessageTypeHistory, payload))
}

// historyEntryToWire converts a journal row to its wire form.
func historyEntryToWire(e history.Entry) protocol.HistoryEntry {
	entry := protocol.HistoryEntry{
		CommandID:    e.CommandID,
		Name:         e.Command,
		TargetClient: e.TargetClient,
		Requester:    e.Requester,
		Priority:     e.Priority,
		Status:       e.Status,
		Error:        e.Error,
		DurationMs:   e.DurationMs,
		ResultSize:   int64(e.ResultSize),
		CreatedAt:    e.CreatedAt,
	}
	if !e.CompletedAt.IsZero() {
		completedAt := e.CompletedAt
		entry.CompletedAt = &completedAt
	}
	return entry
}
