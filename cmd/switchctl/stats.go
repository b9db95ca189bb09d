package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/switchboard/switchboard/internal/protocol"
)

// statsCmd shows live broker counters
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show broker statistics",
	Long: `Display the broker's live counters: connected clients, forwarded
commands, outcome totals, and catalogue state.`,
	Example: `  # Show broker statistics
  switchctl stats`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := fabricClient.Connect(ctx); err != nil {
			return err
		}
		defer fabricClient.Close()

		ShowSpinner("Fetching stats...")
		stats, err := fabricClient.Stats(ctx)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(stats)
		}

		fmt.Printf("%s\n", Bold("Fabric"))
		fmt.Printf("  Uptime:             %s\n", formatDurationMs(stats.UptimeSeconds*1000))
		fmt.Printf("  Connected clients:  %d\n", stats.ConnectedClients)
		fmt.Printf("  Pending commands:   %d\n", stats.PendingCommands)
		fmt.Printf("  Forwarded total:    %d\n", stats.ForwardedTotal)
		fmt.Println()

		if len(stats.ClientsByCapability) > 0 {
			fmt.Printf("%s\n", Bold("Clients by capability"))
			for _, name := range sortedKeys(stats.ClientsByCapability) {
				fmt.Printf("  %-12s %d\n", name+":", stats.ClientsByCapability[name])
			}
			fmt.Println()
		}

		if len(stats.OutcomesByStatus) > 0 {
			fmt.Printf("%s\n", Bold("Command outcomes"))
			for _, status := range sortedKeys(stats.OutcomesByStatus) {
				fmt.Printf("  %s %d\n", padRight(statusColor(status)+":", 12), stats.OutcomesByStatus[status])
			}
			fmt.Println()
		}

		fmt.Printf("%s\n", Bold("Catalogue"))
		fmt.Printf("  Available commands: %d\n", stats.AvailableCommands)
		fmt.Printf("  Plugin reloads:     %d\n", stats.PluginReloads)
		fmt.Println()

		fmt.Printf("%s\n", Bold("Liveness"))
		fmt.Printf("  Heartbeat evictions: %d\n", stats.HeartbeatEvictions)

		return nil
	},
}

// watchCmd streams broadcast fabric events
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream fabric events",
	Long: `Stay connected and print every broadcast the broker sends to
management clients: command outcomes, catalogue reloads, and configuration
updates. Stop with Ctrl-C.`,
	Example: `  # Watch command outcomes as they happen
  switchctl watch

  # Stream raw event envelopes
  switchctl watch -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stopSignals()

		connectCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		if err := fabricClient.Connect(connectCtx); err != nil {
			return err
		}
		defer fabricClient.Close()

		if outputFormat != "json" {
			Info("Watching fabric events (Ctrl-C to stop)")
		}

		return fabricClient.Watch(ctx, printEvent)
	},
}

// printEvent renders one broadcast message as a log line.
func printEvent(msg *protocol.Message) {
	if outputFormat == "json" {
		_ = printJSON(msg)
		return
	}

	ts := Dim(msg.Timestamp.Local().Format("15:04:05"))

	switch msg.Type {
	case protocol.MessageTypeCommandResult:
		var p protocol.CommandResultPayload
		if protocol.Decode(msg, &p) != nil {
			return
		}
		line := fmt.Sprintf("%s %s command %s on %s (%s)",
			ts, statusColor("completed"), Bold(p.CommandID), p.TargetClient, formatDurationMs(p.DurationMs))
		if p.Artifact != nil {
			line += Dim(fmt.Sprintf(" [result offloaded, %s]", formatBytes(p.Artifact.Size)))
		}
		fmt.Println(line)

	case protocol.MessageTypeCommandError:
		var p protocol.CommandErrorPayload
		if protocol.Decode(msg, &p) != nil {
			return
		}
		status := "failed"
		if p.Code == protocol.ErrorCodeCommandTimeout {
			status = "timeout"
		}
		fmt.Printf("%s %s command %s on %s: %s\n",
			ts, statusColor(status), Bold(p.CommandID), p.TargetClient, truncate(p.Error, 80))

	case protocol.MessageTypePluginsReloaded:
		var p protocol.PluginsReloadedPayload
		if protocol.Decode(msg, &p) != nil {
			return
		}
		fmt.Printf("%s %s catalogue reloaded (%d commands)\n",
			ts, Cyan("plugins"), len(p.AvailableCommands))
		for _, loadErr := range p.LoadErrors {
			fmt.Printf("%s %s manifest skipped: %s\n", ts, Yellow("plugins"), truncate(loadErr, 80))
		}

	case protocol.MessageTypeConfigUpdate:
		fmt.Printf("%s %s broker configuration updated\n", ts, Yellow("config"))

	default:
		fmt.Printf("%s %s\n", ts, Dim(string(msg.Type)))
	}
}

// sortedKeys returns the map's keys in stable order for display.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
