package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	historyLimit   int
	historyStatus  string
	historyTarget  string
	historyCommand string
)

// historyCmd queries the broker's command journal
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent command outcomes",
	Long: `Query the broker's command journal for recent forwards and their outcomes.

The journal is optional on the broker side; when it is disabled this command
returns an error. Requires a token that grants the management capability.`,
	Example: `  # Last 50 entries
  switchctl history

  # Failures against one agent
  switchctl history --status failed --target 7c9e6679

  # Every run of a single command
  switchctl history --command run --limit 200`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := fabricClient.Connect(ctx); err != nil {
			return err
		}
		defer fabricClient.Close()

		ShowSpinner("Fetching history...")
		resp, err := fabricClient.History(ctx, historyLimit, historyStatus, historyTarget, historyCommand)
		HideSpinner()
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(resp)
		}

		if len(resp.Entries) == 0 {
			fmt.Println(Dim("No history entries."))
			return nil
		}

		headers := []string{"CREATED", "COMMAND", "TARGET", "STATUS", "DURATION", "REQUESTER", "ERROR"}
		rows := make([][]string, 0, len(resp.Entries))
		for _, entry := range resp.Entries {
			errText := Dim("-")
			if entry.Error != "" {
				errText = Red(truncate(entry.Error, 40))
			}
			rows = append(rows, []string{
				formatTimestamp(entry.CreatedAt),
				Bold(entry.Name),
				truncate(entry.TargetClient, 12),
				statusColor(entry.Status),
				formatDurationMs(entry.DurationMs),
				truncate(entry.Requester, 20),
				errText,
			})
		}
		printTable(headers, rows)
		fmt.Println()
		fmt.Println(Dim(fmt.Sprintf("%d entries", len(resp.Entries))))
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum entries to return")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Filter by outcome status (completed, failed, timeout)")
	historyCmd.Flags().StringVar(&historyTarget, "target", "", "Filter by target client ID")
	historyCmd.Flags().StringVar(&historyCommand, "command", "", "Filter by command name")
}
