package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// clientsCmd lists every live connection on the broker
var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "List connected clients",
	Long: `List every client currently connected to the broker, with its
capabilities, host details, and heartbeat freshness.`,
	Example: `  # List all connected clients
  switchctl clients

  # Machine-readable output
  switchctl clients -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := fabricClient.Connect(ctx); err != nil {
			return err
		}
		defer fabricClient.Close()

		ShowSpinner("Fetching clients...")
		resp, err := fabricClient.ListClients(ctx)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to list clients: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(resp)
		}

		if len(resp.Clients) == 0 {
			fmt.Println(Dim("No clients connected."))
			return nil
		}

		headers := []string{"ID", "SESSION", "HOST", "PLATFORM", "CAPABILITIES", "CONNECTED", "LAST HEARTBEAT", "PENDING"}
		rows := make([][]string, len(resp.Clients))
		for i, c := range resp.Clients {
			id := truncate(c.ClientID, 12)
			if welcome := fabricClient.Welcome(); welcome != nil && welcome.ClientID == c.ClientID {
				id += Dim(" (you)")
			}
			host := c.Hostname
			if host == "" {
				host = Dim("-")
			}
			platform := c.Platform
			if platform == "" {
				platform = Dim("-")
			}

			rows[i] = []string{
				id,
				c.UserSession,
				host,
				platform,
				strings.Join(c.Capabilities, ", "),
				formatTimestamp(c.ConnectedAt),
				formatTimestamp(c.LastHeartbeat),
				fmt.Sprintf("%d", c.PendingCommands),
			}
		}

		printTable(headers, rows)
		return nil
	},
}
