package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/switchboard/switchboard/internal/protocol"
)

// pluginsCmd groups plugin catalogue operations
var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Manage the broker's plugin catalogue",
	Long:  `Inspect and reload the plugin command catalogue on the broker.`,
}

// pluginsListCmd shows the commands the broker currently advertises
var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available commands",
	Long:  `List every command the broker currently advertises to agents.`,
	Example: `  # Show the catalogue
  switchctl plugins list`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := fabricClient.Connect(ctx); err != nil {
			return err
		}
		defer fabricClient.Close()

		welcome := fabricClient.Welcome()
		if outputFormat == "json" {
			return printJSON(map[string]interface{}{
				"available_commands": welcome.AvailableCommands,
				"commands":           welcome.Commands,
			})
		}

		printCommandTable(welcome.Commands)
		return nil
	},
}

// pluginsReloadCmd asks the broker to re-scan its plugin directory
var pluginsReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the plugin catalogue",
	Long: `Ask the broker to re-scan its plugin directory and rebuild the command
catalogue. The refreshed catalogue is pushed to every connected client.

Requires a token that grants the hot_reload capability.`,
	Example: `  # Reload after dropping a new manifest on the broker host
  switchctl plugins reload`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := fabricClient.Connect(ctx, protocol.CapabilityManagement, protocol.CapabilityHotReload); err != nil {
			return err
		}
		defer fabricClient.Close()

		ShowSpinner("Reloading plugins...")
		resp, err := fabricClient.ReloadPlugins(ctx)
		HideSpinner()
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(resp)
		}

		Success(fmt.Sprintf("Catalogue reloaded: %d commands", len(resp.AvailableCommands)))
		for _, loadErr := range resp.LoadErrors {
			Warning(fmt.Sprintf("Manifest skipped: %s", loadErr))
		}
		printCommandTable(resp.Commands)
		return nil
	},
}

func printCommandTable(commands []protocol.CommandSpec) {
	if len(commands) == 0 {
		fmt.Println(Dim("No commands in the catalogue."))
		return
	}

	headers := []string{"NAME", "DESCRIPTION", "HANDLER", "BLOCKING", "TIMEOUT"}
	rows := make([][]string, 0, len(commands))
	for _, spec := range commands {
		timeout := Dim("-")
		if spec.TimeoutSeconds > 0 {
			timeout = fmt.Sprintf("%ds", spec.TimeoutSeconds)
		}
		blocking := Dim("no")
		if spec.Blocking {
			blocking = Yellow("yes")
		}
		rows = append(rows, []string{
			Bold(spec.Name),
			truncate(spec.Description, 48),
			spec.Handler,
			blocking,
			timeout,
		})
	}
	printTable(headers, rows)
}

func init() {
	pluginsCmd.AddCommand(pluginsListCmd)
	pluginsCmd.AddCommand(pluginsReloadCmd)
}
