package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/switchboard/switchboard/internal/protocol"
)

var (
	forwardParams      []string
	forwardPriority    int
	forwardWait        bool
	forwardWaitTimeout time.Duration
)

// forwardCmd delivers a command to a specific agent
var forwardCmd = &cobra.Command{
	Use:   "forward <target-client> <command>",
	Short: "Forward a command to an agent",
	Long: `Forward a named command to a specific agent for execution.

Parameters are passed as repeated --param key=value flags. Values that parse
as JSON (numbers, booleans, objects) are sent typed; everything else is sent
as a string. Lower --priority numbers run before higher ones on a busy agent.

With --wait, switchctl stays connected until the agent reports the outcome or
the wait bound expires. The bound only gives up the wait; execution on the
agent is unaffected and a late result is simply dropped.`,
	Example: `  # Ping an agent
  switchctl forward 7c9e6679 ping

  # Run a shell command at high priority and wait for its output
  switchctl forward 7c9e6679 run --param command=uptime --priority 1 --wait

  # Sleep with a numeric parameter
  switchctl forward 7c9e6679 sleep --param duration=2 --wait`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, command := args[0], args[1]

		params, err := parseParams(forwardParams)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := fabricClient.Connect(ctx); err != nil {
			return err
		}
		defer fabricClient.Close()

		ack, err := fabricClient.Forward(ctx, target, command, params, forwardPriority)
		if err != nil {
			return err
		}

		if !forwardWait {
			if outputFormat == "json" {
				return printJSON(ack)
			}
			Success(fmt.Sprintf("Command %s %s on %s", Bold(ack.CommandID), ack.Status, ack.TargetClient))
			return nil
		}

		if outputFormat != "json" {
			Info(fmt.Sprintf("Command %s %s on %s, waiting for result...", Bold(ack.CommandID), ack.Status, ack.TargetClient))
		}

		waitCtx, waitCancel := context.WithTimeout(context.Background(), forwardWaitTimeout)
		defer waitCancel()

		result, cmdErr, err := fabricClient.AwaitResult(waitCtx, ack.CommandID)
		if err != nil {
			return err
		}

		if cmdErr != nil {
			if outputFormat == "json" {
				_ = printJSON(cmdErr)
			}
			if cmdErr.Code != "" {
				return fmt.Errorf("command failed: %s (%s)", cmdErr.Error, cmdErr.Code)
			}
			return fmt.Errorf("command failed: %s", cmdErr.Error)
		}

		if outputFormat == "json" {
			return printJSON(result)
		}

		Success(fmt.Sprintf("Command %s completed in %s", Bold(result.CommandID), formatDurationMs(result.DurationMs)))
		if result.Artifact != nil {
			Info(fmt.Sprintf("Result offloaded to object storage (%s): %s",
				formatBytes(result.Artifact.Size), result.Artifact.URL))
		}
		if len(result.Result) > 0 {
			var pretty map[string]interface{}
			if err := json.Unmarshal(result.Result, &pretty); err == nil {
				return printJSON(pretty)
			}
			fmt.Println(string(result.Result))
		}
		return nil
	},
}

// parseParams turns repeated key=value flags into a params map. Values that
// parse as JSON are sent typed so numeric and boolean params survive.
func parseParams(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q (expected key=value)", pair)
		}
		var typed interface{}
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			params[key] = typed
		} else {
			params[key] = value
		}
	}
	return params, nil
}

func init() {
	forwardCmd.Flags().StringArrayVar(&forwardParams, "param", nil, "Command parameter as key=value (repeatable)")
	forwardCmd.Flags().IntVar(&forwardPriority, "priority", protocol.DefaultPriority, "Execution priority, lower runs first")
	forwardCmd.Flags().BoolVar(&forwardWait, "wait", false, "Wait for the command result")
	forwardCmd.Flags().DurationVar(&forwardWaitTimeout, "wait-timeout", 30*time.Second, "How long --wait polls before giving up")
}
