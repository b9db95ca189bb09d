package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information (set from main.go)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Global flags
var (
	serverAddr   string
	authToken    string
	outputFormat string
	noColor      bool
	configFile   string
)

// Global client instance
var fabricClient *Client

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "switchctl",
	Short: "CLI tool for operating the Switchboard fabric",
	Long: `switchctl is a command-line interface for operating a Switchboard broker
and the agents connected to it.

It connects to the broker as a management client and provides commands for:
  - Clients: list every live connection and its capabilities
  - Commands: forward a command to an agent and wait for its result
  - Plugins: reload the command catalogue
  - History: query recorded command outcomes
  - Tokens: mint capability tokens offline from the shared secret

Environment variables:
  SWITCHBOARD_SERVER   Broker address (default: localhost:8790)
  SWITCHBOARD_TOKEN    Capability token
  SWITCHBOARD_OUTPUT   Output format: json, table (default: table)
  SWITCHBOARD_CONFIG   Config file path (default: ~/.switchboard/config.yaml)`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Commands that never talk to the broker skip client setup.
		if cmd.Name() == "completion" || cmd.Name() == "version" ||
			(cmd.Parent() != nil && cmd.Parent().Name() == "completion") ||
			(cmd.Parent() != nil && cmd.Parent().Name() == "config") ||
			(cmd.Parent() != nil && cmd.Parent().Name() == "token") {
			return nil
		}

		// Initialize color output
		InitColor(!noColor)

		// Load configuration
		cfg, err := LoadCLIConfig(configFile)
		if err != nil {
			// A missing config file is fine, flags and env still apply.
			cfg = &CLIConfig{}
		}

		// Resolve server address (flag > env > config > default)
		server := serverAddr
		if server == "" {
			server = os.Getenv("SWITCHBOARD_SERVER")
		}
		if server == "" && cfg.Server != "" {
			server = cfg.Server
		}
		if server == "" {
			server = "localhost:8790"
		}

		// Resolve capability token (flag > env > config)
		token := authToken
		if token == "" {
			token = os.Getenv("SWITCHBOARD_TOKEN")
		}
		if token == "" && cfg.Token != "" {
			token = cfg.Token
		}

		// Resolve output format (flag > env > config > default)
		output := outputFormat
		if output == "" {
			output = os.Getenv("SWITCHBOARD_OUTPUT")
		}
		if output == "" && cfg.OutputFormat != "" {
			output = cfg.OutputFormat
		}
		if output == "" {
			output = "table"
		}
		outputFormat = output

		fabricClient = NewClient(server, token)

		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Display the version, commit hash, and build time of switchctl.`,
	Run: func(cmd *cobra.Command, args []string) {
		InitColor(!noColor)

		if outputFormat == "json" {
			_ = printJSON(map[string]string{
				"version":    Version,
				"commit":     Commit,
				"build_time": BuildTime,
				"go_version": runtime.Version(),
				"platform":   runtime.GOOS + "/" + runtime.GOARCH,
			})
			return
		}

		fmt.Printf("%s\n", Bold("switchctl"))
		fmt.Printf("  Version:    %s\n", Version)
		fmt.Printf("  Commit:     %s\n", Commit)
		fmt.Printf("  Built:      %s\n", BuildTime)
		fmt.Printf("  Go version: %s\n", runtime.Version())
		fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "", "Broker address (default: localhost:8790)")
	rootCmd.PersistentFlags().StringVarP(&authToken, "token", "t", "", "Capability token")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "Output format: json, table (default: table)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ~/.switchboard/config.yaml)")

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(clientsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(forwardCmd)
	rootCmd.AddCommand(pluginsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(completionCmd)
}
