package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// CLIConfig represents the CLI configuration file
type CLIConfig struct {
	Server       string `yaml:"server"`
	Token        string `yaml:"token"`
	OutputFormat string `yaml:"output_format"`
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".switchboard", "config.yaml")
}

// configPath resolves the config file path (flag > env > default)
func configPath() string {
	if configFile != "" {
		return configFile
	}
	if path := os.Getenv("SWITCHBOARD_CONFIG"); path != "" {
		return path
	}
	return DefaultConfigPath()
}

// LoadCLIConfig loads configuration from file
func LoadCLIConfig(path string) (*CLIConfig, error) {
	if path == "" {
		path = configPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg CLIConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}

	return &cfg, nil
}

// SaveCLIConfig saves configuration to file
func SaveCLIConfig(cfg *CLIConfig, path string) error {
	if path == "" {
		path = configPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// configCmd is the parent command for config operations
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long:  `Commands for viewing and managing switchctl configuration.`,
}

// configShowCmd shows the current configuration
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long: `Display the current CLI configuration.

Shows settings from the config file and environment variables.`,
	Example: `  # Show current config
  switchctl config show`,
	RunE: func(cmd *cobra.Command, args []string) error {
		InitColor(!noColor)

		path := configPath()
		cfg, err := LoadCLIConfig(path)
		if err != nil {
			cfg = &CLIConfig{}
		}

		if outputFormat == "json" {
			return printJSON(map[string]interface{}{
				"file":          path,
				"server":        resolveConfigValue(cfg.Server, serverAddr, os.Getenv("SWITCHBOARD_SERVER"), "localhost:8790"),
				"token_set":     cfg.Token != "" || authToken != "" || os.Getenv("SWITCHBOARD_TOKEN") != "",
				"output_format": resolveConfigValue(cfg.OutputFormat, outputFormat, os.Getenv("SWITCHBOARD_OUTPUT"), "table"),
			})
		}

		fmt.Printf("%s\n", Bold("Configuration"))
		fmt.Printf("  Config file: %s\n", path)
		fmt.Println()

		fmt.Printf("%s\n", Bold("Settings"))

		server := resolveConfigValue(cfg.Server, serverAddr, os.Getenv("SWITCHBOARD_SERVER"), "localhost:8790")
		serverSource := resolveSource(cfg.Server, serverAddr, os.Getenv("SWITCHBOARD_SERVER"))
		fmt.Printf("  Server:        %s %s\n", server, Dim("("+serverSource+")"))

		tokenSet := cfg.Token != "" || authToken != "" || os.Getenv("SWITCHBOARD_TOKEN") != ""
		tokenSource := resolveSource(cfg.Token, authToken, os.Getenv("SWITCHBOARD_TOKEN"))
		if tokenSet {
			fmt.Printf("  Token:         %s %s\n", Dim("****"), Dim("("+tokenSource+")"))
		} else {
			fmt.Printf("  Token:         %s\n", Dim("not set"))
		}

		output := resolveConfigValue(cfg.OutputFormat, outputFormat, os.Getenv("SWITCHBOARD_OUTPUT"), "table")
		outputSource := resolveSource(cfg.OutputFormat, outputFormat, os.Getenv("SWITCHBOARD_OUTPUT"))
		fmt.Printf("  Output Format: %s %s\n", output, Dim("("+outputSource+")"))

		return nil
	},
}

// configSetCmd sets a configuration value
var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the config file.

Available keys:
  server        - Broker address
  token         - Capability token
  output_format - Default output format (json, table)`,
	Example: `  # Set broker address
  switchctl config set server broker.internal:8790

  # Set capability token
  switchctl config set token eyJhbGciOi...

  # Set default output format
  switchctl config set output_format json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		InitColor(!noColor)

		key := args[0]
		value := args[1]

		path := configPath()
		cfg, err := LoadCLIConfig(path)
		if err != nil {
			cfg = &CLIConfig{}
		}

		switch strings.ToLower(key) {
		case "server":
			cfg.Server = value
		case "token":
			cfg.Token = value
		case "output_format", "output":
			if value != "json" && value != "table" {
				return fmt.Errorf("invalid output format: %s (must be 'json' or 'table')", value)
			}
			cfg.OutputFormat = value
		default:
			return fmt.Errorf("unknown configuration key: %s", key)
		}

		if err := SaveCLIConfig(cfg, path); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		display := value
		if strings.ToLower(key) == "token" {
			display = "****"
		}
		fmt.Printf("%s Set %s = %s\n", Green("✓"), Bold(key), display)

		return nil
	},
}

// configPathCmd shows the config file path
var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show config file path",
	Long:  `Display the path to the configuration file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(configPath())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
}

// resolveConfigValue returns the first non-empty value from the given options
func resolveConfigValue(configValue, flagValue, envValue, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envValue != "" {
		return envValue
	}
	if configValue != "" {
		return configValue
	}
	return defaultValue
}

// resolveSource returns the source of the configuration value
func resolveSource(configValue, flagValue, envValue string) string {
	if flagValue != "" {
		return "flag"
	}
	if envValue != "" {
		return "env"
	}
	if configValue != "" {
		return "config"
	}
	return "default"
}
