package main

import (
	"os"

	"github.com/spf13/cobra"
)

// completionCmd generates shell completion scripts
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate a completion script for your shell.

To load completions:

Bash:
  $ source <(switchctl completion bash)

  # To load completions for each session, execute once:
  $ switchctl completion bash > /etc/bash_completion.d/switchctl

Zsh:
  $ switchctl completion zsh > "${fpath[1]}/_switchctl"

Fish:
  $ switchctl completion fish | source

  # To load completions for each session, execute once:
  $ switchctl completion fish > ~/.config/fish/completions/switchctl.fish

PowerShell:
  PS> switchctl completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(os.Stdout)
		case "zsh":
			return rootCmd.GenZshCompletion(os.Stdout)
		case "fish":
			return rootCmd.GenFishCompletion(os.Stdout, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(os.Stdout)
		}
		return nil
	},
}
