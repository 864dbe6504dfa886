// Package cli implements the protosink command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"protosink/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "protosink",
		Short: "Stream schema-registry Protobuf from Kafka into relational tables",
		Long: "protosink consumes Confluent-framed Protobuf messages, runs them through a\n" +
			"Starlark, JavaScript or WebAssembly transform and writes the resulting rows\n" +
			"to PostgreSQL, SQLite or DuckDB, creating and extending tables as needed.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (keys are long flag names)")
	config.RegisterFlags(rootCmd.PersistentFlags(), config.Default())

	rootCmd.AddCommand(newRunCmd(&configFile))
	rootCmd.AddCommand(newReplayCmd(&configFile))
	rootCmd.AddCommand(newCheckPluginCmd(&configFile))
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCompletionCmd())

	return rootCmd
}

// loadConfig resolves configuration for cmd with precedence
// flag > env > file > default.
func loadConfig(cmd *cobra.Command, configFile string) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags(), configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newCompletionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(cmd.OutOrStdout())
			case "zsh":
				return cmd.Root().GenZshCompletion(cmd.OutOrStdout())
			case "fish":
				return cmd.Root().GenFishCompletion(cmd.OutOrStdout(), true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(cmd.OutOrStdout())
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
	return cmd
}
