// Package commands implements groupwatchd's CLI surface using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "groupwatchd",
		Short: "groupwatchd - group-chat augmentation daemon",
		Long: `groupwatchd decides when and how to reply in a group chat it
is invited into, tracking per-user attention and cooldown state and
optionally starting conversations on its own during quiet periods.

Examples:
  groupwatchd serve
  groupwatchd serve --config ./config.yaml
  groupwatchd validate-config ./config.yaml`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newValidateConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
