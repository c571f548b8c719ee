package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/groupwatch/core/internal/config"
)

func newValidateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config [path]",
		Short: "Load a config file and print any warnings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(args[0])
			if err != nil {
				return err
			}
			warnings := cfg.Validate()
			if len(warnings) == 0 {
				fmt.Println("config ok, no warnings")
				return nil
			}
			for _, w := range warnings {
				fmt.Println("warning:", w)
			}
			return nil
		},
	}
}
