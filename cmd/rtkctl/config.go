package main

import (
	"github.com/spf13/cobra"

	"github.com/joshuapare/rtkern/kernel"
)

func init() {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate kernel configuration",
	}
	cmd.AddCommand(newConfigShowCmd(), newConfigValidateCmd())
	rootCmd.AddCommand(cmd)
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration a kernel would be built with: the defaults,
overridden by --config when given.

Example:
  rtkctl config show
  rtkctl config show --config board.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := kernel.LoadConfig(args[0]); err != nil {
				return err
			}
			printInfo(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	}
}
