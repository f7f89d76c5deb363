package main

import (
	"github.com/spf13/cobra"

	"github.com/joshuapare/rtkern/kernel"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		printInfo(w, "rtkctl %s (kernel %s)\n", version, kernel.Version)
		printInfo(w, "  commit: %s\n", commit)
		printInfo(w, "  built: %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
