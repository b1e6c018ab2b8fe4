package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbusbee505/JobFinder/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "jobfinder %s (%s)\n", version.Version, version.Commit) //nolint:errcheck
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
