package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "jobfinder",
	Short: "Discover, evaluate and track job postings",
	Long: `JobFinder searches job listings for your keywords and locations, asks an
AI evaluator whether each posting fits your resume, and keeps the approved
ones for you to apply to.

Running jobfinder with no subcommand starts the server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	def := os.Getenv("JF_CONFIG_PATH")
	if def == "" {
		def = "config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", def, "path to the YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
