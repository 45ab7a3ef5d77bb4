package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Dependency-gated work orchestration core",
	Long: `Gantry schedules interdependent work items across role-bound workers.

It plans batches from a dependency graph, vets parallel batches for
overlapping resource claims, runs bounded review-revision cycles, and
records everything in a durable ledger and message journal so an
interrupted run resumes where it stopped.

Work plans are YAML files: items with dependencies, resource claims,
review gates, and sync points. Item payloads are shell commands; review
gate commands print a JSON verdict as their last output line.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
