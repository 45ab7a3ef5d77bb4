package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gantry-dev/gantry/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show resolved configuration",
	Long: `Display the effective configuration after merging defaults, the
user config, project overrides, and environment variables.

Configuration is stored at ~/.config/gantry/config.yaml
Project-specific overrides can be placed in .gantry.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		displayConfig(cfg)
	},
}

func displayConfig(cfg *config.Config) {
	fmt.Printf("scheduler.max_parallel: %d\n", cfg.Scheduler.MaxParallel)
	fmt.Printf("scheduler.poll_interval: %s\n", cfg.Scheduler.PollInterval)
	for role, slots := range cfg.Scheduler.RoleSlots {
		fmt.Printf("scheduler.role_slots.%s: %d\n", role, slots)
	}
	fmt.Printf("convergence.max_rounds: %d\n", cfg.Convergence.MaxRounds)
	fmt.Printf("convergence.pass_threshold: %d\n", cfg.Convergence.PassThreshold)
	fmt.Printf("conflict.same_resource: %s\n", cfg.Conflict.SameResource)
	fmt.Printf("conflict.prefix_overlap: %s\n", cfg.Conflict.PrefixOverlap)
	fmt.Printf("conflict.same_owner: %s\n", cfg.Conflict.SameOwner)
	fmt.Printf("store.ledger_path: %s\n", cfg.Store.LedgerPath)
	fmt.Printf("store.journal_path: %s\n", cfg.Store.JournalPath)
	fmt.Printf("store.in_memory: %t\n", cfg.Store.InMemory)
	if cfg.Log.Path != "" {
		fmt.Printf("log.path: %s\n", cfg.Log.Path)
	}

	fmt.Println()
	fmt.Printf("User config: %s\n", config.GetUserConfigPath())
	if project := config.GetProjectConfigPath(); project != "" {
		fmt.Printf("Project config: %s\n", project)
	}
}
