package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gantry-dev/gantry/internal/bus"
	"github.com/gantry-dev/gantry/internal/config"
	"github.com/gantry-dev/gantry/internal/conflict"
	"github.com/gantry-dev/gantry/internal/coordinator"
	"github.com/gantry-dev/gantry/internal/dispatch"
	"github.com/gantry-dev/gantry/internal/ledger"
	"github.com/gantry-dev/gantry/internal/plan"
	"github.com/gantry-dev/gantry/internal/shell"
)

var (
	runGoal         string
	runMaxParallel  int
	runInMemory     bool
	runOnEscalation string
)

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Execute a work plan",
	Long: `Execute a work plan until every item is terminal.

Item payloads run as shell commands in the current directory. Review
gate commands must print a JSON verdict as their last output line, e.g.
{"score":8,"critical_count":0,"feedback":"ok"}.

Interrupted runs resume: re-running the same plan picks up from the
ledger and message journal in .gantry/.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runGoal, "goal", "", "Goal description (defaults to the plan's goal)")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "Cap on parallel batch size (overrides config)")
	runCmd.Flags().BoolVar(&runInMemory, "in-memory", false, "Volatile stores; nothing survives the process")
	runCmd.Flags().StringVar(&runOnEscalation, "on-escalation", "abort",
		"Escalation handling: abort, accept, or force-round (one extra round per subject, then accept)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	planPath := args[0]
	p, err := plan.Load(planPath)
	if err != nil {
		return err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	logger, err := openLogger(cfg, workDir)
	if err != nil {
		return err
	}
	defer logger.Close()

	store, messageBus, err := openStores(cfg, workDir)
	if err != nil {
		return err
	}
	defer store.Close()
	defer messageBus.Close()

	registry := buildRegistry(cfg, p, workDir)

	policy, err := conflictPolicy(cfg)
	if err != nil {
		return err
	}

	maxParallel := cfg.Scheduler.MaxParallel
	if runMaxParallel > 0 {
		maxParallel = runMaxParallel
	}

	decider, err := buildDecider(runOnEscalation)
	if err != nil {
		return err
	}

	c, err := coordinator.New(coordinator.RequiredConfig{
		Store:      store,
		Bus:        messageBus,
		Registry:   registry,
		Decomposer: coordinator.PlanFile{Path: planPath},
	},
		coordinator.WithMaxParallel(maxParallel),
		coordinator.WithConvergence(cfg.Convergence.MaxRounds, cfg.Convergence.PassThreshold),
		coordinator.WithConflictPolicy(policy),
		coordinator.WithDecider(decider),
		coordinator.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	goal := runGoal
	if goal == "" {
		goal = p.Goal
	}

	summary, runErr := c.Run(ctx, goal)
	printSummary(summary)
	if runErr != nil {
		return runErr
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d items failed", summary.Failed, summary.Total)
	}
	return nil
}

func openLogger(cfg *config.Config, workDir string) (*coordinator.DebugLogger, error) {
	if cfg.Log.Path != "" {
		logger, err := coordinator.NewDebugLogger(resolvePath(workDir, cfg.Log.Path))
		if err != nil {
			return nil, fmt.Errorf("open log: %w", err)
		}
		return logger, nil
	}
	return coordinator.NewDebugLoggerForWorkspace(workDir), nil
}

func openStores(cfg *config.Config, workDir string) (ledger.Store, *bus.Bus, error) {
	if runInMemory || cfg.Store.InMemory {
		messageBus, err := bus.New(nil)
		if err != nil {
			return nil, nil, err
		}
		return ledger.NewMemoryStore(), messageBus, nil
	}

	store, err := ledger.OpenSQLite(resolvePath(workDir, cfg.Store.LedgerPath))
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}

	journal, err := bus.OpenSQLiteJournal(resolvePath(workDir, cfg.Store.JournalPath))
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	messageBus, err := bus.New(journal)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, messageBus, nil
}

// buildRegistry registers one shell-backed worker per role the plan
// names, including generator roles that only appear in review specs.
func buildRegistry(cfg *config.Config, p *plan.Plan, workDir string) *dispatch.Registry {
	gates := make(map[string]bool, len(p.Reviews))
	for _, review := range p.Reviews {
		gates[review.Gate] = true
	}

	roles := make(map[string]bool)
	for _, item := range p.Items {
		roles[item.OwnerRole] = true
	}
	for _, review := range p.Reviews {
		roles[review.GeneratorRole] = true
	}

	runner := shell.NewRunner()
	registry := dispatch.NewRegistry()
	for role := range roles {
		slots := cfg.Scheduler.RoleSlots[role]
		if slots <= 0 {
			slots = cfg.Scheduler.MaxParallel
		}
		registry.Register(shell.NewWorker(role, runner, workDir, gates), slots)
	}
	return registry
}

func conflictPolicy(cfg *config.Config) (conflict.Policy, error) {
	same, prefix, owner, err := cfg.Conflict.Severities()
	if err != nil {
		return conflict.Policy{}, err
	}
	return conflict.Policy{SameResource: same, PrefixOverlap: prefix, SameOwner: owner}, nil
}

func buildDecider(mode string) (coordinator.Decider, error) {
	switch mode {
	case "abort":
		return coordinator.AbortDecider(), nil
	case "accept":
		return coordinator.DeciderFunc(func(ctx context.Context, req coordinator.EscalationRequest) coordinator.Decision {
			return coordinator.DecisionAccept
		}), nil
	case "force-round":
		var mu sync.Mutex
		forced := make(map[string]bool)
		return coordinator.DeciderFunc(func(ctx context.Context, req coordinator.EscalationRequest) coordinator.Decision {
			mu.Lock()
			defer mu.Unlock()
			if forced[req.SubjectID] {
				return coordinator.DecisionAccept
			}
			forced[req.SubjectID] = true
			return coordinator.DecisionForceRound
		}), nil
	default:
		return nil, fmt.Errorf("unknown --on-escalation mode %q", mode)
	}
}

func printSummary(s coordinator.Summary) {
	fmt.Printf("\n%d items: ", s.Total)
	color.New(color.FgGreen).Printf("%d completed", s.Completed)
	fmt.Print(", ")
	if s.Failed > 0 {
		color.New(color.FgRed).Printf("%d failed", s.Failed)
	} else {
		fmt.Printf("%d failed", s.Failed)
	}
	fmt.Printf(" (%d passes", s.Passes)
	if s.Escalations > 0 {
		fmt.Print(", ")
		color.New(color.FgYellow).Printf("%d escalations", s.Escalations)
	}
	fmt.Println(")")
}

// resolvePath resolves a config path against the workspace root.
func resolvePath(workDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workDir, path)
}
