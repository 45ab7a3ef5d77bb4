package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/gantry-dev/gantry/internal/config"
	"github.com/gantry-dev/gantry/internal/ledger"
	"github.com/gantry-dev/gantry/internal/resolver"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger state",
	Long: `Display the current state of the work ledger.

Shows item counts by status, blocked items with their reason chains,
and a preview of the next batch plan. With --watch, re-renders whenever
the ledger changes on disk.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "Re-render on ledger changes")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	dbPath := resolvePath(cwd, cfg.Store.LedgerPath)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No ledger found. Run 'gantry run <plan.yaml>' to start.")
		return nil
	}

	if !statusWatch {
		return renderStatus(dbPath, cfg.Scheduler.MaxParallel)
	}
	return watchStatus(dbPath, cfg)
}

func renderStatus(dbPath string, maxParallel int) error {
	store, err := ledger.OpenSQLite(dbPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	view, err := resolver.View(store, maxParallel)
	if err != nil {
		return err
	}

	fmt.Printf("Items: %d total\n", view.Total)
	fmt.Print("  ")
	color.New(color.FgGreen).Printf("%d completed", view.Completed)
	fmt.Printf("  %d in progress  %d ready  ", view.InProgress, view.Ready)
	if view.Failed > 0 {
		color.New(color.FgRed).Printf("%d failed\n", view.Failed)
	} else {
		fmt.Printf("%d failed\n", view.Failed)
	}

	if len(view.Blocked) > 0 {
		fmt.Println("\nBlocked:")
		for _, blocked := range view.Blocked {
			line := fmt.Sprintf("  %s: %s", blocked.ItemID, blocked.Reason)
			if strings.HasPrefix(blocked.Reason, "dependency_failed:") {
				color.New(color.FgRed).Println(line)
			} else {
				color.New(color.FgYellow).Println(line)
			}
		}
	}

	if len(view.NextBatch) > 0 {
		fmt.Println("\nNext batch:")
		for _, group := range view.NextBatch {
			var ids []string
			for _, item := range group.Items {
				ids = append(ids, item.ID)
			}
			fmt.Printf("  %s: %s\n", group.Kind, strings.Join(ids, ", "))
		}
	}
	return nil
}

// watchStatus re-renders whenever the ledger file changes. SQLite under
// WAL touches sibling files, so the whole directory is watched and
// events are debounced.
func watchStatus(dbPath string, cfg *config.Config) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(dbPath)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(dbPath), err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	debounce := cfg.Scheduler.PollInterval
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	render := func() {
		fmt.Print("\033[H\033[2J")
		if err := renderStatus(dbPath, cfg.Scheduler.MaxParallel); err != nil {
			fmt.Fprintf(os.Stderr, "render: %v\n", err)
		}
	}
	render()

	var pending *time.Timer
	renderCh := make(chan struct{}, 1)
	for {
		select {
		case <-stop:
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounce, func() {
				select {
				case renderCh <- struct{}{}:
				default:
				}
			})
		case <-renderCh:
			render()
		}
	}
}
