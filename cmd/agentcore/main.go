// agentcore is the operational CLI for the resilient execution core. The
// core itself is embedded as a library by an agent runtime; this binary
// covers what operators need around it: background maintenance (checkpoint
// expiry, idempotency purge, async sweeps), and inspection of plans, healing
// records, and store statistics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentcore/internal/asyncexec"
	"agentcore/internal/checkpoint"
	"agentcore/internal/config"
	"agentcore/internal/idempotency"
	"agentcore/internal/logging"
	"agentcore/internal/store"
	"agentcore/internal/types"
)

var (
	// Global flags
	configPath string
	dbPath     string
	verbose    bool

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "agentcore",
	Short: "Operational CLI for the agent execution core",
	Long: `agentcore inspects and maintains the execution core's local store:
plans and their progress, async executions, idempotency entries,
checkpoints, and self-healing records.

The core runs embedded in an agent runtime; this binary is the ops
surface next to it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		if dbPath != "" {
			cfg.Store.DatabasePath = dbPath
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return logging.Initialize(cfg.Logging)
	},
}

// sweepCmd runs one maintenance pass and exits. Suitable for cron.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one maintenance pass over the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(cfg.Store.DatabasePath)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		expired, err := checkpoint.New(db, cfg.Checkpoint).Sweep(ctx)
		if err != nil {
			return err
		}
		purged, err := idempotency.New(db, cfg.Idempotency).Sweep(ctx)
		if err != nil {
			return err
		}
		killed, err := asyncexec.New(db, cfg.Async, nil, nil).Sweep(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("checkpoints expired: %d\n", expired)
		fmt.Printf("idempotency entries purged: %d\n", purged)
		fmt.Printf("async executions terminated: %d\n", killed)
		return nil
	},
}

// serveCmd runs the sweepers continuously until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the maintenance sweepers until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(cfg.Store.DatabasePath)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		watcher, err := config.NewWatcher(configPath, func(next config.Config) {
			if err := logging.SetLevel(next.Logging.Level); err != nil {
				logging.Get(logging.CategoryConfig).Warnf("Ignoring reloaded log level: %v", err)
			}
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()

		ckpts := checkpoint.New(db, cfg.Checkpoint)
		guard := idempotency.New(db, cfg.Idempotency)
		tracker := asyncexec.New(db, cfg.Async, nil, nil)

		go ckpts.RunSweeper(ctx)
		go tracker.RunSweeper(ctx)
		go runGuardSweeper(ctx, guard)

		logging.Store("Maintenance sweepers running on %s", cfg.Store.DatabasePath)
		<-ctx.Done()
		return nil
	},
}

// runGuardSweeper purges expired idempotency entries on the checkpoint sweep
// cadence; the guard has no interval of its own.
func runGuardSweeper(ctx context.Context, guard *idempotency.Guard) {
	interval := cfg.Checkpoint.SweepInterval.Std()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := guard.Sweep(ctx); err != nil && ctx.Err() == nil {
				logging.Get(logging.CategoryIdempotency).Warnf("Purge failed: %v", err)
			}
		}
	}
}

// statsCmd prints row counts per table.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(cfg.Store.DatabasePath)
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return err
		}
		names := make([]string, 0, len(stats))
		for name := range stats {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%-24s %d\n", name, stats[name])
		}
		return nil
	},
}

var (
	plansAgent string
	plansLimit int
)

// plansCmd lists an agent's plans with their progress.
var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List an agent's plans and their progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		if plansAgent == "" {
			return fmt.Errorf("--agent is required")
		}
		db, err := store.Open(cfg.Store.DatabasePath)
		if err != nil {
			return err
		}
		defer db.Close()

		ids, err := db.ListPlansByAgent(plansAgent, plansLimit)
		if err != nil {
			return err
		}
		for _, id := range ids {
			p, err := db.LoadPlan(id)
			if err != nil {
				return err
			}
			if p == nil {
				continue
			}
			fmt.Printf("%s  %-10s  %d/%d completed, %d failed  %s\n",
				p.ID, p.Status, p.CompletedSteps, p.TotalSteps, p.FailedSteps, p.Goal)
		}
		return nil
	},
}

var (
	healingAgent    string
	healingSeverity string
	healingLimit    int
)

// healingCmd lists self-healing records.
var healingCmd = &cobra.Command{
	Use:   "healing",
	Short: "List self-healing records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if healingAgent == "" && healingSeverity == "" {
			return fmt.Errorf("one of --agent or --severity is required")
		}
		db, err := store.Open(cfg.Store.DatabasePath)
		if err != nil {
			return err
		}
		defer db.Close()

		var records []*types.HealingRecord
		if healingSeverity != "" {
			records, err = db.ListHealingBySeverity(types.Severity(healingSeverity), healingLimit)
		} else {
			records, err = db.ListHealingRecords(healingAgent, healingLimit)
		}
		if err != nil {
			return err
		}
		for _, rec := range records {
			outcome := rec.Outcome
			if outcome == "" {
				outcome = "-"
			}
			fmt.Printf("%s  %-11s  %-8s  agent=%s  trigger=%s  %s\n",
				rec.ID, rec.Status, rec.Severity, rec.AgentID, rec.TriggerSource, outcome)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "agentcore.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "override the store database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	plansCmd.Flags().StringVar(&plansAgent, "agent", "", "agent id")
	plansCmd.Flags().IntVar(&plansLimit, "limit", 20, "max plans to list")

	healingCmd.Flags().StringVar(&healingAgent, "agent", "", "filter by agent id")
	healingCmd.Flags().StringVar(&healingSeverity, "severity", "", "filter by severity (low, medium, high, critical)")
	healingCmd.Flags().IntVar(&healingLimit, "limit", 20, "max records to list")

	rootCmd.AddCommand(sweepCmd, serveCmd, statsCmd, plansCmd, healingCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
