package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/carbon-oracle/sorbent/internal/agent"
	"github.com/carbon-oracle/sorbent/internal/api"
	"github.com/carbon-oracle/sorbent/internal/features"
	"github.com/carbon-oracle/sorbent/internal/orchestrator"
	"github.com/carbon-oracle/sorbent/internal/predict"
	"github.com/carbon-oracle/sorbent/internal/report"
	"github.com/carbon-oracle/sorbent/internal/retrieval"
	"github.com/carbon-oracle/sorbent/internal/sim"
	"github.com/carbon-oracle/sorbent/internal/store"
	"github.com/carbon-oracle/sorbent/internal/wal"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	storeBackend string
	snapshotPath string
	redisAddr    string
	redisDB      int
	postgresConn string

	// run flags
	runBatches  int
	runScenario string
	runSeed     int64
	windowTicks int
	aggEvery    int
	reportDir   string

	// inspect flags
	batchID string

	// replay flags
	walPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sorbentctl",
		Short: "Operator tool for the sorbent batch monitor",
		Long: `Operator tool for the adsorbent-synthesis soft-sensing loop.
Runs simulated batches, inspects persisted history, forces estimator
retraining, and replays sample WALs.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&storeBackend, "store", "memory", "Batch store backend (memory, redis, postgres)")
	rootCmd.PersistentFlags().StringVar(&snapshotPath, "snapshot", "data/batches.json", "Snapshot path for the memory store")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address")
	rootCmd.PersistentFlags().IntVar(&redisDB, "redis-db", 0, "Redis database number")
	rootCmd.PersistentFlags().StringVar(&postgresConn, "postgres-conn", "", "Postgres connection string")

	// Subcommands
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(retrainCmd())
	rootCmd.AddCommand(replayCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runCmd executes simulated batches through the full loop
func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run simulated batches through the full monitoring loop",
		Long: `Runs one or more simulated batches end to end: sampling, feature
extraction, capacity prediction, rule evaluation and persistence. The
empirical estimator is refreshed between batches as validated records
accumulate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			simCfg := sim.DefaultConfig()
			source, err := sim.New(simCfg, runSeed)
			if err != nil {
				return fmt.Errorf("failed to create simulator: %w", err)
			}

			extractor := features.NewExtractor(windowTicks)
			predictor, err := predict.New(predict.DefaultConfig())
			if err != nil {
				return err
			}
			fmt.Println("Bootstrapping synthetic estimator...")
			if err := predictor.Bootstrap(ctx, st, simCfg, windowTicks); err != nil {
				return fmt.Errorf("bootstrap failed: %w", err)
			}

			interventionAgent, err := agent.New(agent.DefaultThresholds())
			if err != nil {
				return err
			}
			index, err := retrieval.NewIndex(st)
			if err != nil {
				return err
			}
			var reporter report.Reporter = report.NoopReporter{}
			if reportDir != "" {
				reporter, err = report.NewFileReporter(reportDir)
				if err != nil {
					return err
				}
			}

			loopCfg := orchestrator.DefaultConfig()
			loopCfg.AggEvery = aggEvery
			loop, err := orchestrator.New(loopCfg, source, extractor, predictor, interventionAgent, st, orchestrator.Options{
				Index:    index,
				Reporter: reporter,
			})
			if err != nil {
				return err
			}

			scenario := api.Scenario(runScenario)
			fmt.Printf("=== Batch Run ===\n")
			fmt.Printf("Batches: %d, Seed: %d, Window: %d ticks\n\n", runBatches, runSeed, windowTicks)

			for i := 0; i < runBatches; i++ {
				start := time.Now()
				record, err := loop.RunBatch(ctx, scenario)
				if err != nil {
					return fmt.Errorf("batch %d failed: %w", i+1, err)
				}
				fmt.Printf("%s  scenario=%-12s state=%-8s interventions=%d truth=%.2f blend=%.2f (%.1fs)\n",
					record.BatchID, record.Scenario, record.State,
					len(record.Decisions), record.GroundTruth,
					predictor.BlendWeight(), time.Since(start).Seconds())
				loop.MaybeRetrain(ctx, st)
			}

			fmt.Printf("\nDone. Blend weight now %.2f\n", predictor.BlendWeight())
			return nil
		},
	}

	cmd.Flags().IntVar(&runBatches, "batches", 1, "Number of batches to run")
	cmd.Flags().StringVar(&runScenario, "scenario", "", "Force a scenario (default: weighted draw)")
	cmd.Flags().Int64Var(&runSeed, "seed", 42, "Simulation seed")
	cmd.Flags().IntVar(&windowTicks, "window", 10, "Feature window in ticks")
	cmd.Flags().IntVar(&aggEvery, "agg-every", 5, "Aggregation interval in sampling ticks")
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "Write closing reports to this directory")

	return cmd
}

// historyCmd lists persisted batches
func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List persisted batch records",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ids, err := st.ListBatches(ctx)
			if err != nil {
				return fmt.Errorf("failed to list batches: %w", err)
			}
			if len(ids) == 0 {
				fmt.Println("No batches recorded")
				return nil
			}

			fmt.Printf("%-12s %-12s %-10s %6s %8s %10s\n",
				"BATCH", "SCENARIO", "STATE", "TICKS", "ACTIONS", "TRUTH")
			for _, id := range ids {
				record, err := st.LoadBatch(ctx, id)
				if err != nil || record == nil {
					continue
				}
				truth := "pending"
				if record.Validated {
					truth = fmt.Sprintf("%.2f", record.GroundTruth)
				}
				fmt.Printf("%-12s %-12s %-10s %6d %8d %10s\n",
					record.BatchID, record.Scenario, record.State,
					len(record.Samples), len(record.Decisions), truth)
			}
			return nil
		},
	}
}

// inspectCmd shows one batch in detail, including similar precedents
func inspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show one batch record in detail",
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchID == "" {
				return fmt.Errorf("--batch-id is required")
			}
			ctx := context.Background()

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			record, err := st.LoadBatch(ctx, batchID)
			if err != nil {
				return fmt.Errorf("failed to load batch: %w", err)
			}
			if record == nil {
				return fmt.Errorf("batch %s not found", batchID)
			}

			fmt.Printf("=== Batch %s ===\n", record.BatchID)
			fmt.Printf("Scenario: %s\n", record.Scenario)
			fmt.Printf("State: %s\n", record.State)
			fmt.Printf("Started: %s\n", record.StartedAt.Format(time.RFC3339))
			if !record.ClosedAt.IsZero() {
				fmt.Printf("Closed: %s\n", record.ClosedAt.Format(time.RFC3339))
			}
			fmt.Printf("Samples: %d, Features: %d, Predictions: %d\n",
				len(record.Samples), len(record.Features), len(record.Predictions))
			if record.Validated {
				fmt.Printf("Ground truth: %.2f mmol/g\n", record.GroundTruth)
			} else {
				fmt.Printf("Ground truth: pending validation\n")
			}

			if n := len(record.Predictions); n > 0 {
				last := record.Predictions[n-1]
				fmt.Printf("\nFinal prediction: %.2f mmol/g (confidence %.2f, blend %.2f, %s)\n",
					last.CapacityMmolG, last.Confidence, last.BlendWeight, last.Provenance)
			}

			if len(record.Decisions) > 0 {
				fmt.Printf("\nInterventions:\n")
				for _, d := range record.Decisions {
					fmt.Printf("  tick %3d  [%s/%s] %s\n", d.Tick, d.Trigger, d.Severity, d.Reason)
				}
			}

			index, err := retrieval.NewIndex(st)
			if err != nil {
				return err
			}
			if cp := record.CheckpointFeatures(); cp != nil {
				similar, err := index.FindSimilar(ctx, cp, 3)
				if err == nil && len(similar) > 0 {
					fmt.Printf("\nSimilar closed batches:\n")
					for _, s := range similar {
						fmt.Printf("  %-12s %-12s capacity=%.2f distance=%.3f\n",
							s.BatchID, s.Scenario, s.Capacity, s.Distance)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&batchID, "batch-id", "", "Batch to inspect")

	return cmd
}

// retrainCmd forces an empirical-estimator refresh from the store
func retrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retrain",
		Short: "Force a retrain of the empirical estimator from validated history",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			predictor, err := predict.New(predict.DefaultConfig())
			if err != nil {
				return err
			}
			if err := predictor.Bootstrap(ctx, st, sim.DefaultConfig(), 10); err != nil {
				return fmt.Errorf("bootstrap failed: %w", err)
			}
			predictor.Refresh(ctx, st)

			state := predictor.State()
			fmt.Printf("Model version: %s\n", state.Version)
			fmt.Printf("Validated records: %d\n", state.EmpiricalCount)
			fmt.Printf("Blend weight: %.2f\n", predictor.BlendWeight())
			return nil
		},
	}
}

// replayCmd reads a sample WAL back and summarizes its contents
func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a sample WAL file and summarize its contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			if walPath == "" {
				return fmt.Errorf("--wal is required")
			}

			samples, err := wal.Replay(walPath)
			if err != nil {
				return fmt.Errorf("replay failed: %w", err)
			}

			perBatch := make(map[string]int)
			for _, s := range samples {
				perBatch[s.BatchID]++
			}
			batches := make([]string, 0, len(perBatch))
			for id := range perBatch {
				batches = append(batches, id)
			}
			sort.Strings(batches)

			fmt.Printf("=== WAL Replay ===\n")
			fmt.Printf("File: %s\n", walPath)
			fmt.Printf("Samples: %d across %d batches\n\n", len(samples), len(batches))
			for _, id := range batches {
				fmt.Printf("  %-12s %d samples\n", id, perBatch[id])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&walPath, "wal", "", "WAL file to replay")

	return cmd
}

func openStore() (store.Store, error) {
	switch storeBackend {
	case "memory":
		return store.NewMemoryStore(snapshotPath), nil
	case "redis":
		return store.NewRedisStore(redisAddr, "", redisDB)
	case "postgres":
		return store.NewPostgresStore(postgresConn)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", storeBackend)
	}
}
