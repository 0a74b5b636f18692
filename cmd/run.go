package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/paramtuner/internal/server"
	"github.com/cwbudde/paramtuner/internal/store"
)

var (
	runObjective          string
	runStrategy           string
	runMaxIterations      int
	runBatchSize          int
	runMaxTime            time.Duration
	runSeed               int64
	runCheckpointInterval int
	runDataDir            string
	runNoStore            bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run single-shot optimization",
	Long: `Optimizes the configured parameter space against a built-in objective
and prints the best parameters. Progress is checkpointed so an interrupted
run can be continued with "paramtuner resume".`,
	RunE: runOptimization,
}

func init() {
	runCmd.Flags().StringVar(&runObjective, "objective", "", "Objective: quadratic, rastrigin, noisy (default from config)")
	runCmd.Flags().StringVar(&runStrategy, "strategy", "", "Strategy: grid, random, local_perturbation, genetic, mayfly (default from config)")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "Max iterations (default from config)")
	runCmd.Flags().IntVar(&runBatchSize, "batch", 0, "Evaluations per iteration (default from config)")
	runCmd.Flags().DurationVar(&runMaxTime, "max-time", 0, "Wall-clock limit, 0 for none (default from config)")
	runCmd.Flags().Int64Var(&runSeed, "seed", 0, "Random seed (default from config)")
	runCmd.Flags().IntVar(&runCheckpointInterval, "checkpoint-interval", -1, "Checkpoint every N seconds, 0 disables (default from config)")
	runCmd.Flags().StringVar(&runDataDir, "data-dir", "", "Checkpoint directory (default from config)")
	runCmd.Flags().BoolVar(&runNoStore, "no-store", false, "Do not write checkpoints, traces or results")

	rootCmd.AddCommand(runCmd)
}

// runJobConfig merges the run flags over the configuration.
func runJobConfig() server.JobConfig {
	c := currentConfig()
	jc := server.JobConfig{
		Objective:          c.Run.Objective,
		Strategy:           string(c.Controller.Strategy),
		Space:              c.Space,
		MaxIterations:      c.Controller.MaxIterations,
		BatchSize:          c.Controller.BatchSize,
		MaxTimeSeconds:     c.Run.MaxTime.Seconds(),
		Seed:               c.Seed,
		DisableSwitching:   c.Controller.DisableSwitching,
		CheckpointInterval: c.Run.CheckpointInterval,
	}
	if runObjective != "" {
		jc.Objective = runObjective
	}
	if runStrategy != "" {
		jc.Strategy = runStrategy
	}
	if runMaxIterations > 0 {
		jc.MaxIterations = runMaxIterations
	}
	if runBatchSize > 0 {
		jc.BatchSize = runBatchSize
	}
	if runMaxTime > 0 {
		jc.MaxTimeSeconds = runMaxTime.Seconds()
	}
	if runSeed != 0 {
		jc.Seed = runSeed
	}
	if runCheckpointInterval >= 0 {
		jc.CheckpointInterval = runCheckpointInterval
	}
	return jc
}

func runOptimization(cmd *cobra.Command, args []string) error {
	config, err := server.NormalizeJobConfig(runJobConfig(), currentConfig().Space)
	if err != nil {
		return fmt.Errorf("invalid run configuration: %w", err)
	}

	var checkpointStore *store.FSStore
	if !runNoStore {
		checkpointStore, err = store.NewFSStore(dataDir(runDataDir))
		if err != nil {
			return fmt.Errorf("failed to create checkpoint store: %w", err)
		}
	}

	jm := server.NewJobManager()
	job := jm.CreateJob(config)
	return executeJob(jm, checkpointStore, job.ID)
}

// executeJob runs a registered job until it ends or the process is
// interrupted, then prints its outcome.
func executeJob(jm *server.JobManager, checkpointStore *store.FSStore, jobID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	runErr := server.RunJob(ctx, jm, checkpointStore, nil, jobID)
	job, _ := jm.GetJob(jobID)

	if errors.Is(runErr, context.Canceled) {
		slog.Warn("Optimization interrupted", "job_id", jobID, "iterations", job.Iterations)
		if checkpointStore != nil && job.HasBest() {
			fmt.Fprintf(os.Stderr, "Interrupted. Continue with: paramtuner resume %s\n", jobID)
		}
	} else if runErr != nil {
		return runErr
	}

	slog.Info("Optimization finished", "job_id", jobID, "elapsed", time.Since(start), "state", job.State)
	return printJSON(os.Stdout, map[string]any{
		"jobId":       job.ID,
		"state":       job.State,
		"objective":   job.Config.Objective,
		"strategy":    job.Strategy,
		"bestScore":   job.BestScore,
		"parameters":  job.BestParams,
		"iterations":  job.Iterations,
		"evaluations": job.Evaluations,
		"stopReason":  job.StopReason,
	})
}
