package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cwbudde/paramtuner/internal/server"
	"github.com/cwbudde/paramtuner/internal/store"
)

var (
	resumeDataDir       string
	resumeMaxIterations int
)

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume optimization from checkpoint",
	Long: `Continues a checkpointed optimization. The best parameters of the
checkpoint seed the new run, so the result is never worse than the checkpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", "", "Checkpoint directory (default from config)")
	resumeCmd.Flags().IntVar(&resumeMaxIterations, "max-iterations", 0, "Iterations for the resumed run (default: the checkpointed budget)")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	checkpointStore, err := store.NewFSStore(dataDir(resumeDataDir))
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	cp, err := checkpointStore.LoadCheckpoint(jobID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	config := cp.Config
	if resumeMaxIterations > 0 {
		config.MaxIterations = resumeMaxIterations
	}
	config, err = server.NormalizeJobConfig(config, nil)
	if err != nil {
		return fmt.Errorf("invalid checkpoint configuration: %w", err)
	}
	if err := cp.IsCompatible(config); err != nil {
		return err
	}

	slog.Info("Resuming job", "job_id", jobID, "iteration", cp.Iteration, "best_score", cp.BestScore)

	jm := server.NewJobManager()
	jm.CreateResumedJob(cp, config)
	return executeJob(jm, checkpointStore, jobID)
}
