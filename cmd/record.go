package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/paramtuner/internal/engine"
	"github.com/cwbudde/paramtuner/internal/feedback"
)

var (
	recordStrategy    string
	recordSituation   string
	recordBefore      string
	recordAfter       string
	recordImprovement float64
	recordDuration    time.Duration
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record the outcome of a strategy application",
	Long: `Stores how well a strategy worked in a situation. The improvement is
derived from --before and --after when --improvement is not given.

Example:
  paramtuner record --strategy conservative \
    --situation failure_frequency=0.8 \
    --before performance=0.4 --after performance=0.6 --duration 3s`,
	RunE: runRecord,
}

func init() {
	recordCmd.Flags().StringVar(&recordStrategy, "strategy", "", "Strategy that was applied (required)")
	recordCmd.Flags().StringVar(&recordSituation, "situation", "", "Situation as name=value pairs")
	recordCmd.Flags().StringVar(&recordBefore, "before", "", "Metrics before, e.g. performance=0.4,health=0.5")
	recordCmd.Flags().StringVar(&recordAfter, "after", "", "Metrics after")
	recordCmd.Flags().Float64Var(&recordImprovement, "improvement", 0, "Improvement score in [-1, 1]")
	recordCmd.Flags().DurationVar(&recordDuration, "duration", 0, "How long the application took")
	recordCmd.MarkFlagRequired("strategy")
	rootCmd.AddCommand(recordCmd)
}

func runRecord(cmd *cobra.Command, args []string) error {
	sit, err := parseSituation(recordSituation)
	if err != nil {
		return err
	}
	before, err := parseMetrics(recordBefore)
	if err != nil {
		return fmt.Errorf("invalid --before: %w", err)
	}
	after, err := parseMetrics(recordAfter)
	if err != nil {
		return fmt.Errorf("invalid --after: %w", err)
	}

	improvement := feedback.DeriveImprovement(before, after)
	if cmd.Flags().Changed("improvement") {
		improvement = recordImprovement
	}

	eng, err := openEngine(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	rec, err := eng.RecordStrategyApplication(cmd.Context(), engine.Application{
		Strategy:    recordStrategy,
		Situation:   sit,
		Before:      before,
		After:       after,
		Improvement: improvement,
		Duration:    recordDuration,
	})
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, rec)
}
