package main

import (
	"os"

	"github.com/spf13/cobra"
)

var trendsDays int

var trendsCmd = &cobra.Command{
	Use:   "trends",
	Short: "Report strategy effectiveness trends",
	RunE:  runTrends,
}

func init() {
	trendsCmd.Flags().IntVar(&trendsDays, "days", 7, "Window in days (0 for all retained records)")
	rootCmd.AddCommand(trendsCmd)
}

func runTrends(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	return printJSON(os.Stdout, eng.AnalyzeStrategyTrends(trendsDays))
}
