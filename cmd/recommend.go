package main

import (
	"os"

	"github.com/spf13/cobra"
)

var recommendSituation string

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Recommend a strategy for a situation",
	Long: `Picks the strategy that worked best in similar situations. Without
similar history the learned agent or the default strategy is used.`,
	RunE: runRecommend,
}

func init() {
	recommendCmd.Flags().StringVar(&recommendSituation, "situation", "", "Situation as name=value pairs")
	rootCmd.AddCommand(recommendCmd)
}

func runRecommend(cmd *cobra.Command, args []string) error {
	sit, err := parseSituation(recommendSituation)
	if err != nil {
		return err
	}

	eng, err := openEngine(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	return printJSON(os.Stdout, eng.RecommendOptimalStrategy(sit))
}
