package main

import (
	"os"

	"github.com/spf13/cobra"
)

var suggestSituation string

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Suggest parameters for a situation",
	Long: `Prints the parameters the engine suggests for the given situation,
adjusted by the recorded outcomes.

Example:
  paramtuner suggest --situation rule_density=0.9,failure_frequency=0.7`,
	RunE: runSuggest,
}

func init() {
	suggestCmd.Flags().StringVar(&suggestSituation, "situation", "", "Situation as name=value pairs (missing dimensions are neutral)")
	rootCmd.AddCommand(suggestCmd)
}

func runSuggest(cmd *cobra.Command, args []string) error {
	sit, err := parseSituation(suggestSituation)
	if err != nil {
		return err
	}

	eng, err := openEngine(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	return printJSON(os.Stdout, map[string]any{
		"situation":  sit,
		"health":     sit.Level(),
		"parameters": eng.SuggestParameters(sit),
	})
}
