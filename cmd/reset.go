package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget all recorded outcomes",
	Long:  `Clears the persisted effectiveness records. Checkpoints are not touched.`,
	RunE:  runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&resetForce, "force", "f", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	if !resetForce {
		fmt.Print("Delete all recorded outcomes? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	eng, err := openEngine(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Reset(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("Recorded outcomes cleared.")
	return nil
}
