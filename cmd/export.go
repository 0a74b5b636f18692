package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	exportFormat string
	exportOutput string
	exportFile   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export learned state",
	Long: `Exports the engine state: "summary" holds strategy statistics,
"detailed" adds patterns, optimizer and agent state, "raw" adds every
retained record.`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "summary", "Export format: summary, detailed, raw")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "json", "Output encoding: json, yaml")
	exportCmd.Flags().StringVar(&exportFile, "file", "", "Write to file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	if exportOutput != "json" && exportOutput != "yaml" {
		return fmt.Errorf("unknown output encoding %q (json or yaml)", exportOutput)
	}

	eng, err := openEngine(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	data, err := eng.Export(exportFormat)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if exportFile != "" {
		f, err := os.Create(exportFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return writeExport(w, data, exportOutput)
}

// writeExport encodes data as json or yaml. The yaml path goes through
// JSON first so custom MarshalJSON methods and field names apply.
func writeExport(w io.Writer, data map[string]any, encoding string) error {
	if encoding == "json" {
		return printJSON(w, data)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return fmt.Errorf("failed to write yaml: %w", err)
	}
	return enc.Close()
}
