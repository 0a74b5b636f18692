package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	var url string

	if len(args) == 0 {
		// List all jobs
		url = fmt.Sprintf("%s/api/v1/jobs", serverURL)
		return listJobs(cmd.OutOrStdout(), url)
	}

	// Get specific job status
	jobID := args[0]
	url = fmt.Sprintf("%s/api/v1/jobs/%s/status", serverURL, jobID)
	return getJobStatus(cmd.OutOrStdout(), url, jobID)
}

func fetchJSON(url string, v any) (int, error) {
	resp, err := http.Get(url)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("server returned error: %s", string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func listJobs(w io.Writer, url string) error {
	var jobs []map[string]interface{}
	if _, err := fetchJSON(url, &jobs); err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return nil
	}

	fmt.Fprintf(w, "Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(w, "Job ID: %s\n", job["id"])
		fmt.Fprintf(w, "  State: %s\n", job["state"])
		if config, ok := job["config"].(map[string]interface{}); ok {
			fmt.Fprintf(w, "  Objective: %v\n", config["objective"])
		}
		if job["strategy"] != nil {
			fmt.Fprintf(w, "  Strategy: %v\n", job["strategy"])
		}
		if score, ok := job["bestScore"].(float64); ok {
			fmt.Fprintf(w, "  Best Score: %.6f\n", score)
		}
		fmt.Fprintln(w)
	}

	return nil
}

func getJobStatus(w io.Writer, url, jobID string) error {
	var status map[string]interface{}
	code, err := fetchJSON(url, &status)
	if code == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return err
	}

	// Display status
	fmt.Fprintf(w, "Job: %s\n", status["id"])
	fmt.Fprintf(w, "State: %s\n", status["state"])
	if resumed, _ := status["resumed"].(bool); resumed {
		fmt.Fprintln(w, "Resumed: yes")
	}
	fmt.Fprintln(w)

	if config, ok := status["config"].(map[string]interface{}); ok {
		fmt.Fprintln(w, "Configuration:")
		fmt.Fprintf(w, "  Objective: %v\n", config["objective"])
		fmt.Fprintf(w, "  Strategy: %v\n", config["strategy"])
		fmt.Fprintf(w, "  Max Iterations: %v\n", config["maxIterations"])
		if specs, ok := config["space"].([]interface{}); ok {
			fmt.Fprintf(w, "  Parameters: %d\n", len(specs))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "Progress:")
	fmt.Fprintf(w, "  Iterations: %v\n", status["iterations"])
	fmt.Fprintf(w, "  Evaluations: %v\n", status["evaluations"])
	if status["strategy"] != nil && status["strategy"] != "" {
		fmt.Fprintf(w, "  Current Strategy: %v\n", status["strategy"])
	}
	if score, ok := status["bestScore"].(float64); ok {
		fmt.Fprintf(w, "  Best Score: %.6f\n", score)
	}
	if params, ok := status["bestParams"].(map[string]interface{}); ok && len(params) > 0 {
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(w, "  Best Parameters:")
		for _, name := range names {
			fmt.Fprintf(w, "    %s: %v\n", name, params[name])
		}
	}

	if elapsed, ok := status["elapsed"].(float64); ok {
		fmt.Fprintf(w, "  Elapsed: %s\n", time.Duration(elapsed*float64(time.Second)).Round(time.Millisecond))
	}

	if eps, ok := status["evalsPerSecond"].(float64); ok && eps > 0 {
		fmt.Fprintf(w, "  Throughput: %.0f evals/sec\n", eps)
	}

	if reason, _ := status["stopReason"].(string); reason != "" {
		fmt.Fprintf(w, "  Stop Reason: %s\n", reason)
	}

	if msg, _ := status["error"].(string); msg != "" {
		fmt.Fprintf(w, "\nError: %s\n", msg)
	}

	return nil
}
