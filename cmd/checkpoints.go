package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cwbudde/paramtuner/internal/store"
)

var (
	checkpointDataDir string
	pruneKeep         int
	pruneOlderThan    int
	pruneForce        bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and prune saved optimization jobs",
	Long: `Every job run with a data directory leaves a checkpoint, its final
result and a score trace. These commands list, inspect and remove them.`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved jobs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := store.NewFSStore(dataDir(checkpointDataDir))
		if err != nil {
			return fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		return listCheckpoints(cmd.OutOrStdout(), fs)
	},
}

var showCheckpointCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a saved job and how its score developed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := store.NewFSStore(dataDir(checkpointDataDir))
		if err != nil {
			return fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		return showCheckpoint(cmd.OutOrStdout(), fs, args[0])
	},
}

var cleanCheckpointsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete saved jobs by age or count",
	Long: `Delete saved jobs older than --older-than days, or all but the
--keep-last newest ones. Both limits may be combined.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if pruneKeep <= 0 && pruneOlderThan <= 0 {
			return fmt.Errorf("must specify either --keep-last or --older-than")
		}
		fs, err := store.NewFSStore(dataDir(checkpointDataDir))
		if err != nil {
			return fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		return cleanCheckpoints(cmd.InOrStdin(), cmd.OutOrStdout(), fs, pruneKeep, pruneOlderThan, pruneForce)
	},
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(listCheckpointsCmd, showCheckpointCmd, cleanCheckpointsCmd)

	checkpointsCmd.PersistentFlags().StringVar(&checkpointDataDir, "data-dir", "", "Base directory for checkpoint storage (default from config)")

	cleanCheckpointsCmd.Flags().IntVar(&pruneKeep, "keep-last", 0, "Keep only the N newest jobs (0 = no count limit)")
	cleanCheckpointsCmd.Flags().IntVar(&pruneOlderThan, "older-than", 0, "Delete jobs saved more than N days ago (0 = no age limit)")
	cleanCheckpointsCmd.Flags().BoolVarP(&pruneForce, "force", "f", false, "Skip confirmation prompt")
}

func listCheckpoints(out io.Writer, fs store.Store) error {
	infos, err := fs.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "No checkpoints found.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tSAVED\tOBJECTIVE\tSTRATEGY\tPARAMS\tITERATION\tBEST SCORE\tSIZE")

	var total int64
	for _, info := range infos {
		total += info.SizeBytes
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%.6f\t%s\n",
			shortID(info.JobID), humanize.Time(info.Timestamp), info.Objective, info.Strategy,
			info.Params, info.Iteration, info.BestScore, humanize.IBytes(uint64(info.SizeBytes)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%d job(s), %s on disk\n", len(infos), humanize.IBytes(uint64(total)))
	return nil
}

func showCheckpoint(out io.Writer, fs *store.FSStore, jobID string) error {
	cp, err := fs.LoadCheckpoint(jobID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	fmt.Fprintf(out, "Job:          %s\n", cp.JobID)
	fmt.Fprintf(out, "Saved:        %s (%s)\n", cp.Timestamp.Format(time.RFC3339), humanize.Time(cp.Timestamp))
	fmt.Fprintf(out, "Objective:    %s\n", cp.Config.Objective)
	fmt.Fprintf(out, "Strategy:     %s (started as %s)\n", cp.Strategy, cp.Config.Strategy)
	fmt.Fprintf(out, "Progress:     iteration %d, %s evaluations\n", cp.Iteration, humanize.Comma(int64(cp.Evaluations)))
	fmt.Fprintf(out, "Best score:   %.6f\n", cp.BestScore)

	names := make([]string, 0, len(cp.BestParams))
	for name := range cp.BestParams {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(out, "Best params:")
	for _, name := range names {
		fmt.Fprintf(out, "  %s = %v\n", name, cp.BestParams[name])
	}

	entries, err := store.ReadTrace(fs.BaseDir(), jobID, 0)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}
	sum := store.SummarizeTrace(entries)
	fmt.Fprintf(out, "Trace:        %d entries, gain %+.6f, %d improvement(s)", sum.Entries, sum.Gain, sum.Improvements)
	if sum.LastImprovement >= 0 {
		fmt.Fprintf(out, ", last at iteration %d", sum.LastImprovement)
	}
	fmt.Fprintln(out)
	if len(sum.Strategies) > 0 {
		fmt.Fprintf(out, "Strategies:   %s\n", strings.Join(sum.Strategies, " -> "))
	}
	return nil
}

func cleanCheckpoints(in io.Reader, out io.Writer, fs store.Store, keep, olderThanDays int, force bool) error {
	infos, err := fs.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var maxAge time.Duration
	if olderThanDays > 0 {
		maxAge = time.Duration(olderThanDays) * 24 * time.Hour
	}
	doomed := pruneSet(infos, keep, maxAge, time.Now())
	if len(doomed) == 0 {
		fmt.Fprintln(out, "No checkpoints match deletion criteria.")
		return nil
	}

	fmt.Fprintf(out, "Found %d checkpoint(s) to delete:\n", len(doomed))
	for _, info := range doomed {
		fmt.Fprintf(out, "  - %s (iteration %d, saved %s)\n", shortID(info.JobID), info.Iteration, humanize.Time(info.Timestamp))
	}

	if !force {
		fmt.Fprint(out, "\nProceed with deletion? [y/N]: ")
		answer, _ := bufio.NewReader(in).ReadString('\n')
		if a := strings.TrimSpace(answer); a != "y" && a != "Y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var failed int
	for _, info := range doomed {
		if err := fs.DeleteCheckpoint(info.JobID); err != nil {
			slog.Error("Failed to delete checkpoint", "jobID", info.JobID, "error", err)
			failed++
			continue
		}
		slog.Info("Deleted checkpoint", "jobID", info.JobID)
	}

	fmt.Fprintf(out, "\nDeleted %d checkpoint(s), %d failed.\n", len(doomed)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d checkpoint(s) could not be deleted", failed)
	}
	return nil
}

// pruneSet picks the checkpoints outside the retention policy: anything
// beyond the keep newest, and anything older than maxAge. Zero disables
// a limit. The result is ordered newest first.
func pruneSet(infos []store.CheckpointInfo, keep int, maxAge time.Duration, now time.Time) []store.CheckpointInfo {
	sorted := append([]store.CheckpointInfo(nil), infos...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.After(sorted[j].Timestamp) })

	var doomed []store.CheckpointInfo
	for i, info := range sorted {
		tooMany := keep > 0 && i >= keep
		tooOld := maxAge > 0 && now.Sub(info.Timestamp) > maxAge
		if tooMany || tooOld {
			doomed = append(doomed, info)
		}
	}
	return doomed
}

// shortID truncates a job ID for table display.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}
