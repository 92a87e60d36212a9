package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-engine/internal/intake"
	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/store"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run and inspect research cycles",
	Long:  "Commands for running a cycle over a batch file and listing cycle history.",
}

// -- cycle run --

var cycleRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one cycle over a batch file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		batchPath, _ := cmd.Flags().GetString("batch")
		overridesPath, _ := cmd.Flags().GetString("overrides")
		cycle, _ := cmd.Flags().GetInt("cycle")

		batch, err := loadBatch(batchPath, overridesPath)
		if err != nil {
			return err
		}
		if cycle > 0 {
			batch.Cycle = cycle
		}

		env, err := initEngine(ctx, "cycle")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Engine.RunCycle(ctx, batch)
		if err != nil {
			return eris.Wrap(err, "cycle run")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

// loadBatch reads a batch file and, when given, an override document that
// replaces the batch's own overrides.
func loadBatch(batchPath, overridesPath string) (model.Batch, error) {
	batch, err := intake.DecodeFile(batchPath)
	if err != nil {
		return model.Batch{}, err
	}
	if overridesPath != "" {
		doc, err := intake.LoadOverrides(overridesPath)
		if err != nil {
			return model.Batch{}, err
		}
		batch.Overrides = doc
	}
	return batch, nil
}

// -- cycle list --

var cycleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cycle runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListCycles(ctx, store.CycleFilter{
			Status: model.CycleStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "cycle list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No cycles found.")
			return nil
		}

		formatCyclesList(os.Stdout, runs)
		return nil
	},
}

// -- cycle stats --

var cycleStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate cycle statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := st.ListCycles(ctx, store.CycleFilter{Limit: limit})
		if err != nil {
			return eris.Wrap(err, "cycle stats")
		}

		formatCycleStats(os.Stdout, computeCycleStats(runs))
		return nil
	},
}

func init() {
	cycleRunCmd.Flags().String("batch", "", "batch file (json or yaml)")
	cycleRunCmd.Flags().String("overrides", "", "operator override document (json or yaml)")
	cycleRunCmd.Flags().Int("cycle", 0, "cycle number (default: previous cycle + 1)")
	_ = cycleRunCmd.MarkFlagRequired("batch")

	cycleListCmd.Flags().String("status", "", "filter by cycle status (running, complete, failed)")
	cycleListCmd.Flags().Int("limit", 50, "max number of cycles to display")

	cycleStatsCmd.Flags().Int("limit", 1000, "number of recent cycles to aggregate")

	cycleCmd.AddCommand(cycleRunCmd)
	cycleCmd.AddCommand(cycleListCmd)
	cycleCmd.AddCommand(cycleStatsCmd)
	rootCmd.AddCommand(cycleCmd)
}

// cycleStats holds aggregate statistics computed from a set of cycle runs.
type cycleStats struct {
	Total      int
	Complete   int
	Failed     int
	Running    int
	Errors     int
	Rerated    int
	AvgDurSecs float64
}

// computeCycleStats computes aggregate statistics from a list of cycle runs.
func computeCycleStats(runs []model.CycleRun) cycleStats {
	var s cycleStats
	s.Total = len(runs)

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		switch r.Status {
		case model.CycleStatusComplete:
			s.Complete++
			totalDur += r.UpdatedAt.Sub(r.CreatedAt)
			durCount++
			if r.Report != nil {
				s.Errors += len(r.Report.Errors)
				s.Rerated += len(r.Report.Rerated)
			}
		case model.CycleStatusFailed:
			s.Failed++
		default:
			s.Running++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatCyclesList writes a tabular list of cycle runs to w.
func formatCyclesList(out io.Writer, runs []model.CycleRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCYCLE\tSTATUS\tVERSION\tERRORS\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t-------\t------\t-------\t--------")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Millisecond).String()

		version, errs := "-", "-"
		if r.Report != nil {
			version = fmt.Sprintf("%d", r.Report.SnapshotVersion)
			errs = fmt.Sprintf("%d", len(r.Report.Errors))
		}
		if r.Status == model.CycleStatusFailed && r.Error != "" {
			errs = truncate(r.Error, 30)
		}

		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Cycle,
			r.Status,
			version,
			errs,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatCycleStats writes aggregate stats to w.
func formatCycleStats(out io.Writer, s cycleStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total cycles:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.Complete)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.Running)
	_, _ = fmt.Fprintf(w, "Record errors:\t%d\n", s.Errors)
	_, _ = fmt.Fprintf(w, "Subjects re-rated:\t%d\n", s.Rerated)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
