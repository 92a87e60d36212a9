package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/store"
)

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect rejected upstream records",
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cycle, _ := cmd.Flags().GetInt("cycle")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.ListQuarantine(ctx, store.QuarantineFilter{Cycle: cycle, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "quarantine list")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Quarantine is empty.")
			return nil
		}
		formatQuarantine(os.Stdout, entries)
		return nil
	},
}

func init() {
	quarantineListCmd.Flags().Int("cycle", 0, "only records rejected in this cycle")
	quarantineListCmd.Flags().Int("limit", 100, "max number of records to display")
	quarantineCmd.AddCommand(quarantineListCmd)
	rootCmd.AddCommand(quarantineCmd)
}

// formatQuarantine writes a tabular list of quarantined records to w.
func formatQuarantine(out io.Writer, entries []model.QuarantineEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CYCLE\tKIND\tRECORD\tERROR\tCREATED")
	_, _ = fmt.Fprintln(w, "-----\t----\t------\t-----\t-------")
	for _, e := range entries {
		record := e.RecordID
		if record == "" {
			record = "-"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			e.Cycle,
			e.RecordKind,
			truncate(record, 24),
			truncate(e.Error, 60),
			e.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
