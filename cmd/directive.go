package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-engine/internal/model"
)

var directiveCmd = &cobra.Command{
	Use:   "directive",
	Short: "Inspect the next-cycle research plan",
}

var directiveShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the directive of the active snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := st.LoadActiveSnapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "directive show")
		}
		if snap == nil || snap.Directive == nil {
			fmt.Fprintln(os.Stderr, "No directive yet; run a cycle first.")
			return nil
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap.Directive)
		}
		formatDirective(os.Stdout, snap.Directive)
		return nil
	},
}

func init() {
	directiveShowCmd.Flags().Bool("json", false, "print the full directive as JSON")
	directiveCmd.AddCommand(directiveShowCmd)
	rootCmd.AddCommand(directiveCmd)
}

// formatDirective writes a readable summary of d to out.
func formatDirective(out io.Writer, d *model.Directive) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Directive for cycle %d\n\n", d.Cycle)

	_, _ = fmt.Fprintln(w, "TARGET\tCONFIDENCE\tTIER")
	for _, t := range d.PrimaryResearchTargets {
		_, _ = fmt.Fprintf(w, "%s\t%.3f\t%s\n", t.Dimension, t.Confidence, t.Tier)
	}

	if len(d.MandatoryRefresh) > 0 {
		_, _ = fmt.Fprintln(w, "\nREFRESH\tKIND\tSTATUS")
		for _, r := range d.MandatoryRefresh {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.Kind, r.Status)
		}
	}

	if len(d.ScanPriorities) > 0 {
		_, _ = fmt.Fprintln(w, "\nSOURCE\tPRIORITY\tSTATUS")
		for _, s := range d.ScanPriorities {
			_, _ = fmt.Fprintf(w, "%s\t%.4f\t%s\n", s.Source, s.Priority, s.Status)
		}
	}

	if len(d.Alerts) > 0 {
		_, _ = fmt.Fprintln(w, "\nALERT\tSEVERITY\tMESSAGE")
		for _, a := range d.Alerts {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", a.Kind, a.Severity, a.Message)
		}
	}

	for _, name := range slices.Sorted(maps.Keys(d.WeightOverrides)) {
		_, _ = fmt.Fprintf(w, "\nweight override:\t%s x%.2f\n", name, d.WeightOverrides[name])
	}
	_ = w.Flush()
}
