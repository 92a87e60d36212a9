package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-engine/internal/model"
	"github.com/sells-group/evidence-engine/internal/store"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect and roll back state snapshots",
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a snapshot as JSON (default: the active one)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		version, _ := cmd.Flags().GetInt("version")

		var snap *model.Snapshot
		if version > 0 {
			snap, err = st.GetSnapshot(ctx, version)
		} else {
			snap, err = st.LoadActiveSnapshot(ctx)
		}
		if err != nil {
			return eris.Wrap(err, "snapshot show")
		}
		if snap == nil {
			fmt.Fprintln(os.Stderr, "No snapshot committed yet.")
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshot versions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		infos, err := st.ListSnapshots(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "snapshot list")
		}
		if len(infos) == 0 {
			fmt.Fprintln(os.Stderr, "No snapshots found.")
			return nil
		}
		formatSnapshotList(os.Stdout, infos)
		return nil
	},
}

var snapshotRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Make a stored snapshot version active",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		version, _ := cmd.Flags().GetInt("version")
		if version <= 0 {
			return eris.New("snapshot rollback: --version is required")
		}

		env, err := initEngine(ctx, "cycle")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Engine.Rollback(ctx, version); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Active snapshot is now version %d.\n", version)
		return nil
	},
}

func init() {
	snapshotShowCmd.Flags().Int("version", 0, "snapshot version (default: active)")
	snapshotListCmd.Flags().Int("limit", 50, "max number of versions to display")
	snapshotRollbackCmd.Flags().Int("version", 0, "snapshot version to activate")

	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotRollbackCmd)
	rootCmd.AddCommand(snapshotCmd)
}

// formatSnapshotList writes a tabular list of snapshot versions to w.
func formatSnapshotList(out io.Writer, infos []store.SnapshotInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tPARENT\tCYCLE\tACTIVE")
	_, _ = fmt.Fprintln(w, "-------\t------\t-----\t------")
	for _, info := range infos {
		active := ""
		if info.Active {
			active = "*"
		}
		_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", info.Version, info.ParentVersion, info.Cycle, active)
	}
	_ = w.Flush()
}
