package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/evidence-engine/internal/model"
)

var patternCmd = &cobra.Command{
	Use:   "pattern",
	Short: "Operator actions on detected patterns",
}

var patternArchiveCmd = &cobra.Command{
	Use:   "archive <pattern-id>",
	Short: "Archive a pattern (terminal)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "cycle")
		if err != nil {
			return err
		}
		defer env.Close()

		version, err := env.Engine.ApplyPatternOverride(ctx, args[0], model.PatternArchived)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Archived %s (snapshot version %d).\n", args[0], version)
		return nil
	},
}

func init() {
	patternCmd.AddCommand(patternArchiveCmd)
	rootCmd.AddCommand(patternCmd)
}
