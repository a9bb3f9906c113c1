package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ManosCoffee/makerates/internal/app"
)

var (
	simulateFile string
	simulateDays int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the reconciliation pipeline in memory against a file or generated fixture",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateFile == "" && simulateDays <= 0 {
			return fmt.Errorf("--days must be greater than zero when no --file is given")
		}

		opts := app.SimulateOptions{
			Path: simulateFile,
			Days: simulateDays,
		}

		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateFile, "file", "", "JSONL snapshot file to evaluate instead of the generated fixture")
	simulateCmd.Flags().IntVar(&simulateDays, "days", 5, "Number of fixture days to generate when no file is given")
}
