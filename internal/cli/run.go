package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManosCoffee/makerates/internal/app"
	"github.com/ManosCoffee/makerates/internal/model"
)

var (
	runExecutionDate string
	runExclude       []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one incremental reconciliation pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.RunOptions{ExcludeSources: runExclude}

		if runExecutionDate != "" {
			date, err := time.Parse(model.DateLayout, runExecutionDate)
			if err != nil {
				return fmt.Errorf("invalid --execution-date value: %w", err)
			}
			opts.ExecutionDate = date
		}

		return getApp().Run(cmd.Context(), opts)
	},
}

func init() {
	runCmd.Flags().StringVar(&runExecutionDate, "execution-date", "", "Run as of this date (YYYY-MM-DD, defaults to today)")
	runCmd.Flags().StringSliceVar(&runExclude, "exclude-source", nil, "Source ids to exclude from this run")
}
