package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManosCoffee/makerates/internal/app"
	"github.com/ManosCoffee/makerates/internal/model"
)

var (
	backfillFrom    string
	backfillTo      string
	backfillExclude []string
	backfillDryRun  bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Reprocess an explicit historical date range",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == "" || backfillTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := time.Parse(model.DateLayout, backfillFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to, err := time.Parse(model.DateLayout, backfillTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		if to.Before(from) {
			return fmt.Errorf("--from must not be after --to")
		}

		opts := app.BackfillOptions{
			From:           from,
			To:             to,
			ExcludeSources: backfillExclude,
			DryRun:         backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Start date (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "End date (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().StringSliceVar(&backfillExclude, "exclude-source", nil, "Source ids to exclude from this run")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Evaluate without writing to storage")
}
