package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManosCoffee/makerates/internal/app"
	"github.com/ManosCoffee/makerates/internal/model"
)

var (
	statsPair   string
	statsCross  string
	statsFrom   string
	statsTo     string
	statsWindow int
	statsLimit  int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report coverage, volatility, and cross rates over the fact stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		if statsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if statsCross != "" && statsPair == "" {
			return fmt.Errorf("--cross requires --pair")
		}

		opts := app.StatsOptions{
			Cross:      strings.ToUpper(strings.TrimSpace(statsCross)),
			WindowDays: statsWindow,
			Limit:      statsLimit,
		}

		if statsPair != "" {
			base, target, err := parsePair(statsPair)
			if err != nil {
				return err
			}
			opts.Base, opts.Target = base, target
		}

		if statsFrom != "" {
			from, err := time.Parse(model.DateLayout, statsFrom)
			if err != nil {
				return fmt.Errorf("invalid --from date %q: %w", statsFrom, err)
			}
			opts.From = &from
		}
		if statsTo != "" {
			to, err := time.Parse(model.DateLayout, statsTo)
			if err != nil {
				return fmt.Errorf("invalid --to date %q: %w", statsTo, err)
			}
			opts.To = &to
		}

		return getApp().Stats(cmd.Context(), opts)
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsPair, "pair", "", "Currency pair for volatility, e.g. USD/EUR")
	statsCmd.Flags().StringVar(&statsCross, "cross", "", "Second target currency for a cross rate against --pair's target")
	statsCmd.Flags().StringVar(&statsFrom, "from", "", "Start date (YYYY-MM-DD), defaults to window days before --to")
	statsCmd.Flags().StringVar(&statsTo, "to", "", "End date (YYYY-MM-DD), defaults to today")
	statsCmd.Flags().IntVar(&statsWindow, "window", 30, "Analysis window in days when --from is not given")
	statsCmd.Flags().IntVar(&statsLimit, "limit", 200, "Number of recent facts to aggregate for coverage")
}
