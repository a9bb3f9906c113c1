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
	exportPair      string
	exportFrom      string
	exportTo        string
	exportCSVPath   string
	exportPNGPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a currency pair's fact history as CSV and/or PNG",
	RunE: func(cmd *cobra.Command, args []string) error {
		base, target, err := parsePair(exportPair)
		if err != nil {
			return err
		}

		opts := app.ExportOptions{
			Base:      base,
			Target:    target,
			CSVPath:   exportCSVPath,
			PNGPath:   exportPNGPath,
			MaxPoints: exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := time.Parse(model.DateLayout, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from date %q: %w", exportFrom, err)
			}
			opts.From = &from
		}
		if exportTo != "" {
			to, err := time.Parse(model.DateLayout, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to date %q: %w", exportTo, err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func parsePair(pair string) (string, string, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(pair)), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid --pair %q, expected BASE/TARGET", pair)
	}
	return parts[0], parts[1], nil
}

func init() {
	exportCmd.Flags().StringVar(&exportPair, "pair", "", "Currency pair to export, e.g. USD/EUR (required)")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start date (YYYY-MM-DD), defaults to max-points days before --to")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End date (YYYY-MM-DD), defaults to today")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Write the fact history to this CSV file")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Render the fact history to this PNG file")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum number of points to export (0 uses the configured default)")

	_ = exportCmd.MarkFlagRequired("pair")
}
