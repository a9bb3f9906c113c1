package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ManosCoffee/makerates/internal/app"
)

var (
	showLimit   int
	showFlagged bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent validated facts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:          showLimit,
			IncludeFlagged: showFlagged,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of facts to display")
	showCmd.Flags().BoolVar(&showFlagged, "flagged", false, "Include FLAGGED facts alongside VALIDATED ones")
}
